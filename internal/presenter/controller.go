// Package presenter drives a live quiz from the presenter's side of the hub:
// it starts and ends sessions, moves between questions, reveals answers and
// keeps a live view of the roster and the answer tally.
package presenter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/hubclient"
	"live-quiz-service/internal/tally"
)

// Hub is the part of a hub connection the controller uses.
type Hub interface {
	hubclient.Invoker
	hubclient.Subscriber
	OnStateChange(fn func(prev, next hubclient.State)) hubclient.Subscription
	State() hubclient.State
}

// View is a copy of the controller state for rendering.
type View struct {
	SessionID      string
	ExamID         string
	Code           string
	State          domain.SessionState
	Paused         bool
	Index          int
	TotalQuestions int
	Question       *domain.QuestionStarted
	Revealed       bool
	CorrectAnswer  string
	Roster         []domain.RosterEntry
	Counts         map[string]int
	Percentages    map[string]float64
	TotalResponses int
	Connection     hubclient.State
}

type Option func(*Controller)

// WithOnChange registers fn to receive a fresh View after every change.
func WithOnChange(fn func(View)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithResyncTimeout bounds the snapshot call issued after a reconnect.
func WithResyncTimeout(d time.Duration) Option {
	return func(c *Controller) { c.resyncTimeout = d }
}

type Controller struct {
	hub           Hub
	tally         *tally.Aggregator
	onChange      func(View)
	resyncTimeout time.Duration
	stateSub      hubclient.Subscription

	mu        sync.Mutex
	examID    string
	sessionID string
	code      string
	state     domain.SessionState
	paused    bool
	index     int
	total     int
	question  *domain.QuestionStarted
	revealed  bool
	correct   string
	roster    map[string]domain.RosterEntry
	conn      hubclient.State
	subs      []hubclient.Subscription
}

func New(hub Hub, opts ...Option) *Controller {
	c := &Controller{
		hub:           hub,
		tally:         tally.New(),
		resyncTimeout: 10 * time.Second,
		state:         domain.StateNotStarted,
		roster:        make(map[string]domain.RosterEntry),
		conn:          hub.State(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stateSub = hub.OnStateChange(c.onConnState)
	return c
}

// StartQuiz starts a live session for examID and returns its join code.
func (c *Controller) StartQuiz(ctx context.Context, examID string) (string, error) {
	c.mu.Lock()
	if c.state == domain.StateActive {
		c.mu.Unlock()
		return "", domain.ErrAlreadyActive
	}
	c.resetLocked()
	c.examID = examID
	c.mu.Unlock()

	c.subscribe()
	res, err := hubclient.Call[domain.StartResult](ctx, c.hub, domain.CallStartLiveQuiz, examID)
	if err != nil {
		c.unsubscribe()
		return "", err
	}

	c.mu.Lock()
	c.sessionID = res.SessionID
	c.code = res.Code
	c.total = res.TotalQuestions
	c.state = domain.StateActive
	c.mu.Unlock()
	c.changed()

	log.Info().Str("exam_id", examID).Str("code", res.Code).Msg("live quiz started")
	return res.Code, nil
}

// EndQuiz ends the running session. It is a no-op without one.
func (c *Controller) EndQuiz(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.StateActive {
		c.mu.Unlock()
		return nil
	}
	examID := c.examID
	c.mu.Unlock()

	if _, err := c.hub.Invoke(ctx, domain.CallEndLiveQuiz, examID); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		return err
	}
	c.markEnded()
	return nil
}

func (c *Controller) NextQuestion(ctx context.Context) (int, error) {
	return c.navigate(ctx, domain.CallNextQuestion, 1)
}

func (c *Controller) PreviousQuestion(ctx context.Context) (int, error) {
	return c.navigate(ctx, domain.CallPreviousQuestion, -1)
}

// navigate checks bounds locally; the question itself changes when the hub's
// QuestionStarted arrives.
func (c *Controller) navigate(ctx context.Context, method string, delta int) (int, error) {
	c.mu.Lock()
	examID, err := c.activeLocked()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	next := c.index + delta
	if next < 0 || next >= c.total {
		c.mu.Unlock()
		return c.index, domain.ErrOutOfRange
	}
	c.mu.Unlock()

	res, err := hubclient.Call[domain.IndexResult](ctx, c.hub, method, examID)
	if err != nil {
		return 0, c.checkEnded(err)
	}
	return res.Index, nil
}

// RevealAnswer reveals the current question's answer and returns it.
func (c *Controller) RevealAnswer(ctx context.Context) (string, error) {
	c.mu.Lock()
	examID, err := c.activeLocked()
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	if c.revealed {
		correct := c.correct
		c.mu.Unlock()
		return correct, nil
	}
	c.mu.Unlock()

	res, err := hubclient.Call[domain.RevealResult](ctx, c.hub, domain.CallRevealAnswer, examID)
	if err != nil {
		return "", c.checkEnded(err)
	}
	c.mu.Lock()
	if c.question != nil && c.question.ID == res.QuestionID {
		c.revealed = true
		c.correct = res.CorrectAnswer
	}
	c.mu.Unlock()
	c.changed()
	return res.CorrectAnswer, nil
}

// View returns a copy of the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Close removes every handler the controller registered on the hub.
func (c *Controller) Close() {
	c.unsubscribe()
	if c.stateSub != nil {
		c.stateSub.Unsubscribe()
	}
}

func (c *Controller) subscribe() {
	subs := []hubclient.Subscription{
		hubclient.On(c.hub, domain.EventParticipantJoined, c.onParticipantJoined),
		hubclient.On(c.hub, domain.EventParticipantLeft, c.onParticipantLeft),
		hubclient.On(c.hub, domain.EventAnswerReceived, c.onAnswerReceived),
		hubclient.On(c.hub, domain.EventQuestionStarted, c.onQuestionStarted),
		hubclient.On(c.hub, domain.EventQuestionEnded, c.onQuestionEnded),
		hubclient.On(c.hub, domain.EventSessionResumed, func(domain.SessionResumed) { c.setPaused(false) }),
	}
	c.mu.Lock()
	old := c.subs
	c.subs = subs
	c.mu.Unlock()
	for _, s := range old {
		s.Unsubscribe()
	}
}

func (c *Controller) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (c *Controller) onParticipantJoined(ev domain.ParticipantJoined) {
	c.mu.Lock()
	c.roster[ev.ParticipantID] = domain.RosterEntry{ParticipantID: ev.ParticipantID, Name: ev.Name, Score: ev.Score}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onParticipantLeft(ev domain.ParticipantLeft) {
	c.mu.Lock()
	delete(c.roster, ev.ParticipantID)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onAnswerReceived(ev domain.AnswerReceived) {
	c.mu.Lock()
	stale := ev.QuestionID != "" && c.question != nil && ev.QuestionID != c.question.ID
	c.mu.Unlock()
	if stale {
		return
	}
	if c.tally.OnAnswerEvent(tally.Answer{ParticipantID: ev.ParticipantID, Option: ev.Answer}) {
		c.changed()
	}
}

func (c *Controller) onQuestionStarted(ev domain.QuestionStarted) {
	c.mu.Lock()
	q := ev
	c.question = &q
	c.index = ev.Index
	c.total = ev.TotalQuestions
	c.revealed = false
	c.correct = ""
	c.tally.Reset()
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onQuestionEnded(ev domain.QuestionEnded) {
	c.mu.Lock()
	if ev.QuestionID == "" || c.question == nil || c.question.ID == ev.QuestionID {
		c.revealed = true
		c.correct = ev.CorrectAnswer
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) setPaused(v bool) {
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onConnState(prev, next hubclient.State) {
	c.mu.Lock()
	c.conn = next
	resync := prev == hubclient.Reconnecting && next == hubclient.Connected && c.state == domain.StateActive
	c.mu.Unlock()
	c.changed()
	if resync {
		// handlers run on the connection's goroutines and must not call the hub inline
		go c.resync()
	}
}

// resync rebuilds the view from a snapshot after a reconnect. Requesting the
// snapshot also re-attaches the presenter to the session on the hub.
func (c *Controller) resync() {
	c.mu.Lock()
	examID := c.examID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.resyncTimeout)
	defer cancel()
	snap, err := hubclient.Call[domain.Snapshot](ctx, c.hub, domain.CallRequestSnapshot, examID)
	if err != nil {
		log.Warn().Err(err).Str("exam_id", examID).Msg("presenter resync failed")
		return
	}
	c.apply(snap)
}

func (c *Controller) apply(snap domain.Snapshot) {
	c.mu.Lock()
	if snap.State == domain.StateEnded {
		c.mu.Unlock()
		c.markEnded()
		return
	}
	c.paused = snap.Paused
	c.index = snap.Index
	c.total = snap.TotalQuestions
	if snap.Code != "" {
		c.code = snap.Code
	}
	if snap.Question != nil {
		if c.question == nil || c.question.ID != snap.Question.ID {
			c.tally.Reset()
		}
		q := *snap.Question
		c.question = &q
	}
	c.revealed = snap.Phase == domain.PhaseRevealed
	c.correct = snap.CorrectAnswer
	c.roster = make(map[string]domain.RosterEntry, len(snap.Roster))
	for _, r := range snap.Roster {
		c.roster[r.ParticipantID] = r
	}
	for _, a := range snap.Answers {
		c.tally.OnAnswerEvent(tally.Answer{ParticipantID: a.ParticipantID, Option: a.Answer})
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) markEnded() {
	c.mu.Lock()
	c.state = domain.StateEnded
	c.paused = false
	c.mu.Unlock()
	c.unsubscribe()
	c.changed()
}

// checkEnded folds a hub SessionEnded into the local state.
func (c *Controller) checkEnded(err error) error {
	if errors.Is(err, domain.ErrSessionEnded) {
		c.markEnded()
	}
	return err
}

func (c *Controller) activeLocked() (string, error) {
	switch c.state {
	case domain.StateActive:
		return c.examID, nil
	case domain.StateEnded:
		return "", domain.ErrSessionEnded
	default:
		return "", domain.ErrQuizNotFound.Withf("no live quiz started")
	}
}

func (c *Controller) resetLocked() {
	c.sessionID = ""
	c.code = ""
	c.paused = false
	c.index = 0
	c.total = 0
	c.question = nil
	c.revealed = false
	c.correct = ""
	c.roster = make(map[string]domain.RosterEntry)
	c.tally.Reset()
}

func (c *Controller) viewLocked() View {
	v := View{
		SessionID:      c.sessionID,
		ExamID:         c.examID,
		Code:           c.code,
		State:          c.state,
		Paused:         c.paused,
		Index:          c.index,
		TotalQuestions: c.total,
		Revealed:       c.revealed,
		CorrectAnswer:  c.correct,
		Counts:         c.tally.Counts(),
		TotalResponses: c.tally.Total(),
		Connection:     c.conn,
	}
	if c.question != nil {
		q := *c.question
		q.Options = append([]string(nil), c.question.Options...)
		v.Question = &q
	}
	v.Roster = make([]domain.RosterEntry, 0, len(c.roster))
	for _, r := range c.roster {
		v.Roster = append(v.Roster, r)
	}
	sort.Slice(v.Roster, func(i, j int) bool {
		if v.Roster[i].Name != v.Roster[j].Name {
			return v.Roster[i].Name < v.Roster[j].Name
		}
		return v.Roster[i].ParticipantID < v.Roster[j].ParticipantID
	})
	if v.Question != nil && v.Question.Type.HasOptions() {
		for i := range v.Question.Options {
			letter := domain.OptionLetter(i)
			if _, ok := v.Counts[letter]; !ok {
				v.Counts[letter] = 0
			}
		}
	}
	v.Percentages = make(map[string]float64, len(v.Counts))
	for opt := range v.Counts {
		v.Percentages[opt] = c.tally.PercentageFor(opt)
	}
	return v
}

func (c *Controller) changed() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.View())
}
