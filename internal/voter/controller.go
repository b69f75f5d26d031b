// Package voter runs the participant side of a live quiz: joining by code,
// following questions and the countdown, and submitting one answer per
// question.
package voter

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/countdown"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/hubclient"
	"live-quiz-service/internal/protocol"
)

// Hub is the part of a hub connection the controller uses.
type Hub interface {
	hubclient.Invoker
	hubclient.Subscriber
	InvokeWhenReady(ctx context.Context, maxWait time.Duration, method string, args ...any) (json.RawMessage, error)
	OnStateChange(fn func(prev, next hubclient.State)) hubclient.Subscription
	State() hubclient.State
}

// Status is the phase of the answer submitted for the current question.
type Status int

const (
	StatusNone Status = iota
	StatusPending
	StatusConfirmed
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Submission is the voter's answer to one question.
type Submission struct {
	QuestionID string
	Answer     string
	Status     Status
	Err        error
}

// View is a copy of the controller state for rendering.
type View struct {
	Joined         bool
	SessionID      string
	ExamID         string
	ParticipantID  string
	Code           string
	State          domain.SessionState
	Paused         bool
	PauseReason    string
	Index          int
	TotalQuestions int
	Question       *domain.QuestionStarted
	Revealed       bool
	CorrectAnswer  string
	// Remaining is -1 when the current question has no running countdown.
	Remaining   int
	TimerSource countdown.Source
	Submission  Submission
	Score       int
	Rank        int
	Roster      []domain.RosterEntry
	Connection  hubclient.State
}

type Option func(*Controller)

func WithOnChange(fn func(View)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithClock sets the clock of the local countdown.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithJoinWait bounds how long a join waits for the connection handshake.
func WithJoinWait(d time.Duration) Option {
	return func(c *Controller) { c.joinWait = d }
}

type Controller struct {
	hub      Hub
	clock    clockwork.Clock
	timer    *countdown.Timer
	onChange func(View)
	joinWait time.Duration
	stateSub hubclient.Subscription

	mu            sync.Mutex
	joined        bool
	code          string
	examID        string
	sessionID     string
	participantID string
	state         domain.SessionState
	paused        bool
	pauseReason   string
	index         int
	total         int
	question      *domain.QuestionStarted
	revealed      bool
	correct       string
	submission    Submission
	score         int
	rank          int
	roster        map[string]domain.RosterEntry
	conn          hubclient.State
	subs          []hubclient.Subscription
	// gen changes whenever the handlers are torn down; handlers of an older
	// generation drop their events.
	gen uint64
}

func New(hub Hub, opts ...Option) *Controller {
	c := &Controller{
		hub:      hub,
		clock:    clockwork.NewRealClock(),
		joinWait: 5 * time.Second,
		state:    domain.StateNotStarted,
		roster:   make(map[string]domain.RosterEntry),
		conn:     hub.State(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timer = countdown.New(c.clock,
		countdown.WithOnTick(func(string, int) { c.changed() }),
		countdown.WithOnExpire(func(qid string) {
			log.Debug().Str("question_id", qid).Msg("answer window closed")
			c.changed()
		}),
	)
	c.stateSub = hub.OnStateChange(c.onConnState)
	return c
}

// JoinQuiz joins the session behind code. Joining again with the same
// identity restores score and answered state.
func (c *Controller) JoinQuiz(ctx context.Context, code string) error {
	code = domain.NormalizeCode(code)
	if !domain.ValidCodeFormat(code) {
		return domain.ErrInvalidCode
	}

	// a failed join must not detach a voter from the session it is already in
	fresh := c.subscribe()
	res, err := c.join(ctx, code)
	if err != nil {
		if fresh {
			c.unsubscribe()
		}
		return err
	}

	c.mu.Lock()
	if c.sessionID != res.SessionID {
		c.resetLocked()
	}
	c.joined = true
	c.code = code
	c.examID = res.ExamID
	c.sessionID = res.SessionID
	c.participantID = res.ParticipantID
	c.mu.Unlock()

	c.apply(res.Snapshot)
	log.Info().Str("exam_id", res.ExamID).Str("participant_id", res.ParticipantID).Msg("joined live quiz")
	return nil
}

func (c *Controller) join(ctx context.Context, code string) (domain.JoinResult, error) {
	raw, err := c.hub.InvokeWhenReady(ctx, c.joinWait, domain.CallJoinQuiz, code)
	if err != nil {
		return domain.JoinResult{}, err
	}
	return protocol.Decode[domain.JoinResult](raw)
}

// SubmitAnswer sends the answer for questionID. Answers to a question that is
// not current, already revealed or out of time are rejected with
// domain.ErrQuestionClosed without reaching the hub.
func (c *Controller) SubmitAnswer(ctx context.Context, questionID, answer string) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return domain.ErrNotJoined
	}
	if c.state == domain.StateEnded {
		c.mu.Unlock()
		return domain.ErrSessionEnded
	}
	if c.submission.QuestionID == questionID &&
		(c.submission.Status == StatusPending || c.submission.Status == StatusConfirmed) {
		c.mu.Unlock()
		return domain.ErrAlreadySubmitted
	}
	if c.question == nil || c.question.ID != questionID || c.revealed || c.timer.Expired(questionID) {
		c.mu.Unlock()
		return domain.ErrQuestionClosed
	}
	c.submission = Submission{QuestionID: questionID, Answer: answer, Status: StatusPending}
	examID := c.examID
	c.mu.Unlock()
	c.changed()

	_, err := hubclient.Call[domain.SubmitResult](ctx, c.hub, domain.CallSubmitAnswer, examID, questionID, answer)

	c.mu.Lock()
	if c.submission.QuestionID == questionID && c.submission.Status == StatusPending {
		switch {
		case err == nil, errors.Is(err, domain.ErrAlreadySubmitted):
			c.submission.Status = StatusConfirmed
		default:
			c.submission.Status = StatusRejected
			c.submission.Err = err
		}
	}
	c.mu.Unlock()
	c.changed()
	if err != nil && errors.Is(err, domain.ErrSessionEnded) {
		c.markEnded(0, 0)
	}
	return err
}

// LeaveQuiz leaves the session. Handlers are removed and the countdown stops
// before the hub answers.
func (c *Controller) LeaveQuiz(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	examID := c.examID
	c.joined = false
	c.mu.Unlock()

	c.unsubscribe()
	c.timer.Reset()
	c.changed()

	if _, err := c.hub.Invoke(ctx, domain.CallLeaveQuiz, examID); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		return err
	}
	return nil
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		Joined:         c.joined,
		SessionID:      c.sessionID,
		ExamID:         c.examID,
		ParticipantID:  c.participantID,
		Code:           c.code,
		State:          c.state,
		Paused:         c.paused,
		PauseReason:    c.pauseReason,
		Index:          c.index,
		TotalQuestions: c.total,
		Revealed:       c.revealed,
		CorrectAnswer:  c.correct,
		Remaining:      -1,
		Submission:     c.submission,
		Score:          c.score,
		Rank:           c.rank,
		Connection:     c.conn,
	}
	if c.question != nil {
		q := *c.question
		q.Options = append([]string(nil), c.question.Options...)
		v.Question = &q
		v.Remaining = c.timer.Remaining(q.ID)
		if owner, src := c.timer.Owner(); owner == q.ID {
			v.TimerSource = src
		}
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
	return v
}

// Close removes all handlers and stops the countdown.
func (c *Controller) Close() {
	c.unsubscribe()
	c.timer.Reset()
	if c.stateSub != nil {
		c.stateSub.Unsubscribe()
	}
}

// subscribe registers the event handlers unless they are already live. It
// reports whether it registered them.
func (c *Controller) subscribe() bool {
	c.mu.Lock()
	if c.subs != nil {
		c.mu.Unlock()
		return false
	}
	gen := c.gen
	c.mu.Unlock()

	subs := []hubclient.Subscription{
		on(c, gen, domain.EventQuestionStarted, c.onQuestionStarted),
		on(c, gen, domain.EventQuestionEnded, c.onQuestionEnded),
		on(c, gen, domain.EventScoreUpdated, c.onScoreUpdated),
		on(c, gen, domain.EventTimerTick, c.onTimerTick),
		on(c, gen, domain.EventQuizEnded, c.onQuizEnded),
		on(c, gen, domain.EventParticipantJoined, c.onParticipantJoined),
		on(c, gen, domain.EventParticipantLeft, c.onParticipantLeft),
		on(c, gen, domain.EventSessionPaused, c.onSessionPaused),
		on(c, gen, domain.EventSessionResumed, c.onSessionResumed),
	}
	c.mu.Lock()
	if c.subs != nil || c.gen != gen {
		c.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
		return false
	}
	c.subs = subs
	c.mu.Unlock()
	return true
}

func on[T any](c *Controller, gen uint64, event string, fn func(uint64, T)) hubclient.Subscription {
	return hubclient.On(c.hub, event, func(ev T) { fn(gen, ev) })
}

func (c *Controller) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.gen++
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// stale reports whether handlers of gen have been torn down.
func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

func (c *Controller) onQuestionStarted(gen uint64, ev domain.QuestionStarted) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	q := ev
	c.question = &q
	c.index = ev.Index
	c.total = ev.TotalQuestions
	c.revealed = false
	c.correct = ""
	c.submission = Submission{}
	c.mu.Unlock()

	c.timer.Reset()
	if ev.TimeLimit > 0 {
		c.timer.Start(ev.ID, time.Duration(ev.TimeLimit)*time.Second)
	}
	if c.stale(gen) {
		// left while the countdown was being started
		c.timer.Reset()
		return
	}
	c.changed()
}

func (c *Controller) onQuestionEnded(gen uint64, ev domain.QuestionEnded) {
	c.mu.Lock()
	if c.gen != gen || (ev.QuestionID != "" && c.question != nil && c.question.ID != ev.QuestionID) {
		c.mu.Unlock()
		return
	}
	c.revealed = true
	c.correct = ev.CorrectAnswer
	c.mu.Unlock()
	c.timer.Reset()
	c.changed()
}

func (c *Controller) onScoreUpdated(gen uint64, ev domain.ScoreUpdated) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if ev.Score > c.score {
		c.score = ev.Score
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onTimerTick(gen uint64, ev domain.TimerTick) {
	c.mu.Lock()
	if c.gen != gen || c.question == nil || c.revealed {
		c.mu.Unlock()
		return
	}
	qid := ev.QuestionID
	if qid == "" {
		qid = c.question.ID
	}
	current := qid == c.question.ID
	c.mu.Unlock()
	if !current {
		return
	}
	c.timer.Tick(qid, ev.Remaining)
	if c.stale(gen) {
		c.timer.Reset()
	}
}

func (c *Controller) onQuizEnded(gen uint64, ev domain.QuizEnded) {
	if c.stale(gen) {
		return
	}
	c.markEnded(ev.Rank, ev.TotalScore)
}

func (c *Controller) onParticipantJoined(gen uint64, ev domain.ParticipantJoined) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.roster[ev.ParticipantID] = domain.RosterEntry{ParticipantID: ev.ParticipantID, Name: ev.Name, Score: ev.Score}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onParticipantLeft(gen uint64, ev domain.ParticipantLeft) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.roster, ev.ParticipantID)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onSessionPaused(gen uint64, ev domain.SessionPaused) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.paused = true
	c.pauseReason = ev.Reason
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) onSessionResumed(gen uint64, _ domain.SessionResumed) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.paused = false
	c.pauseReason = ""
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) markEnded(rank, total int) {
	c.timer.Reset()
	c.mu.Lock()
	c.state = domain.StateEnded
	c.paused = false
	if rank > 0 {
		c.rank = rank
		c.score = total
	}
	c.mu.Unlock()
	c.unsubscribe()
	c.changed()
}

func (c *Controller) onConnState(prev, next hubclient.State) {
	c.mu.Lock()
	c.conn = next
	rejoin := prev == hubclient.Reconnecting && next == hubclient.Connected &&
		c.joined && c.state != domain.StateEnded
	code := c.code
	gen := c.gen
	c.mu.Unlock()
	c.changed()
	if rejoin {
		go c.rejoin(code, gen)
	}
}

// rejoin re-registers the participant after a reconnect and catches up from
// the returned snapshot.
func (c *Controller) rejoin(code string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.joinWait+10*time.Second)
	defer cancel()
	res, err := c.join(ctx, code)
	if c.stale(gen) {
		// left or ended while the join was in flight
		c.mu.Lock()
		left := !c.joined
		c.mu.Unlock()
		if err == nil && left {
			if _, err := c.hub.Invoke(ctx, domain.CallLeaveQuiz, res.ExamID); err != nil {
				log.Debug().Err(err).Str("exam_id", res.ExamID).Msg("leave after late rejoin")
			}
		}
		return
	}
	if err != nil {
		if errors.Is(err, domain.ErrSessionEnded) {
			c.markEnded(0, 0)
			return
		}
		log.Warn().Err(err).Str("code", code).Msg("voter rejoin failed")
		return
	}
	c.apply(res.Snapshot)
}

// apply brings local state in line with a snapshot from the hub.
func (c *Controller) apply(snap domain.Snapshot) {
	if snap.State == domain.StateEnded {
		c.markEnded(0, 0)
		return
	}

	c.mu.Lock()
	c.state = snap.State
	c.paused = snap.Paused
	c.index = snap.Index
	c.total = snap.TotalQuestions
	c.roster = make(map[string]domain.RosterEntry, len(snap.Roster))
	for _, r := range snap.Roster {
		c.roster[r.ParticipantID] = r
	}
	var restart *domain.QuestionStarted
	if snap.Question != nil {
		if c.question == nil || c.question.ID != snap.Question.ID {
			c.submission = Submission{}
			restart = snap.Question
		}
		q := *snap.Question
		c.question = &q
	}
	c.revealed = snap.Phase == domain.PhaseRevealed
	c.correct = snap.CorrectAnswer
	if self := snap.Self; self != nil {
		if self.Score > c.score {
			c.score = self.Score
		}
		if self.Answered && c.question != nil {
			c.submission = Submission{QuestionID: c.question.ID, Answer: self.Answer, Status: StatusConfirmed}
		}
	}
	revealed := c.revealed
	c.mu.Unlock()

	switch {
	case snap.Question == nil || revealed:
		c.timer.Reset()
	case restart != nil && snap.Remaining > 0:
		c.timer.Reset()
		if restart.TimeLimit > 0 {
			c.timer.Start(restart.ID, time.Duration(snap.Remaining)*time.Second)
		} else {
			c.timer.Tick(restart.ID, snap.Remaining)
		}
	case restart != nil:
		c.timer.Reset()
		if restart.TimeLimit > 0 {
			// timed question whose window already closed
			c.timer.Tick(restart.ID, 0)
		}
	}
	c.changed()
}

func (c *Controller) resetLocked() {
	c.state = domain.StateNotStarted
	c.paused = false
	c.pauseReason = ""
	c.index = 0
	c.total = 0
	c.question = nil
	c.revealed = false
	c.correct = ""
	c.submission = Submission{}
	c.score = 0
	c.rank = 0
	c.roster = make(map[string]domain.RosterEntry)
}

func (c *Controller) changed() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.View())
}
