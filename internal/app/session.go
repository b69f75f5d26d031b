package app

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/telemetry"
)

// Subscriber receives events for one connection. Deliver must not block; it
// returns false when the connection cannot keep up.
type Subscriber interface {
	Deliver(ev domain.Event) bool
}

// Caller is the connection an invocation arrived on.
type Caller struct {
	ConnID   string
	Identity domain.Identity
	Sub      Subscriber
}

// Settings tune the hub's session behaviour.
type Settings struct {
	PresenterTimeout time.Duration
	ServerTicks      bool
	LateGrace        time.Duration
}

// DefaultSettings mirrors the defaults of the hub configuration.
func DefaultSettings() Settings {
	return Settings{
		PresenterTimeout: 10 * time.Minute,
		LateGrace:        time.Second,
	}
}

// Session is one run of an exam. All state changes happen under mu and every
// event is handed to subscribers before mu is released, so each subscriber
// sees events in the order the session produced them.
type Session struct {
	id        string
	examID    string
	exam      domain.Exam
	clock     clockwork.Clock
	settings  Settings
	sink      EventSink
	onTimeout func(*Session)

	mu            sync.Mutex
	code          string
	state         domain.SessionState
	phase         domain.QuestionPhase
	index         int
	deadline      time.Time
	paused        bool
	pauseTimer    clockwork.Timer
	tickStop      chan struct{}
	presenterID   string
	presenterConn string
	presenterSub  Subscriber
	participants  map[string]*domain.Participant
	subs          map[string]Subscriber
	answers       map[string]map[string]domain.AnswerEvent
	answerOrder   map[string][]string
}

type sessionParams struct {
	id        string
	code      string
	exam      domain.Exam
	presenter Caller
	clock     clockwork.Clock
	settings  Settings
	sink      EventSink
	onTimeout func(*Session)
}

func newSession(p sessionParams) *Session {
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	return &Session{
		id:            p.id,
		examID:        p.exam.ID,
		exam:          p.exam,
		clock:         p.clock,
		settings:      p.settings,
		sink:          p.sink,
		onTimeout:     p.onTimeout,
		code:          p.code,
		state:         domain.StateNotStarted,
		presenterID:   p.presenter.Identity.UserID,
		presenterConn: p.presenter.ConnID,
		presenterSub:  p.presenter.Sub,
		participants:  make(map[string]*domain.Participant),
		subs:          make(map[string]Subscriber),
		answers:       make(map[string]map[string]domain.AnswerEvent),
		answerOrder:   make(map[string][]string),
	}
}

// NewSession builds a session that has not started yet. Exported for
// infrastructure layers and tests; the hub creates sessions through
// QuizService.StartLiveQuiz.
func NewSession(id, code string, exam domain.Exam, presenter Caller) *Session {
	return newSession(sessionParams{id: id, code: code, exam: exam, presenter: presenter, settings: DefaultSettings()})
}

func (s *Session) ID() string     { return s.id }
func (s *Session) ExamID() string { return s.examID }

func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ended reports whether the session reached its terminal state.
func (s *Session) Ended() bool {
	return s.State() == domain.StateEnded
}

// IsPresenter reports whether userID started the session.
func (s *Session) IsPresenter(userID string) bool {
	return s.presenterID == userID
}

// begin moves a new session to Active(0)/Open.
func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = domain.StateActive
	s.openLocked(0)
}

func (s *Session) navigate(c Caller, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.presenterCallLocked(c); err != nil {
		return 0, err
	}
	next := s.index + delta
	if next < 0 || next >= len(s.exam.Questions) {
		return s.index, domain.ErrOutOfRange.Withf("question %d of %d", next+1, len(s.exam.Questions))
	}
	s.closeQuestionLocked()
	s.openLocked(next)
	return next, nil
}

func (s *Session) reveal(c Caller) (domain.RevealResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.presenterCallLocked(c); err != nil {
		return domain.RevealResult{}, err
	}
	q := s.exam.Questions[s.index]
	res := domain.RevealResult{QuestionID: q.ID, CorrectAnswer: q.CorrectAnswer}
	if s.phase == domain.PhaseRevealed {
		return res, nil
	}
	s.phase = domain.PhaseRevealed
	s.stopTicksLocked()
	s.toAllLocked(domain.Event{Name: domain.EventQuestionEnded, Payload: domain.QuestionEnded{
		CorrectAnswer: q.CorrectAnswer,
		QuestionID:    q.ID,
	}})
	s.notifyScoresLocked(q.ID)
	return res, nil
}

// End terminates the session on behalf of the presenter c. It returns the
// retired code and whether this call performed the transition.
func (s *Session) End(c Caller) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Identity.UserID != s.presenterID {
		return "", false, domain.ErrNotPresenter
	}
	if s.state == domain.StateEnded {
		return "", false, nil
	}
	s.attachPresenterLocked(c)
	code := s.endLocked()
	return code, true, nil
}

func (s *Session) expirePresenter() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateEnded || !s.paused {
		return "", false
	}
	log.Info().Str("session_id", s.id).Msg("presenter did not return, ending session")
	return s.endLocked(), true
}

func (s *Session) endLocked() string {
	if s.phase == domain.PhaseOpen && s.state == domain.StateActive {
		s.notifyScoresLocked(s.exam.Questions[s.index].ID)
	}
	s.stopTicksLocked()
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
	s.state = domain.StateEnded
	s.paused = false

	for rank, p := range s.rankingLocked() {
		s.toParticipantLocked(p.ID, domain.Event{Name: domain.EventQuizEnded, Payload: domain.QuizEnded{
			Rank:       rank + 1,
			TotalScore: p.Score,
		}})
	}
	s.publish(domain.Event{Name: domain.EventQuizEnded, Payload: domain.Empty{}})

	code := s.code
	s.code = ""
	return code
}

// rankingLocked orders every participant who joined: score desc, earlier
// scorer first, then display name, then id. Positions are unique.
func (s *Session) rankingLocked() []*domain.Participant {
	out := make([]*domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastScoredAt.Equal(b.LastScoredAt) {
			return a.LastScoredAt.Before(b.LastScoredAt)
		}
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Session) join(c Caller) (domain.JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateEnded {
		return domain.JoinResult{}, domain.ErrSessionEnded
	}
	userID := c.Identity.UserID
	p, ok := s.participants[userID]
	if !ok {
		p = &domain.Participant{
			ID:          userID,
			DisplayName: c.Identity.DisplayName,
			JoinedAt:    s.clock.Now(),
		}
		s.participants[userID] = p
	}
	if c.Identity.DisplayName != "" {
		p.DisplayName = c.Identity.DisplayName
	}
	wasPresent := p.Present
	p.Present = true
	p.ConnectionID = c.ConnID
	if c.Sub != nil {
		s.subs[userID] = c.Sub
	}
	if !wasPresent {
		s.toAllLocked(domain.Event{Name: domain.EventParticipantJoined, Payload: domain.ParticipantJoined{
			ParticipantID: p.ID,
			Name:          p.DisplayName,
			Score:         p.Score,
		}})
	}
	return domain.JoinResult{
		SessionID:     s.id,
		ExamID:        s.examID,
		ParticipantID: userID,
		Snapshot:      s.snapshotLocked(userID, false),
	}, nil
}

func (s *Session) leave(c Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[c.Identity.UserID]
	if !ok {
		return domain.ErrNotJoined
	}
	if !p.Present {
		return nil
	}
	s.departLocked(p)
	return nil
}

func (s *Session) departLocked(p *domain.Participant) {
	p.Present = false
	p.ConnectionID = ""
	delete(s.subs, p.ID)
	if s.state == domain.StateEnded {
		return
	}
	s.toAllLocked(domain.Event{Name: domain.EventParticipantLeft, Payload: domain.ParticipantLeft{ParticipantID: p.ID}})
}

// departConnection takes the voter joined over connID off the roster. It
// reports whether connID still presents the session.
func (s *Session) departConnection(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.Present && p.ConnectionID == connID {
			s.departLocked(p)
			break
		}
	}
	return connID != "" && connID == s.presenterConn
}

func (s *Session) presentedBy(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return connID != "" && connID == s.presenterConn
}

// detach handles a closed connection: a presenter pauses the session, a voter
// leaves the roster with the score kept.
func (s *Session) detach(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connID != "" && connID == s.presenterConn {
		s.presenterConn = ""
		s.presenterSub = nil
		if s.state == domain.StateActive && !s.paused {
			s.pauseLocked("presenter disconnected")
		}
		return
	}
	for _, p := range s.participants {
		if p.Present && p.ConnectionID == connID {
			s.departLocked(p)
			return
		}
	}
}

func (s *Session) pauseLocked(reason string) {
	s.paused = true
	s.toVotersLocked(domain.Event{Name: domain.EventSessionPaused, Payload: domain.SessionPaused{Reason: reason}})
	if s.settings.PresenterTimeout > 0 && s.onTimeout != nil {
		s.pauseTimer = s.clock.AfterFunc(s.settings.PresenterTimeout, func() { s.onTimeout(s) })
	}
}

func (s *Session) submit(c Caller, questionID, answer string) (domain.AnswerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateEnded {
		return domain.AnswerEvent{}, domain.ErrSessionEnded
	}
	p, ok := s.participants[c.Identity.UserID]
	if !ok || !p.Present {
		return domain.AnswerEvent{}, domain.ErrNotJoined
	}
	q, ok := s.questionLocked(questionID)
	if !ok {
		return domain.AnswerEvent{}, domain.ErrQuestionNotFound.Withf("question %q", questionID)
	}
	if _, dup := s.answers[questionID][p.ID]; dup {
		return domain.AnswerEvent{}, domain.ErrAlreadySubmitted
	}
	if q.ID != s.exam.Questions[s.index].ID || s.phase != domain.PhaseOpen {
		return domain.AnswerEvent{}, domain.ErrQuestionClosed
	}
	now := s.clock.Now()
	if !s.deadline.IsZero() && now.After(s.deadline.Add(s.settings.LateGrace)) {
		return domain.AnswerEvent{}, domain.ErrQuestionClosed.Withf("time limit passed")
	}
	normalized := q.NormalizeAnswer(answer)
	if !q.ValidAnswer(normalized) {
		return domain.AnswerEvent{}, domain.ErrInvalidAnswer.Withf("answer %q", answer)
	}

	ev := domain.AnswerEvent{
		SessionID:       s.id,
		ParticipantID:   p.ID,
		QuestionID:      q.ID,
		SubmittedAnswer: normalized,
		SubmittedAt:     now,
		Correct:         q.IsCorrect(normalized),
	}
	if ev.Correct {
		ev.Awarded = q.Worth()
		p.Score += ev.Awarded
		p.LastScoredAt = now
	}
	if s.answers[q.ID] == nil {
		s.answers[q.ID] = make(map[string]domain.AnswerEvent)
	}
	s.answers[q.ID][p.ID] = ev
	s.answerOrder[q.ID] = append(s.answerOrder[q.ID], p.ID)
	telemetry.Answers.WithLabelValues(strconv.FormatBool(ev.Correct)).Inc()

	s.toPresenterLocked(domain.Event{Name: domain.EventAnswerReceived, Payload: domain.AnswerReceived{
		ParticipantID: p.ID,
		Answer:        normalized,
		QuestionID:    q.ID,
	}})
	return ev, nil
}

// snapshot returns the caller's view. A presenter call also resumes a paused
// session on the caller's connection.
func (s *Session) snapshot(c Caller) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Identity.UserID == s.presenterID {
		if s.state != domain.StateEnded {
			s.attachPresenterLocked(c)
		}
		return s.snapshotLocked("", true), nil
	}
	p, ok := s.participants[c.Identity.UserID]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotJoined
	}
	if p.Present && p.ConnectionID == c.ConnID && c.Sub != nil {
		s.subs[p.ID] = c.Sub
	}
	return s.snapshotLocked(p.ID, false), nil
}

func (s *Session) snapshotLocked(participantID string, presenter bool) domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:      s.id,
		ExamID:         s.examID,
		State:          s.state,
		Paused:         s.paused,
		Index:          s.index,
		TotalQuestions: len(s.exam.Questions),
		Roster:         s.rosterLocked(),
	}
	if presenter {
		snap.Code = s.code
	}
	if s.state != domain.StateActive {
		return snap
	}
	q := s.exam.Questions[s.index]
	started := s.questionStartedLocked(s.index)
	snap.Question = &started
	snap.Phase = s.phase
	if s.phase == domain.PhaseRevealed {
		snap.CorrectAnswer = q.CorrectAnswer
	}
	if !s.deadline.IsZero() {
		snap.Remaining = secondsUntil(s.clock.Now(), s.deadline)
	}
	if presenter {
		for _, pid := range s.answerOrder[q.ID] {
			ev := s.answers[q.ID][pid]
			snap.Answers = append(snap.Answers, domain.AnswerReceived{ParticipantID: pid, Answer: ev.SubmittedAnswer, QuestionID: q.ID})
		}
	}
	if p, ok := s.participants[participantID]; ok {
		self := &domain.SelfState{ParticipantID: p.ID, Score: p.Score}
		if ev, answered := s.answers[q.ID][p.ID]; answered {
			self.Answered = true
			self.Answer = ev.SubmittedAnswer
		}
		snap.Self = self
	}
	return snap
}

func (s *Session) rosterLocked() []domain.RosterEntry {
	out := make([]domain.RosterEntry, 0, len(s.participants))
	for _, p := range s.participants {
		if !p.Present {
			continue
		}
		out = append(out, domain.RosterEntry{ParticipantID: p.ID, Name: p.DisplayName, Score: p.Score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

func (s *Session) presenterCallLocked(c Caller) error {
	if c.Identity.UserID != s.presenterID {
		return domain.ErrNotPresenter
	}
	if s.state == domain.StateEnded {
		return domain.ErrSessionEnded
	}
	s.attachPresenterLocked(c)
	return nil
}

// attachPresenterLocked binds the presenter to c's connection and resumes a
// paused session.
func (s *Session) attachPresenterLocked(c Caller) {
	if c.ConnID != "" {
		s.presenterConn = c.ConnID
	}
	if c.Sub != nil {
		s.presenterSub = c.Sub
	}
	if !s.paused {
		return
	}
	s.paused = false
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
	s.toAllLocked(domain.Event{Name: domain.EventSessionResumed, Payload: domain.SessionResumed{}})
}

func (s *Session) openLocked(index int) {
	s.index = index
	s.phase = domain.PhaseOpen
	q := s.exam.Questions[index]
	s.deadline = time.Time{}
	if q.TimeLimit > 0 {
		s.deadline = s.clock.Now().Add(time.Duration(q.TimeLimit) * time.Second)
	}

	s.toAllLocked(domain.Event{Name: domain.EventQuestionStarted, Payload: s.questionStartedLocked(index)})

	for _, pid := range s.answerOrder[q.ID] {
		ev := s.answers[q.ID][pid]
		s.toPresenterLocked(domain.Event{Name: domain.EventAnswerReceived, Payload: domain.AnswerReceived{
			ParticipantID: pid,
			Answer:        ev.SubmittedAnswer,
			QuestionID:    q.ID,
		}})
	}

	if s.settings.ServerTicks && q.TimeLimit > 0 {
		s.startTicksLocked(q.ID, s.deadline)
	}
}

func (s *Session) questionStartedLocked(index int) domain.QuestionStarted {
	q := s.exam.Questions[index]
	ev := domain.QuestionStarted{
		ID:             q.ID,
		Content:        q.Content,
		Type:           q.Type,
		Options:        append([]string(nil), q.Options...),
		OrderIndex:     q.OrderIndex,
		TotalQuestions: len(s.exam.Questions),
		Index:          index,
	}
	if !s.settings.ServerTicks {
		ev.TimeLimit = q.TimeLimit
	}
	return ev
}

// closeQuestionLocked runs when navigation leaves the current question.
func (s *Session) closeQuestionLocked() {
	s.stopTicksLocked()
	if s.phase == domain.PhaseOpen {
		s.notifyScoresLocked(s.exam.Questions[s.index].ID)
	}
}

func (s *Session) notifyScoresLocked(questionID string) {
	for _, pid := range s.answerOrder[questionID] {
		p := s.participants[pid]
		if p == nil {
			continue
		}
		s.toParticipantLocked(pid, domain.Event{Name: domain.EventScoreUpdated, Payload: domain.ScoreUpdated{Score: p.Score}})
	}
}

func (s *Session) startTicksLocked(questionID string, deadline time.Time) {
	stop := make(chan struct{})
	s.tickStop = stop
	ticker := s.clock.NewTicker(time.Second)
	s.toAllLocked(domain.Event{Name: domain.EventTimerTick, Payload: domain.TimerTick{
		Remaining:  secondsUntil(s.clock.Now(), deadline),
		QuestionID: questionID,
	}})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				s.mu.Lock()
				if s.tickStop != stop {
					s.mu.Unlock()
					return
				}
				remaining := secondsUntil(s.clock.Now(), deadline)
				s.toAllLocked(domain.Event{Name: domain.EventTimerTick, Payload: domain.TimerTick{
					Remaining:  remaining,
					QuestionID: questionID,
				}})
				if remaining <= 0 {
					s.tickStop = nil
					s.mu.Unlock()
					return
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *Session) stopTicksLocked() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

func (s *Session) questionLocked(id string) (domain.Question, bool) {
	for _, q := range s.exam.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Question{}, false
}

func (s *Session) toAllLocked(ev domain.Event) {
	s.toPresenterLocked(ev)
	s.toVotersLocked(ev)
}

func (s *Session) toVotersLocked(ev domain.Event) {
	for pid := range s.subs {
		s.toParticipantLocked(pid, ev)
	}
	s.publish(ev)
}

func (s *Session) toPresenterLocked(ev domain.Event) {
	if s.presenterSub == nil {
		return
	}
	if !s.presenterSub.Deliver(ev) {
		log.Warn().Str("session_id", s.id).Str("event", ev.Name).Msg("presenter send buffer full, detaching")
		telemetry.Evictions.Inc()
		s.presenterSub = nil
		return
	}
	telemetry.Events.WithLabelValues(ev.Name).Inc()
}

func (s *Session) toParticipantLocked(pid string, ev domain.Event) {
	sub, ok := s.subs[pid]
	if !ok {
		return
	}
	if !sub.Deliver(ev) {
		log.Warn().Str("session_id", s.id).Str("participant_id", pid).Str("event", ev.Name).Msg("participant send buffer full, detaching")
		telemetry.Evictions.Inc()
		delete(s.subs, pid)
		return
	}
	telemetry.Events.WithLabelValues(ev.Name).Inc()
}

func (s *Session) publish(ev domain.Event) {
	if s.sink != nil {
		s.sink.Publish(s.id, ev)
	}
}

func secondsUntil(now, deadline time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
