package app

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/telemetry"
)

// SessionRepository abstracts where live sessions are kept (in-memory, Redis
// backed, etc). At most one session per exam is not ended.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(examID string) (*Session, bool)
	MarkEnded(ctx context.Context, s *Session)
}

// ExamRepository loads exam content (from cache/backing store).
type ExamRepository interface {
	GetExam(ctx context.Context, examID string) (domain.Exam, error)
}

// CodeRegistry maps join codes to running sessions. Retired codes keep
// resolving to ErrSessionEnded for a while and are not handed out again.
type CodeRegistry interface {
	Allocate(ctx context.Context, sessionID, examID string) (string, error)
	Resolve(ctx context.Context, code string) (domain.CodeEntry, error)
	Retire(ctx context.Context, code string) error
}

// AnswerLog is an append-only record of accepted answers.
type AnswerLog interface {
	Record(ctx context.Context, ev domain.AnswerEvent) error
}

// EventSink mirrors session-wide events outside the hub.
type EventSink interface {
	Publish(sessionID string, ev domain.Event)
}

// Option configures a QuizService.
type Option func(*QuizService)

func WithClock(clock clockwork.Clock) Option {
	return func(s *QuizService) { s.clock = clock }
}

func WithSettings(settings Settings) Option {
	return func(s *QuizService) { s.settings = settings }
}

func WithAnswerLog(l AnswerLog) Option {
	return func(s *QuizService) { s.answers = l }
}

func WithEventSink(sink EventSink) Option {
	return func(s *QuizService) { s.sink = sink }
}

// QuizService implements the hub side of every live quiz call.
type QuizService struct {
	sessions SessionRepository
	exams    ExamRepository
	codes    CodeRegistry
	answers  AnswerLog
	sink     EventSink
	clock    clockwork.Clock
	settings Settings

	mu       sync.Mutex
	bindings map[string]map[string]struct{} // connection id -> exam ids
}

func NewQuizService(sessions SessionRepository, exams ExamRepository, codes CodeRegistry, opts ...Option) *QuizService {
	s := &QuizService{
		sessions: sessions,
		exams:    exams,
		codes:    codes,
		clock:    clockwork.NewRealClock(),
		settings: DefaultSettings(),
		bindings: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartLiveQuiz creates a session for examID presented by the caller and opens
// the first question.
func (s *QuizService) StartLiveQuiz(ctx context.Context, c Caller, examID string) (domain.StartResult, error) {
	if existing, ok := s.sessions.Get(examID); ok && !existing.Ended() {
		return domain.StartResult{}, domain.ErrAlreadyActive
	}
	exam, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		var coded *domain.Error
		if errors.As(err, &coded) {
			return domain.StartResult{}, err
		}
		return domain.StartResult{}, domain.ErrInternal.Wrap(err)
	}
	exam = exam.Ordered()
	if len(exam.Questions) == 0 {
		return domain.StartResult{}, domain.ErrNoQuestions
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.StartResult{}, domain.ErrInternal.Wrap(err)
	}
	code, err := s.codes.Allocate(ctx, id.String(), examID)
	if err != nil {
		return domain.StartResult{}, domain.AsError(err)
	}

	session := newSession(sessionParams{
		id:        id.String(),
		code:      code,
		exam:      exam,
		presenter: c,
		clock:     s.clock,
		settings:  s.settings,
		sink:      s.sink,
		onTimeout: s.presenterTimedOut,
	})
	if err := s.sessions.Create(ctx, session); err != nil {
		if rerr := s.codes.Retire(ctx, code); rerr != nil {
			log.Warn().Err(rerr).Str("code", code).Msg("retire code after failed start")
		}
		return domain.StartResult{}, domain.AsError(err)
	}
	s.bind(c.ConnID, examID)
	telemetry.ActiveSessions.Inc()
	session.begin()

	log.Info().
		Str("session_id", session.ID()).
		Str("exam_id", examID).
		Str("code", code).
		Str("presenter", c.Identity.UserID).
		Msg("live quiz started")

	return domain.StartResult{SessionID: session.ID(), Code: code, TotalQuestions: len(exam.Questions)}, nil
}

// EndLiveQuiz ends the caller's session. Ending twice is a no-op.
func (s *QuizService) EndLiveQuiz(ctx context.Context, c Caller, examID string) error {
	session, err := s.session(examID)
	if err != nil {
		return err
	}
	code, ended, err := session.End(c)
	if err != nil {
		return err
	}
	if ended {
		s.finish(ctx, session, code)
	}
	return nil
}

func (s *QuizService) NextQuestion(_ context.Context, c Caller, examID string) (domain.IndexResult, error) {
	return s.navigate(c, examID, 1)
}

func (s *QuizService) PreviousQuestion(_ context.Context, c Caller, examID string) (domain.IndexResult, error) {
	return s.navigate(c, examID, -1)
}

func (s *QuizService) navigate(c Caller, examID string, delta int) (domain.IndexResult, error) {
	session, err := s.session(examID)
	if err != nil {
		return domain.IndexResult{}, err
	}
	index, err := session.navigate(c, delta)
	if err != nil {
		return domain.IndexResult{}, err
	}
	s.bind(c.ConnID, examID)
	return domain.IndexResult{Index: index}, nil
}

func (s *QuizService) RevealAnswer(_ context.Context, c Caller, examID string) (domain.RevealResult, error) {
	session, err := s.session(examID)
	if err != nil {
		return domain.RevealResult{}, err
	}
	return session.reveal(c)
}

// JoinQuiz resolves code and adds the caller to the session's roster. A caller
// that already joined is restored with its score and answers. A connection
// votes in one session at a time: joining another one leaves the previous.
func (s *QuizService) JoinQuiz(ctx context.Context, c Caller, code string) (domain.JoinResult, error) {
	code = domain.NormalizeCode(code)
	if !domain.ValidCodeFormat(code) {
		return domain.JoinResult{}, domain.ErrInvalidCode
	}
	entry, err := s.codes.Resolve(ctx, code)
	if err != nil {
		return domain.JoinResult{}, domain.AsError(err)
	}
	session, ok := s.sessions.Get(entry.ExamID)
	if !ok || session.ID() != entry.SessionID {
		// the code is registered but its session is not hosted here or has been replaced
		return domain.JoinResult{}, domain.ErrSessionEnded
	}
	res, err := session.join(c)
	if err != nil {
		return domain.JoinResult{}, err
	}
	for _, other := range s.bound(c.ConnID) {
		if other == entry.ExamID {
			continue
		}
		prev, found := s.sessions.Get(other)
		if found && prev.departConnection(c.ConnID) {
			continue
		}
		s.unbind(c.ConnID, other)
	}
	s.bind(c.ConnID, entry.ExamID)
	return res, nil
}

func (s *QuizService) SubmitAnswer(ctx context.Context, c Caller, examID, questionID, answer string) (domain.SubmitResult, error) {
	session, err := s.session(examID)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	ev, err := session.submit(c, questionID, answer)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	if s.answers != nil {
		if err := s.answers.Record(ctx, ev); err != nil {
			log.Error().Err(err).Str("session_id", ev.SessionID).Str("participant_id", ev.ParticipantID).Msg("record answer")
		}
	}
	return domain.SubmitResult{QuestionID: questionID, Accepted: true}, nil
}

// LeaveQuiz removes the caller from the roster; the score is kept for a rejoin.
func (s *QuizService) LeaveQuiz(_ context.Context, c Caller, examID string) error {
	session, ok := s.sessions.Get(examID)
	if !ok {
		return domain.ErrQuizNotFound
	}
	if err := session.leave(c); err != nil {
		return err
	}
	if !session.presentedBy(c.ConnID) {
		s.unbind(c.ConnID, examID)
	}
	return nil
}

// RequestSnapshot returns the caller's view of the session. For the presenter
// it also resumes a paused session.
func (s *QuizService) RequestSnapshot(_ context.Context, c Caller, examID string) (domain.Snapshot, error) {
	session, ok := s.sessions.Get(examID)
	if !ok {
		return domain.Snapshot{}, domain.ErrQuizNotFound
	}
	snap, err := session.snapshot(c)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if !session.Ended() {
		s.bind(c.ConnID, examID)
	}
	return snap, nil
}

// Disconnect is called by the transport once a connection is gone.
func (s *QuizService) Disconnect(c Caller) {
	for _, examID := range s.unbindAll(c.ConnID) {
		if session, found := s.sessions.Get(examID); found {
			session.detach(c.ConnID)
		}
	}
}

func (s *QuizService) session(examID string) (*Session, error) {
	session, ok := s.sessions.Get(examID)
	if !ok {
		return nil, domain.ErrQuizNotFound.Withf("no live session for exam %q", examID)
	}
	return session, nil
}

func (s *QuizService) presenterTimedOut(session *Session) {
	code, ended := session.expirePresenter()
	if ended {
		s.finish(context.Background(), session, code)
	}
}

func (s *QuizService) finish(ctx context.Context, session *Session, code string) {
	if code != "" {
		if err := s.codes.Retire(ctx, code); err != nil {
			log.Error().Err(err).Str("code", code).Msg("retire join code")
		}
	}
	s.sessions.MarkEnded(ctx, session)
	telemetry.ActiveSessions.Dec()
	log.Info().Str("session_id", session.ID()).Str("exam_id", session.ExamID()).Msg("live quiz ended")
}

func (s *QuizService) bind(connID, examID string) {
	if connID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exams, ok := s.bindings[connID]
	if !ok {
		exams = make(map[string]struct{})
		s.bindings[connID] = exams
	}
	exams[examID] = struct{}{}
}

func (s *QuizService) unbind(connID, examID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exams := s.bindings[connID]
	delete(exams, examID)
	if len(exams) == 0 {
		delete(s.bindings, connID)
	}
}

func (s *QuizService) unbindAll(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	exams := make([]string, 0, len(s.bindings[connID]))
	for examID := range s.bindings[connID] {
		exams = append(exams, examID)
	}
	delete(s.bindings, connID)
	return exams
}

func (s *QuizService) bound(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	exams := make([]string, 0, len(s.bindings[connID]))
	for examID := range s.bindings[connID] {
		exams = append(exams, examID)
	}
	return exams
}
