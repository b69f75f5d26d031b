package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Deliver(ev domain.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i].Payload, true
		}
	}
	return nil, false
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type sink struct {
	recorder
}

func (s *sink) Publish(_ string, ev domain.Event) { s.Deliver(ev) }

func newCaller(id, name string) (app.Caller, *recorder) {
	rec := &recorder{}
	return app.Caller{ConnID: "conn-" + id, Identity: domain.Identity{UserID: id, DisplayName: name}, Sub: rec}, rec
}

func reconnect(c app.Caller) (app.Caller, *recorder) {
	rec := &recorder{}
	c.ConnID += "-2"
	c.Sub = rec
	return c, rec
}

func testExams() map[string]domain.Exam {
	return map[string]domain.Exam{
		"exam-1": {
			ID: "exam-1",
			Questions: []domain.Question{
				{ID: "q3", Content: "Capital of France?", Type: domain.QuestionShortAnswer, CorrectAnswer: "Paris", OrderIndex: 2},
				{ID: "q1", Content: "2 + 2?", Type: domain.QuestionMultipleChoice, Options: []string{"3", "4", "5"}, CorrectAnswer: "B", Points: 10, OrderIndex: 0},
				{ID: "q2", Content: "Zero is even.", Type: domain.QuestionTrueFalse, Options: []string{"True", "False"}, CorrectAnswer: "A", Points: 5, OrderIndex: 1},
			},
		},
		"timed": {
			ID: "timed",
			Questions: []domain.Question{
				{ID: "t1", Content: "Quick!", Type: domain.QuestionTrueFalse, Options: []string{"True", "False"}, CorrectAnswer: "A", Points: 1, TimeLimit: 10},
			},
		},
		"empty": {ID: "empty"},
	}
}

type fixture struct {
	service *app.QuizService
	clock   *clockwork.FakeClock
	codes   *memory.CodeRegistry
	answers *memory.AnswerLog
	sink    *sink
}

func newFixture(t *testing.T, settings app.Settings) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clockwork.NewFakeClock(),
		codes:   memory.NewCodeRegistry(time.Hour),
		answers: memory.NewAnswerLog(),
		sink:    &sink{},
	}
	f.service = app.NewQuizService(
		memory.NewSessionStore(),
		memory.NewExamRepository(memory.NewStaticExamLoader(testExams()), time.Minute),
		f.codes,
		app.WithClock(f.clock),
		app.WithSettings(settings),
		app.WithAnswerLog(f.answers),
		app.WithEventSink(f.sink),
	)
	return f
}

func (f *fixture) start(t *testing.T, c app.Caller, examID string) domain.StartResult {
	t.Helper()
	res, err := f.service.StartLiveQuiz(context.Background(), c, examID)
	require.NoError(t, err)
	return res
}

func (f *fixture) join(t *testing.T, c app.Caller, code string) domain.JoinResult {
	t.Helper()
	res, err := f.service.JoinQuiz(context.Background(), c, code)
	require.NoError(t, err)
	return res
}

func TestStartLiveQuiz(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, events := newCaller("teacher", "Teacher")

	res := f.start(t, presenter, "exam-1")
	require.True(t, domain.ValidCodeFormat(res.Code))
	require.Equal(t, 3, res.TotalQuestions)
	require.NotEmpty(t, res.SessionID)

	payload, ok := events.last(domain.EventQuestionStarted)
	require.True(t, ok)
	started := payload.(domain.QuestionStarted)
	require.Equal(t, "q1", started.ID)
	require.Equal(t, 0, started.Index)
	require.Equal(t, 3, started.TotalQuestions)

	_, err := f.service.StartLiveQuiz(ctx, presenter, "exam-1")
	require.ErrorIs(t, err, domain.ErrAlreadyActive)

	_, err = f.service.StartLiveQuiz(ctx, presenter, "missing")
	require.ErrorIs(t, err, domain.ErrQuizNotFound)

	_, err = f.service.StartLiveQuiz(ctx, presenter, "empty")
	require.ErrorIs(t, err, domain.ErrNoQuestions)
}

func TestNavigationBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	f.start(t, presenter, "exam-1")

	_, err := f.service.PreviousQuestion(ctx, presenter, "exam-1")
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	for want := 1; want <= 2; want++ {
		res, err := f.service.NextQuestion(ctx, presenter, "exam-1")
		require.NoError(t, err)
		require.Equal(t, want, res.Index)
	}

	_, err = f.service.NextQuestion(ctx, presenter, "exam-1")
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	snap, err := f.service.RequestSnapshot(ctx, presenter, "exam-1")
	require.NoError(t, err)
	require.Equal(t, 2, snap.Index)
	require.Equal(t, domain.StateActive, snap.State)

	res, err := f.service.PreviousQuestion(ctx, presenter, "exam-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Index)
}

func TestOnlyPresenterControlsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")

	alice, _ := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	_, err := f.service.NextQuestion(ctx, alice, "exam-1")
	require.ErrorIs(t, err, domain.ErrNotPresenter)
	_, err = f.service.RevealAnswer(ctx, alice, "exam-1")
	require.ErrorIs(t, err, domain.ErrNotPresenter)
	require.ErrorIs(t, f.service.EndLiveQuiz(ctx, alice, "exam-1"), domain.ErrNotPresenter)
}

func TestSubmitRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, presenterEvents := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")

	alice, _ := newCaller("alice", "Alice")
	bob, _ := newCaller("bob", "Bob")
	f.join(t, alice, start.Code)

	_, err := f.service.SubmitAnswer(ctx, bob, "exam-1", "q1", "B")
	require.ErrorIs(t, err, domain.ErrNotJoined)
	f.join(t, bob, start.Code)

	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "nope", "B")
	require.ErrorIs(t, err, domain.ErrQuestionNotFound)

	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "q2", "A")
	require.ErrorIs(t, err, domain.ErrQuestionClosed)

	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "Z")
	require.ErrorIs(t, err, domain.ErrInvalidAnswer)

	res, err := f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", " b ")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	payload, ok := presenterEvents.last(domain.EventAnswerReceived)
	require.True(t, ok)
	require.Equal(t, domain.AnswerReceived{ParticipantID: "alice", Answer: "B", QuestionID: "q1"}, payload)

	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "A")
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)

	_, err = f.service.RevealAnswer(ctx, presenter, "exam-1")
	require.NoError(t, err)

	// a duplicate is reported as such even after the question closed
	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "A")
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)
	_, err = f.service.SubmitAnswer(ctx, bob, "exam-1", "q1", "B")
	require.ErrorIs(t, err, domain.ErrQuestionClosed)

	logged := f.answers.Entries(start.SessionID)
	require.Len(t, logged, 1)
	require.True(t, logged[0].Correct)
	require.Equal(t, 10, logged[0].Awarded)
}

func TestRevealIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, aliceEvents := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	_, err := f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "B")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := f.service.RevealAnswer(ctx, presenter, "exam-1")
		require.NoError(t, err)
		require.Equal(t, domain.RevealResult{QuestionID: "q1", CorrectAnswer: "B"}, res)
	}
	require.Equal(t, 1, aliceEvents.count(domain.EventQuestionEnded))
	require.Equal(t, 1, aliceEvents.count(domain.EventScoreUpdated))

	payload, _ := aliceEvents.last(domain.EventScoreUpdated)
	require.Equal(t, domain.ScoreUpdated{Score: 10}, payload)
}

func TestNavigatingAwayFromOpenQuestionUpdatesScores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, aliceEvents := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	_, err := f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "B")
	require.NoError(t, err)
	_, err = f.service.NextQuestion(ctx, presenter, "exam-1")
	require.NoError(t, err)

	require.Equal(t, 0, aliceEvents.count(domain.EventQuestionEnded))
	payload, ok := aliceEvents.last(domain.EventScoreUpdated)
	require.True(t, ok)
	require.Equal(t, domain.ScoreUpdated{Score: 10}, payload)
}

func TestRevisitReplaysAnswersToPresenter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, presenterEvents := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, _ := newCaller("alice", "Alice")
	bob, _ := newCaller("bob", "Bob")
	f.join(t, alice, start.Code)
	f.join(t, bob, start.Code)

	_, err := f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "B")
	require.NoError(t, err)
	_, err = f.service.SubmitAnswer(ctx, bob, "exam-1", "q1", "C")
	require.NoError(t, err)

	_, err = f.service.NextQuestion(ctx, presenter, "exam-1")
	require.NoError(t, err)
	presenterEvents.reset()
	_, err = f.service.PreviousQuestion(ctx, presenter, "exam-1")
	require.NoError(t, err)

	require.Equal(t, []string{
		domain.EventQuestionStarted,
		domain.EventAnswerReceived,
		domain.EventAnswerReceived,
	}, presenterEvents.names())

	snap, err := f.service.RequestSnapshot(ctx, presenter, "exam-1")
	require.NoError(t, err)
	require.Equal(t, []domain.AnswerReceived{
		{ParticipantID: "alice", Answer: "B", QuestionID: "q1"},
		{ParticipantID: "bob", Answer: "C", QuestionID: "q1"},
	}, snap.Answers)
	require.Equal(t, start.Code, snap.Code)
}

func TestQuizEndedRanksAreUnique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")

	alice, aliceEvents := newCaller("alice", "Alice")
	bob, bobEvents := newCaller("bob", "Bob")
	carol, carolEvents := newCaller("carol", "Carol")
	dave, daveEvents := newCaller("dave", "Dave")
	for _, c := range []app.Caller{alice, bob, carol, dave} {
		f.join(t, c, start.Code)
	}

	// carol scores first, alice later with the same total
	_, err := f.service.SubmitAnswer(ctx, carol, "exam-1", "q1", "B")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "b")
	require.NoError(t, err)
	_, err = f.service.SubmitAnswer(ctx, bob, "exam-1", "q1", "A")
	require.NoError(t, err)

	require.NoError(t, f.service.EndLiveQuiz(ctx, presenter, "exam-1"))

	rank := func(r *recorder) domain.QuizEnded {
		payload, ok := r.last(domain.EventQuizEnded)
		require.True(t, ok)
		return payload.(domain.QuizEnded)
	}
	require.Equal(t, domain.QuizEnded{Rank: 1, TotalScore: 10}, rank(carolEvents))
	require.Equal(t, domain.QuizEnded{Rank: 2, TotalScore: 10}, rank(aliceEvents))
	// bob and dave tie on zero and are ordered by name
	require.Equal(t, domain.QuizEnded{Rank: 3, TotalScore: 0}, rank(bobEvents))
	require.Equal(t, domain.QuizEnded{Rank: 4, TotalScore: 0}, rank(daveEvents))

	// the open question was closed by the end, so answerers got their score
	require.Equal(t, 1, aliceEvents.count(domain.EventScoreUpdated))
}

func TestEndLiveQuiz(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, aliceEvents := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	require.NoError(t, f.service.EndLiveQuiz(ctx, presenter, "exam-1"))
	require.NoError(t, f.service.EndLiveQuiz(ctx, presenter, "exam-1"))
	require.Equal(t, 1, aliceEvents.count(domain.EventQuizEnded))

	_, err := f.service.NextQuestion(ctx, presenter, "exam-1")
	require.ErrorIs(t, err, domain.ErrSessionEnded)
	_, err = f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "B")
	require.ErrorIs(t, err, domain.ErrSessionEnded)

	late, _ := newCaller("late", "Late")
	_, err = f.service.JoinQuiz(ctx, late, start.Code)
	require.ErrorIs(t, err, domain.ErrSessionEnded)

	_, err = f.service.JoinQuiz(ctx, late, "ZZZZZZ")
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	// the exam can be run again with a fresh code
	again := f.start(t, presenter, "exam-1")
	require.NotEqual(t, start.Code, again.Code)
	require.NotEqual(t, start.SessionID, again.SessionID)

	require.Equal(t, 1, f.sink.count(domain.EventQuizEnded))
}

func TestRejoinRestoresParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, presenterEvents := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, _ := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	_, err := f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "B")
	require.NoError(t, err)

	// connection drop
	f.service.Disconnect(alice)
	require.Equal(t, 1, presenterEvents.count(domain.EventParticipantLeft))

	alice2, _ := reconnect(alice)
	res := f.join(t, alice2, start.Code)
	require.Equal(t, "alice", res.ParticipantID)
	require.NotNil(t, res.Snapshot.Self)
	require.Equal(t, 10, res.Snapshot.Self.Score)
	require.True(t, res.Snapshot.Self.Answered)
	require.Equal(t, "B", res.Snapshot.Self.Answer)
	require.Equal(t, 2, presenterEvents.count(domain.EventParticipantJoined))

	// a second join on a live connection does not announce again
	f.join(t, alice2, start.Code)
	require.Equal(t, 2, presenterEvents.count(domain.EventParticipantJoined))

	require.NoError(t, f.service.LeaveQuiz(ctx, alice2, "exam-1"))
	snap, err := f.service.RequestSnapshot(ctx, presenter, "exam-1")
	require.NoError(t, err)
	require.Empty(t, snap.Roster)

	res = f.join(t, alice2, start.Code)
	require.Equal(t, 10, res.Snapshot.Self.Score)
}

func TestJoiningAnotherSessionLeavesThePrevious(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	first, firstEvents := newCaller("teacher", "Teacher")
	second, secondEvents := newCaller("coach", "Coach")
	a := f.start(t, first, "exam-1")
	b := f.start(t, second, "timed")

	vera, _ := newCaller("vera", "Vera")
	f.join(t, vera, a.Code)

	// an unknown code leaves the current session alone
	_, err := f.service.JoinQuiz(ctx, vera, "ZZZZZZ")
	require.ErrorIs(t, err, domain.ErrInvalidCode)
	snap, err := f.service.RequestSnapshot(ctx, first, "exam-1")
	require.NoError(t, err)
	require.Len(t, snap.Roster, 1)

	f.join(t, vera, b.Code)
	require.Equal(t, 1, firstEvents.count(domain.EventParticipantLeft))
	snap, err = f.service.RequestSnapshot(ctx, first, "exam-1")
	require.NoError(t, err)
	require.Empty(t, snap.Roster)

	f.service.Disconnect(vera)
	require.Equal(t, 1, secondEvents.count(domain.EventParticipantLeft))
	snap, err = f.service.RequestSnapshot(ctx, second, "timed")
	require.NoError(t, err)
	require.Empty(t, snap.Roster)
}

func TestDisconnectDetachesEverySessionOfTheConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	host, _ := newCaller("teacher", "Teacher")
	other, otherEvents := newCaller("coach", "Coach")
	a := f.start(t, host, "exam-1")
	b := f.start(t, other, "timed")

	bob, bobEvents := newCaller("bob", "Bob")
	f.join(t, bob, a.Code)

	// the presenting connection also votes elsewhere
	f.join(t, host, b.Code)
	snap, err := f.service.RequestSnapshot(ctx, other, "timed")
	require.NoError(t, err)
	require.Len(t, snap.Roster, 1)

	f.service.Disconnect(host)
	require.Equal(t, 1, bobEvents.count(domain.EventSessionPaused))
	require.Equal(t, 1, otherEvents.count(domain.EventParticipantLeft))
	snap, err = f.service.RequestSnapshot(ctx, other, "timed")
	require.NoError(t, err)
	require.Empty(t, snap.Roster)
}

func TestLateAnswersRejected(t *testing.T) {
	ctx := context.Background()
	settings := app.DefaultSettings()
	settings.LateGrace = time.Second
	f := newFixture(t, settings)
	presenter, presenterEvents := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "timed")

	payload, _ := presenterEvents.last(domain.EventQuestionStarted)
	require.Equal(t, 10, payload.(domain.QuestionStarted).TimeLimit)

	alice, _ := newCaller("alice", "Alice")
	bob, _ := newCaller("bob", "Bob")
	f.join(t, alice, start.Code)
	f.join(t, bob, start.Code)

	f.clock.Advance(10*time.Second + 500*time.Millisecond)
	_, err := f.service.SubmitAnswer(ctx, alice, "timed", "t1", "A")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.service.SubmitAnswer(ctx, bob, "timed", "t1", "A")
	require.ErrorIs(t, err, domain.ErrQuestionClosed)
}

func TestServerTicks(t *testing.T) {
	settings := app.DefaultSettings()
	settings.ServerTicks = true
	f := newFixture(t, settings)
	presenter, presenterEvents := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "timed")
	alice, aliceEvents := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	payload, _ := presenterEvents.last(domain.EventQuestionStarted)
	require.Zero(t, payload.(domain.QuestionStarted).TimeLimit)
	payload, _ = presenterEvents.last(domain.EventTimerTick)
	require.Equal(t, domain.TimerTick{Remaining: 10, QuestionID: "t1"}, payload)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	for want := 9; want >= 0; want-- {
		f.clock.Advance(time.Second)
		require.Eventually(t, func() bool {
			p, ok := aliceEvents.last(domain.EventTimerTick)
			return ok && p.(domain.TimerTick).Remaining == want
		}, 2*time.Second, 5*time.Millisecond)
	}

	// the ticker stops at zero
	f.clock.Advance(time.Second)
	require.Never(t, func() bool {
		return aliceEvents.count(domain.EventTimerTick) > 10
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPresenterDisconnectPausesAndTimesOut(t *testing.T) {
	ctx := context.Background()
	settings := app.DefaultSettings()
	settings.PresenterTimeout = time.Minute
	f := newFixture(t, settings)
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, aliceEvents := newCaller("alice", "Alice")
	f.join(t, alice, start.Code)

	f.service.Disconnect(presenter)
	payload, ok := aliceEvents.last(domain.EventSessionPaused)
	require.True(t, ok)
	require.NotEmpty(t, payload.(domain.SessionPaused).Reason)

	// answers are still accepted while paused
	_, err := f.service.SubmitAnswer(ctx, alice, "exam-1", "q1", "B")
	require.NoError(t, err)

	presenter2, presenterEvents2 := reconnect(presenter)
	snap, err := f.service.RequestSnapshot(ctx, presenter2, "exam-1")
	require.NoError(t, err)
	require.False(t, snap.Paused)
	require.Equal(t, 1, aliceEvents.count(domain.EventSessionResumed))
	require.Equal(t, 1, presenterEvents2.count(domain.EventSessionResumed))

	f.service.Disconnect(presenter2)
	require.Equal(t, 2, aliceEvents.count(domain.EventSessionPaused))

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return aliceEvents.count(domain.EventQuizEnded) == 1
	}, 2*time.Second, 5*time.Millisecond)

	payload, _ = aliceEvents.last(domain.EventQuizEnded)
	require.Equal(t, domain.QuizEnded{Rank: 1, TotalScore: 10}, payload)

	late, _ := newCaller("late", "Late")
	require.Eventually(t, func() bool {
		_, err := f.service.JoinQuiz(ctx, late, start.Code)
		return err != nil && domain.AsError(err).Code == domain.CodeSessionEnded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVoterSnapshotHidesPresenterData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.DefaultSettings())
	presenter, _ := newCaller("teacher", "Teacher")
	start := f.start(t, presenter, "exam-1")
	alice, _ := newCaller("alice", "Alice")
	bob, _ := newCaller("bob", "Bob")
	f.join(t, alice, start.Code)
	f.join(t, bob, start.Code)
	_, err := f.service.SubmitAnswer(ctx, bob, "exam-1", "q1", "A")
	require.NoError(t, err)

	snap, err := f.service.RequestSnapshot(ctx, alice, "exam-1")
	require.NoError(t, err)
	require.Empty(t, snap.Code)
	require.Empty(t, snap.Answers)
	require.Empty(t, snap.CorrectAnswer)
	require.NotNil(t, snap.Self)
	require.False(t, snap.Self.Answered)
	require.Len(t, snap.Roster, 2)

	outsider, _ := newCaller("eve", "Eve")
	_, err = f.service.RequestSnapshot(ctx, outsider, "exam-1")
	require.ErrorIs(t, err, domain.ErrNotJoined)
}
