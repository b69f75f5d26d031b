package presenter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/hubclient"
	"live-quiz-service/internal/hubclient/hubtest"
)

func question(id string, index, total int) domain.QuestionStarted {
	return domain.QuestionStarted{
		ID:             id,
		Content:        "question " + id,
		Type:           domain.QuestionMultipleChoice,
		Options:        []string{"one", "two", "three"},
		OrderIndex:     index,
		TotalQuestions: total,
		Index:          index,
	}
}

// scriptedHub answers calls the way the hub orders them: QuestionStarted is
// emitted before the call result.
func scriptedHub(t *testing.T, total int) *hubtest.Hub {
	t.Helper()
	hub := hubtest.New()
	index := 0
	hub.Handle(domain.CallStartLiveQuiz, func(args []any) (any, error) {
		index = 0
		hub.Emit(domain.EventQuestionStarted, question("q1", 0, total))
		return domain.StartResult{SessionID: "s1", Code: "ABC123", TotalQuestions: total}, nil
	})
	move := func(delta int) hubtest.Responder {
		return func(args []any) (any, error) {
			next := index + delta
			if next < 0 || next >= total {
				return nil, domain.ErrOutOfRange
			}
			index = next
			hub.Emit(domain.EventQuestionStarted, question("q"+string(rune('1'+index)), index, total))
			return domain.IndexResult{Index: index}, nil
		}
	}
	hub.Handle(domain.CallNextQuestion, move(1))
	hub.Handle(domain.CallPreviousQuestion, move(-1))
	hub.Handle(domain.CallRevealAnswer, func(args []any) (any, error) {
		qid := "q" + string(rune('1'+index))
		hub.Emit(domain.EventQuestionEnded, domain.QuestionEnded{CorrectAnswer: "B", QuestionID: qid})
		return domain.RevealResult{QuestionID: qid, CorrectAnswer: "B"}, nil
	})
	return hub
}

func startedController(t *testing.T, hub *hubtest.Hub, opts ...Option) *Controller {
	t.Helper()
	c := New(hub, opts...)
	t.Cleanup(c.Close)
	code, err := c.StartQuiz(context.Background(), "exam-1")
	require.NoError(t, err)
	require.Equal(t, "ABC123", code)
	return c
}

func TestStartQuiz(t *testing.T) {
	hub := scriptedHub(t, 3)
	var views []View
	c := startedController(t, hub, WithOnChange(func(v View) { views = append(views, v) }))

	v := c.View()
	require.Equal(t, domain.StateActive, v.State)
	require.Equal(t, "s1", v.SessionID)
	require.Equal(t, "exam-1", v.ExamID)
	require.Equal(t, 3, v.TotalQuestions)
	require.NotNil(t, v.Question)
	require.Equal(t, "q1", v.Question.ID)
	require.Equal(t, map[string]int{"A": 0, "B": 0, "C": 0}, v.Counts)
	require.NotEmpty(t, views)

	for _, ev := range []string{
		domain.EventParticipantJoined,
		domain.EventParticipantLeft,
		domain.EventAnswerReceived,
		domain.EventQuestionStarted,
		domain.EventQuestionEnded,
	} {
		require.Equal(t, 1, hub.Handlers(ev), ev)
	}

	_, err := c.StartQuiz(context.Background(), "exam-1")
	require.ErrorIs(t, err, domain.ErrAlreadyActive)
	require.Equal(t, []string{domain.CallStartLiveQuiz}, hub.Methods())
}

func TestStartQuizFailureRemovesHandlers(t *testing.T) {
	hub := hubtest.New()
	hub.Handle(domain.CallStartLiveQuiz, func([]any) (any, error) { return nil, domain.ErrNoQuestions })
	c := New(hub)
	defer c.Close()

	_, err := c.StartQuiz(context.Background(), "exam-1")
	require.ErrorIs(t, err, domain.ErrNoQuestions)
	require.Zero(t, hub.Handlers(domain.EventQuestionStarted))
	require.Equal(t, domain.StateNotStarted, c.View().State)
}

func TestStartQuizNotConnected(t *testing.T) {
	hub := hubtest.New()
	hub.SetState(hubclient.Disconnected)
	c := New(hub)
	defer c.Close()

	_, err := c.StartQuiz(context.Background(), "exam-1")
	require.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestNavigationBoundsAreLocal(t *testing.T) {
	hub := scriptedHub(t, 2)
	c := startedController(t, hub)

	_, err := c.PreviousQuestion(context.Background())
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	idx, err := c.NextQuestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, "q2", c.View().Question.ID)

	_, err = c.NextQuestion(context.Background())
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	require.Equal(t, []string{domain.CallStartLiveQuiz, domain.CallNextQuestion}, hub.Methods())
}

func TestTallyFollowsQuestion(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := startedController(t, hub)

	hub.Emit(domain.EventAnswerReceived, domain.AnswerReceived{ParticipantID: "a", Answer: "A", QuestionID: "q1"})
	hub.Emit(domain.EventAnswerReceived, domain.AnswerReceived{ParticipantID: "b", Answer: "B", QuestionID: "q1"})
	hub.Emit(domain.EventAnswerReceived, domain.AnswerReceived{ParticipantID: "a", Answer: "C", QuestionID: "q1"})
	hub.Emit(domain.EventAnswerReceived, domain.AnswerReceived{ParticipantID: "c", Answer: "A", QuestionID: "q9"})

	v := c.View()
	require.Equal(t, 2, v.TotalResponses)
	require.Equal(t, map[string]int{"A": 1, "B": 1, "C": 0}, v.Counts)
	require.InDelta(t, 0.5, v.Percentages["A"], 1e-9)
	require.Zero(t, v.Percentages["C"])

	_, err := c.RevealAnswer(context.Background())
	require.NoError(t, err)
	require.True(t, c.View().Revealed)

	_, err = c.NextQuestion(context.Background())
	require.NoError(t, err)
	v = c.View()
	require.Zero(t, v.TotalResponses)
	require.False(t, v.Revealed)
	require.Empty(t, v.CorrectAnswer)
}

func TestRevealAnswerIsIdempotent(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := startedController(t, hub)

	for i := 0; i < 2; i++ {
		correct, err := c.RevealAnswer(context.Background())
		require.NoError(t, err)
		require.Equal(t, "B", correct)
	}
	require.Equal(t, []string{domain.CallStartLiveQuiz, domain.CallRevealAnswer}, hub.Methods())
	v := c.View()
	require.True(t, v.Revealed)
	require.Equal(t, "B", v.CorrectAnswer)
}

func TestRosterTracksJoinsAndLeaves(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := startedController(t, hub)

	hub.Emit(domain.EventParticipantJoined, domain.ParticipantJoined{ParticipantID: "b", Name: "Bob"})
	hub.Emit(domain.EventParticipantJoined, domain.ParticipantJoined{ParticipantID: "a", Name: "Alice", Score: 5})
	require.Equal(t, []domain.RosterEntry{
		{ParticipantID: "a", Name: "Alice", Score: 5},
		{ParticipantID: "b", Name: "Bob"},
	}, c.View().Roster)

	hub.Emit(domain.EventParticipantLeft, domain.ParticipantLeft{ParticipantID: "b"})
	require.Len(t, c.View().Roster, 1)
}

func TestEndQuiz(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := startedController(t, hub)

	require.NoError(t, c.EndQuiz(context.Background()))
	require.NoError(t, c.EndQuiz(context.Background()))
	require.Equal(t, []string{domain.CallStartLiveQuiz, domain.CallEndLiveQuiz}, hub.Methods())
	require.Equal(t, domain.StateEnded, c.View().State)
	require.Zero(t, hub.Handlers(domain.EventAnswerReceived))

	_, err := c.NextQuestion(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionEnded)

	// a new session can be started after the previous one ended
	_, err = c.StartQuiz(context.Background(), "exam-1")
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, c.View().State)
}

func TestEndQuizAfterHubEndedSession(t *testing.T) {
	hub := scriptedHub(t, 3)
	hub.Handle(domain.CallEndLiveQuiz, func([]any) (any, error) { return nil, domain.ErrSessionEnded })
	c := startedController(t, hub)

	require.NoError(t, c.EndQuiz(context.Background()))
	require.Equal(t, domain.StateEnded, c.View().State)
}

func TestReconnectResyncsFromSnapshot(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := startedController(t, hub)
	hub.Emit(domain.EventParticipantJoined, domain.ParticipantJoined{ParticipantID: "a", Name: "Alice"})
	hub.Emit(domain.EventAnswerReceived, domain.AnswerReceived{ParticipantID: "a", Answer: "A", QuestionID: "q1"})

	hub.SetState(hubclient.Reconnecting)
	v := c.View()
	require.Equal(t, hubclient.Reconnecting, v.Connection)
	require.Equal(t, domain.StateActive, v.State)
	require.Equal(t, 1, v.TotalResponses)

	q2 := question("q2", 1, 3)
	hub.Handle(domain.CallRequestSnapshot, func([]any) (any, error) {
		return domain.Snapshot{
			SessionID:      "s1",
			ExamID:         "exam-1",
			Code:           "ABC123",
			State:          domain.StateActive,
			Index:          1,
			TotalQuestions: 3,
			Question:       &q2,
			Phase:          domain.PhaseRevealed,
			CorrectAnswer:  "B",
			Roster:         []domain.RosterEntry{{ParticipantID: "b", Name: "Bob", Score: 5}},
			Answers: []domain.AnswerReceived{
				{ParticipantID: "b", Answer: "B", QuestionID: "q2"},
				{ParticipantID: "c", Answer: "C", QuestionID: "q2"},
			},
		}, nil
	})
	hub.SetState(hubclient.Connected)

	require.Eventually(t, func() bool { return c.View().Index == 1 }, 2*time.Second, 5*time.Millisecond)
	v = c.View()
	require.Equal(t, hubclient.Connected, v.Connection)
	require.Equal(t, "q2", v.Question.ID)
	require.True(t, v.Revealed)
	require.Equal(t, "B", v.CorrectAnswer)
	require.Equal(t, 2, v.TotalResponses)
	require.Equal(t, map[string]int{"A": 0, "B": 1, "C": 1}, v.Counts)
	require.Equal(t, []domain.RosterEntry{{ParticipantID: "b", Name: "Bob", Score: 5}}, v.Roster)

	calls := hub.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, domain.CallRequestSnapshot, last.Method)
	require.Equal(t, []any{"exam-1"}, last.Args)
}

func TestReconnectToEndedSession(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := startedController(t, hub)
	hub.Handle(domain.CallRequestSnapshot, func([]any) (any, error) {
		return domain.Snapshot{SessionID: "s1", ExamID: "exam-1", State: domain.StateEnded}, nil
	})

	hub.SetState(hubclient.Reconnecting)
	hub.SetState(hubclient.Connected)

	require.Eventually(t, func() bool { return c.View().State == domain.StateEnded }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, hub.Handlers(domain.EventQuestionStarted))
}

func TestCloseRemovesHandlers(t *testing.T) {
	hub := scriptedHub(t, 3)
	c := New(hub)
	_, err := c.StartQuiz(context.Background(), "exam-1")
	require.NoError(t, err)

	c.Close()
	require.Zero(t, hub.Handlers(domain.EventQuestionStarted))
	hub.SetState(hubclient.Reconnecting)
	require.Equal(t, hubclient.Connected, c.View().Connection)
}
