package domain

// Hub calls.
const (
	CallStartLiveQuiz    = "StartLiveQuiz"
	CallEndLiveQuiz      = "EndLiveQuiz"
	CallNextQuestion     = "NextQuestion"
	CallPreviousQuestion = "PreviousQuestion"
	CallRevealAnswer     = "RevealAnswer"
	CallJoinQuiz         = "JoinQuiz"
	CallSubmitAnswer     = "SubmitAnswer"
	CallLeaveQuiz        = "LeaveQuiz"
	CallRequestSnapshot  = "RequestSnapshot"
)

// Hub events.
const (
	EventParticipantJoined = "ParticipantJoined"
	EventParticipantLeft   = "ParticipantLeft"
	EventAnswerReceived    = "AnswerReceived"
	EventQuestionStarted   = "QuestionStarted"
	EventQuestionEnded     = "QuestionEnded"
	EventScoreUpdated      = "ScoreUpdated"
	EventTimerTick         = "TimerTick"
	EventQuizEnded         = "QuizEnded"
	EventSessionPaused     = "SessionPaused"
	EventSessionResumed    = "SessionResumed"
)

// Event is a named payload fanned out by the hub.
type Event struct {
	Name    string
	Payload any
}

type ParticipantJoined struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
}

type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

type AnswerReceived struct {
	ParticipantID string `json:"participantId"`
	Answer        string `json:"answer"`
	QuestionID    string `json:"questionId,omitempty"`
}

// QuestionStarted carries the public view of a question; the correct answer is
// never part of it.
type QuestionStarted struct {
	ID             string       `json:"id"`
	Content        string       `json:"content"`
	Type           QuestionType `json:"type"`
	Options        []string     `json:"options"`
	OrderIndex     int          `json:"orderIndex"`
	TotalQuestions int          `json:"totalQuestions"`
	TimeLimit      int          `json:"timeLimit,omitempty"`
	Index          int          `json:"index"`
}

type QuestionEnded struct {
	CorrectAnswer string `json:"correctAnswer"`
	QuestionID    string `json:"questionId,omitempty"`
}

type ScoreUpdated struct {
	Score int `json:"score"`
}

type TimerTick struct {
	Remaining  int    `json:"remaining"`
	QuestionID string `json:"questionId,omitempty"`
}

type QuizEnded struct {
	Rank       int `json:"rank"`
	TotalScore int `json:"totalScore"`
}

type SessionPaused struct {
	Reason string `json:"reason"`
}

type SessionResumed struct{}

// StartResult is returned by StartLiveQuiz.
type StartResult struct {
	SessionID      string `json:"sessionId"`
	Code           string `json:"code"`
	TotalQuestions int    `json:"totalQuestions"`
}

// IndexResult is returned by NextQuestion and PreviousQuestion.
type IndexResult struct {
	Index int `json:"index"`
}

// RevealResult is returned by RevealAnswer.
type RevealResult struct {
	QuestionID    string `json:"questionId"`
	CorrectAnswer string `json:"correctAnswer"`
}

// JoinResult is returned by JoinQuiz.
type JoinResult struct {
	SessionID     string   `json:"sessionId"`
	ExamID        string   `json:"examId"`
	ParticipantID string   `json:"participantId"`
	Snapshot      Snapshot `json:"snapshot"`
}

// SubmitResult is returned by SubmitAnswer.
type SubmitResult struct {
	QuestionID string `json:"questionId"`
	Accepted   bool   `json:"accepted"`
}

// Empty is the result of calls without a payload.
type Empty struct{}

// RosterEntry is one present participant.
type RosterEntry struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
}

// SelfState is the caller's own standing inside a snapshot sent to a voter.
type SelfState struct {
	ParticipantID string `json:"participantId"`
	Score         int    `json:"score"`
	Answered      bool   `json:"answered"`
	Answer        string `json:"answer,omitempty"`
}

// Snapshot is the full state of a session as seen by one caller. Presenter
// snapshots include the current question's answers; voter snapshots carry Self.
type Snapshot struct {
	SessionID      string           `json:"sessionId"`
	ExamID         string           `json:"examId"`
	Code           string           `json:"code,omitempty"`
	State          SessionState     `json:"state"`
	Paused         bool             `json:"paused"`
	Index          int              `json:"index"`
	TotalQuestions int              `json:"totalQuestions"`
	Question       *QuestionStarted `json:"question,omitempty"`
	Phase          QuestionPhase    `json:"phase,omitempty"`
	CorrectAnswer  string           `json:"correctAnswer,omitempty"`
	Remaining      int              `json:"remaining,omitempty"`
	Roster         []RosterEntry    `json:"roster"`
	Answers        []AnswerReceived `json:"answers,omitempty"`
	Self           *SelfState       `json:"self,omitempty"`
}
