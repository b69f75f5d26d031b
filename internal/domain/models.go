package domain

import (
	"sort"
	"strings"
	"time"
)

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionTrueFalse      QuestionType = "true-false"
	QuestionShortAnswer    QuestionType = "short-answer"
)

// HasOptions reports whether answers are option letters rather than free text.
func (t QuestionType) HasOptions() bool {
	return t == QuestionMultipleChoice || t == QuestionTrueFalse
}

// Question is immutable for the lifetime of a session.
type Question struct {
	ID            string       `json:"id" yaml:"id"`
	Content       string       `json:"content" yaml:"content"`
	Type          QuestionType `json:"type" yaml:"type"`
	Options       []string     `json:"options" yaml:"options"`
	CorrectAnswer string       `json:"correctAnswer" yaml:"correctAnswer"`
	Points        int          `json:"points" yaml:"points"` // defaults to 1 if zero
	OrderIndex    int          `json:"orderIndex" yaml:"orderIndex"`
	TimeLimit     int          `json:"timeLimit,omitempty" yaml:"timeLimit"` // seconds, 0 = untimed
}

// Worth returns the points awarded for a correct answer.
func (q Question) Worth() int {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// NormalizeAnswer canonicalizes a submitted answer for comparison and tallying.
// Choice questions use upper-case option letters; short answers are trimmed and
// lower-cased.
func (q Question) NormalizeAnswer(answer string) string {
	answer = strings.TrimSpace(answer)
	if q.Type.HasOptions() {
		return strings.ToUpper(answer)
	}
	return strings.ToLower(answer)
}

// ValidAnswer reports whether a normalized answer can be accepted for q.
func (q Question) ValidAnswer(normalized string) bool {
	if normalized == "" {
		return false
	}
	if !q.Type.HasOptions() {
		return true
	}
	for i := range q.Options {
		if OptionLetter(i) == normalized {
			return true
		}
	}
	return false
}

// IsCorrect compares a normalized answer with the question's correct answer.
func (q Question) IsCorrect(normalized string) bool {
	return normalized == q.NormalizeAnswer(q.CorrectAnswer)
}

// OptionLetter maps an option position to its letter: 0 -> A, 1 -> B, ...
// Positions past Z continue as AA, AB, ...
func OptionLetter(i int) string {
	if i < 0 {
		return ""
	}
	var b []byte
	for {
		b = append([]byte{byte('A' + i%26)}, b...)
		i = i/26 - 1
		if i < 0 {
			return string(b)
		}
	}
}

// Exam is the quiz definition a live session presents.
type Exam struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Ordered returns a copy of the exam with questions sorted by OrderIndex.
func (e Exam) Ordered() Exam {
	qs := make([]Question, len(e.Questions))
	copy(qs, e.Questions)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].OrderIndex < qs[j].OrderIndex })
	e.Questions = qs
	return e
}

// SessionState is the top-level session state.
type SessionState string

const (
	StateNotStarted SessionState = "NotStarted"
	StateActive     SessionState = "Active"
	StateEnded      SessionState = "Ended"
)

// QuestionPhase is the nested per-question state while a session is Active.
type QuestionPhase string

const (
	PhaseOpen     QuestionPhase = "Open"
	PhaseRevealed QuestionPhase = "Revealed"
)

// Identity is the authenticated caller behind a hub connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Participant is a voter in a live session.
type Participant struct {
	ID           string
	DisplayName  string
	ConnectionID string
	Score        int
	Present      bool
	LastScoredAt time.Time
	JoinedAt     time.Time
}

// AnswerEvent is one accepted submission.
type AnswerEvent struct {
	SessionID       string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	QuestionID      string    `json:"questionId"`
	SubmittedAnswer string    `json:"submittedAnswer"`
	SubmittedAt     time.Time `json:"submittedAt"`
	Correct         bool      `json:"correct"`
	Awarded         int       `json:"awarded"`
}

// CodeEntry is what the code registry knows about a join code.
type CodeEntry struct {
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
	ExamID    string `json:"examId"`
	Ended     bool   `json:"ended"`
}

// CodeLength is the fixed length of join codes.
const CodeLength = 6

// CodeAlphabet holds the characters join codes are drawn from.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NormalizeCode makes join codes case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCodeFormat reports whether a normalized code has the join code shape.
func ValidCodeFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}
