package domain

import (
	"errors"
	"fmt"
)

// Code identifies an error kind on both sides of the hub connection.
type Code string

const (
	CodeNotConnected      Code = "NotConnected"
	CodeConnectionTimeout Code = "ConnectionTimeout"
	CodeInvalidCode       Code = "InvalidCode"
	CodeSessionEnded      Code = "SessionEnded"
	CodeAlreadySubmitted  Code = "AlreadySubmitted"
	CodeQuestionClosed    Code = "QuestionClosed"
	CodeOutOfRange        Code = "OutOfRange"
	CodeNoQuestions       Code = "NoQuestions"
	CodeAlreadyActive     Code = "AlreadyActive"
	CodeNotPresenter      Code = "NotPresenter"
	CodeNotJoined         Code = "NotJoined"
	CodeQuizNotFound      Code = "QuizNotFound"
	CodeQuestionNotFound  Code = "QuestionNotFound"
	CodeInvalidAnswer     Code = "InvalidAnswer"
	CodeBadRequest        Code = "BadRequest"
	CodeInternal          Code = "Internal"
)

// Error is a coded error. Two errors match with errors.Is when their codes are
// equal, so errors decoded from the wire compare equal to the sentinels below.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, err: cause}
}

// Withf returns a copy of e with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), err: e.err}
}

// NewError builds a coded error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	// ErrNotConnected is returned when a call is attempted before the handshake completes.
	ErrNotConnected = NewError(CodeNotConnected, "hub connection is not established")
	// ErrConnectionTimeout is returned when the connection did not become ready in time.
	ErrConnectionTimeout = NewError(CodeConnectionTimeout, "timed out waiting for hub connection")
	// ErrInvalidCode is returned when a join code does not resolve to a session.
	ErrInvalidCode = NewError(CodeInvalidCode, "join code is not valid")
	// ErrSessionEnded is returned when the session behind a code or exam has ended.
	ErrSessionEnded = NewError(CodeSessionEnded, "quiz session has ended")
	// ErrAlreadySubmitted is returned for a second answer to the same question.
	ErrAlreadySubmitted = NewError(CodeAlreadySubmitted, "answer already submitted")
	// ErrQuestionClosed is returned when a question no longer accepts answers.
	ErrQuestionClosed = NewError(CodeQuestionClosed, "question is closed")
	// ErrOutOfRange is returned when navigating past the first or last question.
	ErrOutOfRange = NewError(CodeOutOfRange, "question index out of range")
	// ErrNoQuestions is returned when starting an exam without questions.
	ErrNoQuestions = NewError(CodeNoQuestions, "exam has no questions")
	// ErrAlreadyActive is returned when the exam already has a running session.
	ErrAlreadyActive = NewError(CodeAlreadyActive, "quiz session already active")
	// ErrNotPresenter is returned when a non-presenter issues a lifecycle call.
	ErrNotPresenter = NewError(CodeNotPresenter, "caller is not the presenter")
	// ErrNotJoined is returned when a voter acts before joining.
	ErrNotJoined = NewError(CodeNotJoined, "participant has not joined the quiz")
	// ErrQuizNotFound indicates the exam content could not be loaded or no session runs for it.
	ErrQuizNotFound = NewError(CodeQuizNotFound, "quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = NewError(CodeQuestionNotFound, "question not found")
	// ErrInvalidAnswer indicates an answer that does not fit the question.
	ErrInvalidAnswer = NewError(CodeInvalidAnswer, "answer is not valid for the question")
	// ErrBadRequest indicates a malformed call.
	ErrBadRequest = NewError(CodeBadRequest, "bad request")
	// ErrInternal wraps unexpected failures.
	ErrInternal = NewError(CodeInternal, "internal error")
)

// AsError converts any error into a coded error; unknown errors become Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}

// IsBenign reports errors the UI treats as no-ops: the user's intent is already
// satisfied or moot.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadySubmitted) ||
		errors.Is(err, ErrQuestionClosed) ||
		errors.Is(err, ErrOutOfRange)
}
