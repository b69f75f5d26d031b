// Package protocol defines the JSON frames exchanged over the hub websocket.
//
//	{"type":"invoke","id":7,"target":"SubmitAnswer","args":["exam-1","q1","A"]}
//	{"type":"result","id":7,"payload":{...}}
//	{"type":"result","id":7,"error":{"code":"QuestionClosed","message":"..."}}
//	{"type":"event","target":"QuestionStarted","payload":{...}}
package protocol

import (
	"encoding/json"
	"fmt"

	"live-quiz-service/internal/domain"
)

const (
	TypeInvoke = "invoke"
	TypeResult = "result"
	TypeEvent  = "event"
)

// Frame is a single websocket message. Invocation ids start at 1.
type Frame struct {
	Type    string            `json:"type"`
	ID      uint64            `json:"id,omitempty"`
	Target  string            `json:"target,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Error   *domain.Error     `json:"error,omitempty"`
}

// Invoke builds an invocation frame.
func Invoke(id uint64, target string, args ...any) (Frame, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal arg %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	return Frame{Type: TypeInvoke, ID: id, Target: target, Args: raw}, nil
}

// Result builds a successful result frame.
func Result(id uint64, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal result: %w", err)
	}
	return Frame{Type: TypeResult, ID: id, Payload: b}, nil
}

// Failure builds a result frame carrying a coded error. The cause chain stays
// on the server; only code and message cross the wire.
func Failure(id uint64, err error) Frame {
	e := domain.AsError(err)
	return Frame{Type: TypeResult, ID: id, Error: &domain.Error{Code: e.Code, Message: e.Message}}
}

// Event builds an event frame.
func Event(name string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal event %s: %w", name, err)
	}
	return Frame{Type: TypeEvent, Target: name, Payload: b}, nil
}

// Arg decodes the i-th invocation argument into v.
func (f Frame) Arg(i int, v any) error {
	if i >= len(f.Args) {
		return domain.ErrBadRequest.Withf("%s: missing argument %d", f.Target, i)
	}
	if err := json.Unmarshal(f.Args[i], v); err != nil {
		return domain.ErrBadRequest.Withf("%s: argument %d: %v", f.Target, i, err)
	}
	return nil
}

// StringArg decodes the i-th invocation argument as a string.
func (f Frame) StringArg(i int) (string, error) {
	var s string
	if err := f.Arg(i, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Decode unmarshals a payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(payload, &v)
	return v, err
}
