package hubclient

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/protocol"
)

// Invoker is the call side of a hub connection.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Subscriber is the event side of a hub connection.
type Subscriber interface {
	On(event string, h Handler) Subscription
}

// Call invokes method and decodes its result into T.
func Call[T any](ctx context.Context, inv Invoker, method string, args ...any) (T, error) {
	var zero T
	raw, err := inv.Invoke(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	return protocol.Decode[T](raw)
}

// On registers fn for event with the payload decoded into T. Payloads that do
// not decode are logged and dropped.
func On[T any](s Subscriber, event string, fn func(T)) Subscription {
	return s.On(event, func(payload json.RawMessage) {
		v, err := protocol.Decode[T](payload)
		if err != nil {
			log.Warn().Err(err).Str("event", event).Msg("undecodable event payload")
			return
		}
		fn(v)
	})
}
