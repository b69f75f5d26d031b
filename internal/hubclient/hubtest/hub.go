// Package hubtest provides an in-process stand-in for a hub connection so
// controllers can be tested without a socket.
package hubtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/hubclient"
)

// Responder produces the result of one call.
type Responder func(args []any) (any, error)

// Call is a recorded invocation.
type Call struct {
	Method string
	Args   []any
}

type handler struct {
	id uint64
	fn hubclient.Handler
}

// Hub records calls, answers them from registered responders and lets tests
// emit events synchronously. Calls fail with NotConnected unless the state is
// Connected.
type Hub struct {
	mu         sync.Mutex
	state      hubclient.State
	responders map[string]Responder
	calls      []Call
	nextID     uint64
	handlers   map[string][]handler
	watchers   map[uint64]func(prev, next hubclient.State)
}

func New() *Hub {
	return &Hub{
		state:      hubclient.Connected,
		responders: make(map[string]Responder),
		handlers:   make(map[string][]handler),
		watchers:   make(map[uint64]func(prev, next hubclient.State)),
	}
}

// Handle sets the responder for method. Methods without one return {}.
func (h *Hub) Handle(method string, r Responder) {
	h.mu.Lock()
	h.responders[method] = r
	h.mu.Unlock()
}

func (h *Hub) Invoke(_ context.Context, method string, args ...any) (json.RawMessage, error) {
	h.mu.Lock()
	if h.state != hubclient.Connected {
		h.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	h.calls = append(h.calls, Call{Method: method, Args: args})
	r := h.responders[method]
	h.mu.Unlock()

	var result any = domain.Empty{}
	if r != nil {
		res, err := r(args)
		if err != nil {
			return nil, err
		}
		result = res
	}
	return json.Marshal(result)
}

func (h *Hub) On(event string, fn hubclient.Handler) hubclient.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.handlers[event] = append(h.handlers[event], handler{id: id, fn: fn})
	return hubclient.SubscriptionFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		hs := h.handlers[event]
		for i, hd := range hs {
			if hd.id == id {
				h.handlers[event] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	})
}

func (h *Hub) OnStateChange(fn func(prev, next hubclient.State)) hubclient.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.watchers[id] = fn
	return hubclient.SubscriptionFunc(func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	})
}

func (h *Hub) State() hubclient.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState moves the fake connection to next and notifies watchers.
func (h *Hub) SetState(next hubclient.State) {
	h.mu.Lock()
	prev := h.state
	h.state = next
	watchers := make([]func(prev, next hubclient.State), 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()
	if prev == next {
		return
	}
	for _, w := range watchers {
		w(prev, next)
	}
}

// Emit delivers an event to the registered handlers in registration order.
func (h *Hub) Emit(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	h.mu.Lock()
	hs := append([]handler(nil), h.handlers[event]...)
	h.mu.Unlock()
	for _, hd := range hs {
		if h.registered(event, hd.id) {
			hd.fn(raw)
		}
	}
}

func (h *Hub) registered(event string, id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hd := range h.handlers[event] {
		if hd.id == id {
			return true
		}
	}
	return false
}

// Calls returns the recorded invocations.
func (h *Hub) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Methods returns the names of the recorded invocations.
func (h *Hub) Methods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		out = append(out, c.Method)
	}
	return out
}

// Handlers counts the handlers registered for event.
func (h *Hub) Handlers(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers[event])
}

// InvokeWhenReady does not wait: a fake that is not Connected times out at once.
func (h *Hub) InvokeWhenReady(ctx context.Context, _ time.Duration, method string, args ...any) (json.RawMessage, error) {
	if h.State() != hubclient.Connected {
		return nil, domain.ErrConnectionTimeout
	}
	return h.Invoke(ctx, method, args...)
}
