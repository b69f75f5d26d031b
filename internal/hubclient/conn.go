// Package hubclient maintains one authenticated websocket to the quiz hub. It
// sends named calls, dispatches named events to registered handlers and
// reconnects with backoff when the socket drops.
package hubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// DefaultBackoff is the reconnect schedule; the last delay repeats.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

type Options struct {
	URL         string
	DisplayName string
	Dialer      *websocket.Dialer
	Backoff     []time.Duration
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int
	CallTimeout          time.Duration
	PollInterval         time.Duration
	Clock                clockwork.Clock
}

// Handler receives the raw payload of an event.
type Handler func(payload json.RawMessage)

// Subscription removes the handler it was returned for.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

type eventHandler struct {
	id uint64
	fn Handler
}

type stateHandler struct {
	id uint64
	fn func(prev, next State)
}

type callResult struct {
	frame protocol.Frame
	err   error
}

type Conn struct {
	opts Options

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	token         string
	stop          chan struct{}
	nextCall      uint64
	nextSub       uint64
	pending       map[uint64]chan callResult
	handlers      map[string][]eventHandler
	stateHandlers []stateHandler

	writeMu sync.Mutex
}

func New(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Conn{
		opts:     opts,
		pending:  make(map[uint64]chan callResult),
		handlers: make(map[string][]eventHandler),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket with token as bearer credential. It does nothing
// unless the connection is Disconnected.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.stop = make(chan struct{})
	stop := c.stop
	prev := c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.notify(prev, Connecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		prev := c.state
		if prev == Connecting {
			c.state = Disconnected
		}
		c.mu.Unlock()
		if prev == Connecting {
			c.notify(prev, Disconnected)
		}
		return fmt.Errorf("connect to hub: %w", err)
	}
	if !c.attach(ws, Connecting, stop) {
		ws.Close()
		return domain.ErrNotConnected.Withf("connection closed during handshake")
	}
	log.Info().Str("url", c.opts.URL).Msg("connected to hub")
	return nil
}

// Close stops reconnecting, closes the socket and fails pending calls.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	ws := c.ws
	c.ws = nil
	c.failPendingLocked()
	prev := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	var err error
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = ws.Close()
	}
	c.notify(prev, Disconnected)
	return err
}

// On registers h for event. Handlers for one event run in registration order
// on the read goroutine.
func (c *Conn) On(event string, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.handlers[event] = append(c.handlers[event], eventHandler{id: id, fn: h})
	return SubscriptionFunc(func() { c.removeHandler(event, id) })
}

// Off is equivalent to sub.Unsubscribe().
func (c *Conn) Off(sub Subscription) {
	if sub != nil {
		sub.Unsubscribe()
	}
}

// OnStateChange registers fn for every state transition. fn runs on whichever
// goroutine made the transition and must not block.
func (c *Conn) OnStateChange(fn func(prev, next State)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.stateHandlers = append(c.stateHandlers, stateHandler{id: id, fn: fn})
	return SubscriptionFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.stateHandlers {
			if h.id == id {
				c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
				return
			}
		}
	})
}

// Invoke sends a call and waits for its result. It fails with
// domain.ErrNotConnected unless the connection is Connected. Hub errors come
// back as *domain.Error.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != Connected || c.ws == nil {
		c.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	c.nextCall++
	id := c.nextCall
	frame, err := protocol.Invoke(id, method, args...)
	if err != nil {
		c.mu.Unlock()
		return nil, domain.ErrBadRequest.Wrap(err)
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.CallTimeout))
	err = ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, domain.ErrNotConnected.Wrap(err)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != nil {
			return nil, res.frame.Error
		}
		return res.frame.Payload, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, domain.ErrConnectionTimeout.Withf("%s: no result after %s", method, c.opts.CallTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// InvokeWhenReady waits up to maxWait for the connection to become Connected,
// polling every PollInterval, then calls Invoke.
func (c *Conn) InvokeWhenReady(ctx context.Context, maxWait time.Duration, method string, args ...any) (json.RawMessage, error) {
	clock := c.opts.Clock
	deadline := clock.Now().Add(maxWait)
	for {
		if c.State() == Connected {
			return c.Invoke(ctx, method, args...)
		}
		if !clock.Now().Before(deadline) {
			return nil, domain.ErrConnectionTimeout.Withf("%s: hub not ready after %s", method, maxWait)
		}
		select {
		case <-clock.After(c.opts.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if c.opts.DisplayName != "" {
		q := u.Query()
		q.Set("name", c.opts.DisplayName)
		u.RawQuery = q.Encode()
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return ws, nil
}

// attach installs ws if the connection is still in state from and owned by
// stop, then starts its read loop.
func (c *Conn) attach(ws *websocket.Conn, from State, stop chan struct{}) bool {
	c.mu.Lock()
	if c.state != from || c.stop != stop || stop == nil {
		c.mu.Unlock()
		return false
	}
	c.ws = ws
	prev := c.setStateLocked(Connected)
	c.mu.Unlock()

	go c.readLoop(ws)
	c.notify(prev, Connected)
	return true
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(ws, err)
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Msg("malformed hub frame")
			continue
		}
		switch frame.Type {
		case protocol.TypeResult:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- callResult{frame: frame}
			}
		case protocol.TypeEvent:
			c.dispatch(frame.Target, frame.Payload)
		}
	}
}

func (c *Conn) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := append([]eventHandler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		// an earlier handler may have removed this one
		if !c.registered(event, h.id) {
			continue
		}
		h.fn(payload)
	}
}

func (c *Conn) registered(event string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.handlers[event] {
		if h.id == id {
			return true
		}
	}
	return false
}

// lost runs when the read loop of ws fails.
func (c *Conn) lost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.failPendingLocked()
	stop := c.stop
	prev := c.setStateLocked(Reconnecting)
	c.mu.Unlock()
	ws.Close()

	log.Warn().Err(cause).Msg("hub connection lost, reconnecting")
	c.notify(prev, Reconnecting)
	go c.reconnect(stop)
}

func (c *Conn) reconnect(stop chan struct{}) {
	for attempt := 0; ; attempt++ {
		if limit := c.opts.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			c.giveUp(stop, attempt)
			return
		}
		delay := c.opts.Backoff[len(c.opts.Backoff)-1]
		if attempt < len(c.opts.Backoff) {
			delay = c.opts.Backoff[attempt]
		}
		if delay > 0 {
			select {
			case <-c.opts.Clock.After(delay):
			case <-stop:
				return
			}
		}
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		ws, err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("hub reconnect failed")
			continue
		}
		if !c.attach(ws, Reconnecting, stop) {
			ws.Close()
			return
		}
		log.Info().Int("attempt", attempt+1).Msg("reconnected to hub")
		return
	}
}

func (c *Conn) giveUp(stop chan struct{}, attempts int) {
	c.mu.Lock()
	if c.stop != stop || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.stop = nil
	prev := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	log.Error().Int("attempts", attempts).Msg("giving up on hub reconnect")
	c.notify(prev, Disconnected)
}

func (c *Conn) setStateLocked(next State) State {
	prev := c.state
	c.state = next
	return prev
}

func (c *Conn) notify(prev, next State) {
	if prev == next {
		return
	}
	c.mu.Lock()
	handlers := append([]stateHandler(nil), c.stateHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h.fn(prev, next)
	}
}

func (c *Conn) failPendingLocked() {
	for id, ch := range c.pending {
		ch <- callResult{err: domain.ErrNotConnected.Withf("connection lost")}
		delete(c.pending, id)
	}
}

func (c *Conn) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) removeHandler(event string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handlers[event]
	for i, h := range hs {
		if h.id == id {
			c.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}
