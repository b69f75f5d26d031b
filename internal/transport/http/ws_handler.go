package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/protocol"
	"live-quiz-service/internal/telemetry"
)

// ConnectionConfig holds configuration for hub WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	CallTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		CallTimeout:    10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		CheckOrigin:    func(r *http.Request) bool { return true },
	}
}

// Authenticator turns an upgrade request into a caller identity.
type Authenticator func(r *http.Request) (domain.Identity, error)

var errUnauthenticated = errors.New("missing bearer token")

// BearerIdentity treats the bearer token as an opaque participant id. The
// token comes from the Authorization header or the access_token query
// parameter; the display name from the name parameter.
func BearerIdentity(r *http.Request) (domain.Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return domain.Identity{}, errUnauthenticated
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = token
	}
	return domain.Identity{UserID: token, DisplayName: name}, nil
}

type WSHandler struct {
	service  *app.QuizService
	upgrader websocket.Upgrader
	config   ConnectionConfig
	auth     Authenticator
	handlers map[string]callHandler
}

type callHandler func(ctx context.Context, c app.Caller, f protocol.Frame) (any, error)

func NewWSHandler(service *app.QuizService, config ConnectionConfig, auth Authenticator) *WSHandler {
	if auth == nil {
		auth = BearerIdentity
	}
	h := &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		auth:   auth,
	}
	h.handlers = h.routes()
	return h
}

// ServeWS authenticates, upgrades, and serves hub calls until the socket closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := &connection{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan protocol.Frame, h.config.SendBuffer),
		done:   make(chan struct{}),
		config: h.config,
	}
	caller := app.Caller{ConnID: conn.id, Identity: identity, Sub: conn}

	telemetry.Connections.Inc()
	log.Info().
		Str("connection_id", conn.id).
		Str("user_id", identity.UserID).
		Msg("hub connection established")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump()
	}()

	conn.readPump(func(f protocol.Frame) { h.dispatch(caller, conn, f) })

	conn.shutdown()
	<-writerDone
	h.service.Disconnect(caller)
	telemetry.Connections.Dec()
	log.Info().
		Str("connection_id", conn.id).
		Str("user_id", identity.UserID).
		Msg("hub connection closed")
}

func (h *WSHandler) dispatch(c app.Caller, conn *connection, f protocol.Frame) {
	if f.Type != protocol.TypeInvoke {
		log.Debug().Str("connection_id", conn.id).Str("type", f.Type).Msg("ignoring non-invoke frame")
		return
	}
	handler, ok := h.handlers[f.Target]
	if !ok {
		conn.reply(protocol.Failure(f.ID, domain.ErrBadRequest.Withf("unknown method %q", f.Target)))
		telemetry.ObserveCall("unknown", string(domain.CodeBadRequest))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.CallTimeout)
	defer cancel()

	result, err := handler(ctx, c, f)
	if err != nil {
		coded := domain.AsError(err)
		if coded.Code == domain.CodeInternal {
			log.Error().Err(err).Str("method", f.Target).Str("connection_id", conn.id).Msg("hub call failed")
		} else {
			log.Debug().Err(err).Str("method", f.Target).Str("connection_id", conn.id).Msg("hub call rejected")
		}
		telemetry.ObserveCall(f.Target, string(coded.Code))
		conn.reply(protocol.Failure(f.ID, coded))
		return
	}
	frame, err := protocol.Result(f.ID, result)
	if err != nil {
		conn.reply(protocol.Failure(f.ID, domain.ErrInternal.Wrap(err)))
		return
	}
	telemetry.ObserveCall(f.Target, "")
	conn.reply(frame)
}

func (h *WSHandler) routes() map[string]callHandler {
	svc := h.service
	examCall := func(fn func(ctx context.Context, c app.Caller, examID string) (any, error)) callHandler {
		return func(ctx context.Context, c app.Caller, f protocol.Frame) (any, error) {
			examID, err := f.StringArg(0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, c, examID)
		}
	}
	return map[string]callHandler{
		domain.CallStartLiveQuiz: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return svc.StartLiveQuiz(ctx, c, examID)
		}),
		domain.CallEndLiveQuiz: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return domain.Empty{}, svc.EndLiveQuiz(ctx, c, examID)
		}),
		domain.CallNextQuestion: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return svc.NextQuestion(ctx, c, examID)
		}),
		domain.CallPreviousQuestion: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return svc.PreviousQuestion(ctx, c, examID)
		}),
		domain.CallRevealAnswer: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return svc.RevealAnswer(ctx, c, examID)
		}),
		domain.CallLeaveQuiz: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return domain.Empty{}, svc.LeaveQuiz(ctx, c, examID)
		}),
		domain.CallRequestSnapshot: examCall(func(ctx context.Context, c app.Caller, examID string) (any, error) {
			return svc.RequestSnapshot(ctx, c, examID)
		}),
		domain.CallJoinQuiz: func(ctx context.Context, c app.Caller, f protocol.Frame) (any, error) {
			code, err := f.StringArg(0)
			if err != nil {
				return nil, err
			}
			return svc.JoinQuiz(ctx, c, code)
		},
		domain.CallSubmitAnswer: func(ctx context.Context, c app.Caller, f protocol.Frame) (any, error) {
			var examID, questionID, answer string
			for i, dst := range []*string{&examID, &questionID, &answer} {
				if err := f.Arg(i, dst); err != nil {
					return nil, err
				}
			}
			return svc.SubmitAnswer(ctx, c, examID, questionID, answer)
		},
	}
}

// connection is one hub socket. It implements app.Subscriber.
type connection struct {
	id     string
	ws     *websocket.Conn
	send   chan protocol.Frame
	done   chan struct{}
	once   sync.Once
	config ConnectionConfig
}

// Deliver queues an event without blocking. A full buffer closes the
// connection; the client is expected to reconnect and resync.
func (c *connection) Deliver(ev domain.Event) bool {
	frame, err := protocol.Event(ev.Name, ev.Payload)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("encode event")
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().Str("connection_id", c.id).Msg("connection send buffer full, closing connection")
		c.shutdown()
		return false
	}
}

func (c *connection) reply(f protocol.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump handles sending frames to the WebSocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to write frame")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads frames until the socket fails and hands each to handle in
// arrival order.
func (c *connection) readPump(handle func(protocol.Frame)) {
	c.ws.SetReadLimit(c.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected WebSocket close error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Str("connection_id", c.id).Msg("malformed frame")
			continue
		}
		handle(frame)
	}
}
