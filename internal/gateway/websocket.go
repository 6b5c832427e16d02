package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// CaptureService is what the socket handler drives for each client event.
type CaptureService interface {
	StartSession(connID, sessionID string, emitter capture.Emitter) (protocol.SessionStarted, error)
	AppendChunk(connID string, chunk protocol.AudioChunk) (protocol.ChunkReceived, error)
	StopSession(ctx context.Context, connID, sessionID string) (protocol.SessionStopped, error)
	Disconnect(connID string)
}

type SocketConfig struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// SocketHandler serves the capture protocol over WebSocket: one JSON envelope
// per text frame in both directions.
type SocketHandler struct {
	svc      CaptureService
	log      *slog.Logger
	upgrader websocket.Upgrader
	maxBytes int64

	mu     sync.Mutex
	conns  map[*websocket.Conn]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewSocketHandler(svc CaptureService, cfg SocketConfig, logger *slog.Logger) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &SocketHandler{
		svc:      svc,
		log:      logger.With(slog.String("component", "gateway")),
		maxBytes: cfg.MaxMessageBytes,
		conns:    make(map[*websocket.Conn]context.CancelFunc),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	if set["*"] {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
			return true
		}
		return set[origin]
	}
}

// socketEmitter serializes writes to one connection.
type socketEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *socketEmitter) Emit(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteJSON(env)
}

func (e *socketEmitter) ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close ends every open socket and waits for their handlers to return. The
// HTTP server does not track hijacked connections, so this runs after it has
// shut down. Later upgrades are refused.
func (h *SocketHandler) Close() {
	h.mu.Lock()
	h.closed = true
	for conn, cancel := range h.conns {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// track registers a live socket. It reports false once Close has run.
func (h *SocketHandler) track(conn *websocket.Conn, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = cancel
	h.wg.Add(1)
	return true
}

func (h *SocketHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slogError(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !h.track(conn, cancel) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	connID := uuid.NewString()
	log := h.log.With(slog.String("conn_id", connID))
	log.Info("client connected", slog.String("remote", r.RemoteAddr))

	em := &socketEmitter{conn: conn}
	done := make(chan struct{})
	defer func() {
		close(done)
		h.svc.Disconnect(connID)
		_ = conn.Close()
		log.Info("client disconnected")
	}()

	if h.maxBytes > 0 {
		conn.SetReadLimit(h.maxBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepAlive(em, done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", slogError(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			h.reply(log, em, protocol.EventError, protocol.ErrorMessage{Message: "expected a JSON text frame"})
			continue
		}
		h.handle(ctx, log, connID, em, data)
	}
}

func keepAlive(em *socketEmitter, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := em.ping(); err != nil {
				return
			}
		}
	}
}

func (h *SocketHandler) handle(ctx context.Context, log *slog.Logger, connID string, em *socketEmitter, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.reply(log, em, protocol.EventError, protocol.ErrorMessage{Message: "malformed message"})
		return
	}

	switch env.Event {
	case protocol.EventStartSession:
		var req protocol.StartSession
		if !h.decode(log, em, env, &req) {
			return
		}
		started, err := h.svc.StartSession(connID, req.SessionID, em)
		if err != nil {
			h.replyErr(log, em, err)
			return
		}
		h.reply(log, em, protocol.EventSessionStarted, started)

	case protocol.EventAudioChunk:
		var req protocol.AudioChunk
		if !h.decode(log, em, env, &req) {
			return
		}
		ack, err := h.svc.AppendChunk(connID, req)
		if err != nil {
			h.replyErr(log, em, err)
			return
		}
		h.reply(log, em, protocol.EventChunkReceived, ack)

	case protocol.EventStopSession:
		var req protocol.StopSession
		if !h.decode(log, em, env, &req) {
			return
		}
		stopped, err := h.svc.StopSession(ctx, connID, req.SessionID)
		if err != nil {
			h.replyErr(log, em, err)
			return
		}
		h.reply(log, em, protocol.EventSessionStopped, stopped)

	default:
		h.reply(log, em, protocol.EventError, protocol.ErrorMessage{Message: "unknown event: " + env.Event})
	}
}

func (h *SocketHandler) decode(log *slog.Logger, em *socketEmitter, env protocol.Envelope, v any) bool {
	if len(env.Data) == 0 {
		h.reply(log, em, protocol.EventError, protocol.ErrorMessage{Message: env.Event + ": missing data"})
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		h.reply(log, em, protocol.EventError, protocol.ErrorMessage{Message: env.Event + ": invalid data"})
		return false
	}
	return true
}

func (h *SocketHandler) replyErr(log *slog.Logger, em *socketEmitter, err error) {
	msg := "internal error"
	if errors.Is(err, capture.ErrInvalidSession) {
		msg = err.Error()
	} else {
		log.Error("capture request failed", slogError(err))
	}
	h.reply(log, em, protocol.EventError, protocol.ErrorMessage{Message: msg})
}

func (h *SocketHandler) reply(log *slog.Logger, em *socketEmitter, event string, payload any) {
	if err := em.Emit(event, payload); err != nil {
		log.Warn("failed to write event", slog.String("event", event), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
