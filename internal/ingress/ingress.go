// Package ingress feeds audio frames published on the bus by edge devices
// into the capture service.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

// CaptureService is the subset of the capture service driven by bus frames.
type CaptureService interface {
	StartSession(connID, sessionID string, emitter capture.Emitter) (protocol.SessionStarted, error)
	AppendChunk(connID string, chunk protocol.AudioChunk) (protocol.ChunkReceived, error)
	StopSession(ctx context.Context, connID, sessionID string) (protocol.SessionStopped, error)
	Disconnect(connID string)
}

// Service subscribes to <subject_prefix>.> and treats each session id as its
// own connection. Server events go back out on <events_prefix>.<session_id>.
//
// Frames of one session are handled in arrival order on that session's own
// goroutine, so a slow final flush never holds up the subscription.
type Service struct {
	cfg     config.IngressConfig
	bus     *bus.Client
	capture CaptureService
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	sub      *nats.Subscription
	mu       sync.Mutex
	sessions map[string]*session
	ready    bool
	closed   bool
	wg       sync.WaitGroup
}

// session is the frame queue of one session id. running is set while a
// worker drains it; started while the capture service holds the session.
type session struct {
	queue   []protocol.AudioFrame
	running bool
	started bool
}

func NewService(parent context.Context, cfg config.IngressConfig, busClient *bus.Client, svc CaptureService, logger *slog.Logger) *Service {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = protocol.SubjectAudioFramePrefix
	}
	if cfg.EventsPrefix == "" {
		cfg.EventsPrefix = protocol.SubjectCaptureEventsPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		capture:  svc,
		log:      logger.With(slog.String("component", "ingress")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (s *Service) Start() error {
	subject := s.cfg.SubjectPrefix + ".>"
	sub, err := s.bus.Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.log.Info("bus ingress listening", slog.String("subject", subject))
	return nil
}

// Close stops the subscription, waits for session workers and drops sessions
// that never sent a final frame.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.closed = true
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.wg.Wait()

	s.mu.Lock()
	open := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.started {
			open = append(open, id)
		}
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, id := range open {
		s.capture.Disconnect(connID(id))
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func connID(sessionID string) string {
	return "nats:" + sessionID
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, s.cfg.SubjectPrefix+".")
	}
	if frame.SessionID == "" || strings.ContainsAny(frame.SessionID, " *>") {
		s.log.Warn("audio frame without usable session id", slog.String("subject", msg.Subject))
		return
	}
	s.enqueue(frame)
}

func (s *Service) enqueue(frame protocol.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sess, ok := s.sessions[frame.SessionID]
	if !ok {
		sess = &session{}
		s.sessions[frame.SessionID] = sess
	}
	sess.queue = append(sess.queue, frame)
	if sess.running {
		return
	}
	sess.running = true
	s.wg.Add(1)
	go s.drain(frame.SessionID, sess)
}

// drain handles queued frames until the queue is empty. An idle session that
// is not held by the capture service is removed.
func (s *Service) drain(sessionID string, sess *session) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(sess.queue) == 0 || s.ctx.Err() != nil {
			sess.queue = nil
			sess.running = false
			if !sess.started && s.sessions[sessionID] == sess {
				delete(s.sessions, sessionID)
			}
			s.mu.Unlock()
			return
		}
		frame := sess.queue[0]
		sess.queue = sess.queue[1:]
		started := sess.started
		s.mu.Unlock()

		s.process(frame, sess, started)
	}
}

func (s *Service) process(frame protocol.AudioFrame, sess *session, started bool) {
	id := connID(frame.SessionID)
	em := &busEmitter{bus: s.bus, subject: s.cfg.EventsPrefix + "." + frame.SessionID}

	if !started {
		ack, err := s.capture.StartSession(id, frame.SessionID, em)
		if err != nil {
			s.fail(em, err)
			return
		}
		s.setStarted(sess, true)
		s.emit(em, protocol.EventSessionStarted, ack)
	}

	if len(frame.Audio) > 0 {
		ack, err := s.capture.AppendChunk(id, protocol.AudioChunk{
			SessionID: frame.SessionID,
			AudioData: frame.Audio,
			Metadata:  &protocol.ChunkMetadata{MimeType: frame.MimeType, Size: len(frame.Audio)},
		})
		if err != nil {
			s.fail(em, err)
			return
		}
		s.emit(em, protocol.EventChunkReceived, ack)
	}

	if frame.Final {
		stopped, err := s.capture.StopSession(s.ctx, id, frame.SessionID)
		s.setStarted(sess, false)
		if err != nil {
			s.fail(em, err)
			return
		}
		s.emit(em, protocol.EventSessionStopped, stopped)
	}
}

func (s *Service) setStarted(sess *session, started bool) {
	s.mu.Lock()
	sess.started = started
	s.mu.Unlock()
}

func (s *Service) fail(em *busEmitter, err error) {
	s.log.Warn("audio frame rejected", slog.String("subject", em.subject), slogError(err))
	s.emit(em, protocol.EventError, protocol.ErrorMessage{Message: err.Error()})
}

func (s *Service) emit(em *busEmitter, event string, payload any) {
	if err := em.Emit(event, payload); err != nil {
		s.log.Warn("failed to publish capture event", slog.String("event", event), slogError(err))
	}
}

// busEmitter publishes server events as envelopes on a per-session subject.
type busEmitter struct {
	bus     *bus.Client
	subject string
}

func (e *busEmitter) Emit(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return e.bus.PublishJSON(e.subject, env)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
