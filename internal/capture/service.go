package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transcriptionFailedMessage = "transcription failed on every tier"

// Emitter delivers server events to one connection.
type Emitter interface {
	Emit(event string, payload any) error
}

// Transcriber runs a batch through the transcription tiers.
type Transcriber interface {
	Transcribe(ctx context.Context, audio stt.Audio) stt.Outcome
}

type Options struct {
	// BatchThreshold is the number of chunks that triggers a transcription.
	BatchThreshold int
	// FlushTimeout bounds the final flush on stop. Zero means no bound.
	FlushTimeout time.Duration
}

// Service ties connections, per-session audio, transcription and word
// publication together.
type Service struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *slog.Logger
	registry  *Registry
	acc       *Accumulator
	chain     Transcriber
	publisher *Publisher
	flush     time.Duration
	clock     func() time.Time
	tracer    trace.Tracer
	metrics   *metrics

	mu       sync.Mutex
	emitters map[string]Emitter
	closed   bool
}

func NewService(parent context.Context, opts Options, chain Transcriber, publisher *Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.With(slog.String("component", "capture")),
		registry:  NewRegistry(),
		acc:       NewAccumulator(opts.BatchThreshold),
		chain:     chain,
		publisher: publisher,
		flush:     opts.FlushTimeout,
		clock:     time.Now,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-capture/capture"),
		emitters:  make(map[string]Emitter),
	}
	m, err := newMetrics(s.registry, s.acc)
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	return s
}

// Close stops accepting batches and waits for those in flight.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Registry exposes connection state for introspection.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Accumulator exposes per-session audio state for introspection.
func (s *Service) Accumulator() *Accumulator {
	return s.acc
}

func (s *Service) Transcriber() Transcriber {
	return s.chain
}

// StartSession binds connID to sessionID. Rebinding an active connection
// abandons its previous session without flushing it.
func (s *Service) StartSession(connID, sessionID string, emitter Emitter) (protocol.SessionStarted, error) {
	if strings.TrimSpace(sessionID) == "" {
		return protocol.SessionStarted{}, fmt.Errorf("%w: session id is required", ErrInvalidSession)
	}
	conn, previous := s.registry.Bind(connID, sessionID)
	s.mu.Lock()
	s.emitters[connID] = emitter
	s.mu.Unlock()

	if previous != "" && previous != sessionID {
		s.log.Info("connection rebound", slog.String("conn_id", connID),
			slog.String("previous_session", previous), slog.String("session_id", sessionID))
		s.releaseIfUnbound(previous)
	}
	s.log.Info("session started", slog.String("conn_id", connID), slog.String("session_id", sessionID))
	return protocol.SessionStarted{SessionID: sessionID, Timestamp: conn.StartedAt.UTC()}, nil
}

// AppendChunk records a chunk and acknowledges it without waiting for any
// transcription it may trigger.
func (s *Service) AppendChunk(connID string, chunk protocol.AudioChunk) (protocol.ChunkReceived, error) {
	n, err := s.registry.CountChunk(connID, chunk.SessionID)
	if err != nil {
		return protocol.ChunkReceived{}, err
	}
	pending := s.acc.AppendChunk(chunk.SessionID, chunk.AudioData, chunk.MimeType())
	s.metrics.chunk(s.ctx)
	s.log.Debug("chunk received",
		slog.String("session_id", chunk.SessionID),
		slog.Int("chunk", n),
		slog.Int("pending", pending),
		slog.Int("bytes", len(chunk.AudioData)))

	s.maybeDispatch(chunk.SessionID)
	return protocol.ChunkReceived{ChunkNumber: n, Timestamp: s.clock().UTC()}, nil
}

// StopSession flushes whatever audio is pending for the session, then returns
// the connection to idle.
func (s *Service) StopSession(ctx context.Context, connID, sessionID string) (protocol.SessionStopped, error) {
	conn, ok := s.registry.Lookup(connID)
	if !ok {
		return protocol.SessionStopped{}, fmt.Errorf("%w: no active session", ErrInvalidSession)
	}
	if conn.SessionID != sessionID {
		return protocol.SessionStopped{}, fmt.Errorf("%w: session mismatch", ErrInvalidSession)
	}

	flushCtx := ctx
	if s.flush > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, s.flush)
		defer cancel()
	}
	err := s.acc.FlushRemaining(flushCtx, sessionID, func(b Batch) {
		s.processBatch(flushCtx, b)
	})
	if err != nil {
		s.log.Warn("final flush abandoned", slog.String("session_id", sessionID), slogError(err))
	}

	if final, ok := s.registry.Unbind(connID); ok {
		conn = final
	}
	s.releaseIfUnbound(sessionID)

	stopped := protocol.SessionStopped{
		SessionID:      sessionID,
		ChunksReceived: conn.Chunks,
		Duration:       s.clock().Sub(conn.StartedAt).Milliseconds(),
	}
	s.log.Info("session stopped",
		slog.String("conn_id", connID),
		slog.String("session_id", sessionID),
		slog.Int("chunks", stopped.ChunksReceived),
		slog.Int64("duration_ms", stopped.Duration))
	return stopped, nil
}

// Disconnect forgets the connection. Pending audio of its session is dropped,
// not flushed, unless another connection still holds the session.
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	delete(s.emitters, connID)
	s.mu.Unlock()

	conn, ok := s.registry.Unbind(connID)
	if !ok {
		return
	}
	dropped := s.acc.Pending(conn.SessionID)
	if s.releaseIfUnbound(conn.SessionID) && dropped > 0 {
		s.log.Info("dropped pending audio on disconnect",
			slog.String("session_id", conn.SessionID),
			slog.Int("chunks", dropped))
	}
}

func (s *Service) releaseIfUnbound(sessionID string) bool {
	if len(s.registry.Connections(sessionID)) > 0 {
		return false
	}
	s.acc.Dispose(sessionID)
	return true
}

func (s *Service) maybeDispatch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	batch, ok := s.acc.TakeReady(sessionID)
	if !ok {
		return
	}
	s.log.Debug("dispatching batch",
		slog.String("session_id", sessionID),
		slog.Uint64("seq", batch.Seq),
		slog.Int("chunks", batch.Chunks))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processBatch(s.ctx, batch)
		s.acc.ReleaseBatch(batch)
		s.maybeDispatch(sessionID)
	}()
}

func (s *Service) processBatch(ctx context.Context, b Batch) {
	ctx, span := s.tracer.Start(ctx, "capture.batch", trace.WithAttributes(
		attribute.String("session_id", b.SessionID),
		attribute.Int64("seq", int64(b.Seq)),
		attribute.Int("chunks", b.Chunks),
		attribute.Int("bytes", len(b.Audio)),
	))
	defer span.End()

	out := s.chain.Transcribe(ctx, stt.Audio{SessionID: b.SessionID, Data: b.Audio, MimeType: b.MimeType})
	if out.Failed {
		err := out.Err
		if err == nil {
			err = errors.New(transcriptionFailedMessage)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, transcriptionFailedMessage)
		s.metrics.batch(ctx, "failed")
		s.log.Warn("batch discarded", slog.String("session_id", b.SessionID), slog.Uint64("seq", b.Seq), slogError(err))
		s.emitSession(b.SessionID, protocol.EventTranscriptionError, protocol.TranscriptionError{Error: transcriptionFailedMessage})
		return
	}
	span.SetAttributes(attribute.String("tier", out.Tier))

	text := strings.TrimSpace(out.Text)
	if text == "" {
		s.metrics.batch(ctx, "no_speech")
		s.log.Debug("no speech detected", slog.String("session_id", b.SessionID), slog.Uint64("seq", b.Seq), slog.String("tier", out.Tier))
		return
	}

	written := s.publisher.Publish(ctx, b.SessionID, text)
	s.metrics.batch(ctx, "transcribed")
	s.metrics.words(ctx, written)
	s.publisher.Announce(protocol.Transcript{
		SessionID: b.SessionID,
		Text:      text,
		Tier:      out.Tier,
		Batch:     b.Seq,
		Timestamp: s.clock().UTC(),
	})
	s.log.Info("batch transcribed",
		slog.String("session_id", b.SessionID),
		slog.Uint64("seq", b.Seq),
		slog.String("tier", out.Tier),
		slog.Int("words", written))
	s.emitSession(b.SessionID, protocol.EventTranscription, protocol.Transcription{Text: text})
}

func (s *Service) emitSession(sessionID, event string, payload any) {
	for _, connID := range s.registry.Connections(sessionID) {
		s.mu.Lock()
		emitter := s.emitters[connID]
		s.mu.Unlock()
		if emitter == nil {
			continue
		}
		if err := emitter.Emit(event, payload); err != nil {
			s.log.Warn("failed to emit event",
				slog.String("conn_id", connID),
				slog.String("event", event),
				slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
