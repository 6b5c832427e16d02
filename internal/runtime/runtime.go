package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/gateway"
	"github.com/loqalabs/loqa-capture/internal/ingress"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/sessionstore"
	"github.com/loqalabs/loqa-capture/internal/stt"
)

// Pinger is implemented by store backends that hold a live connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	store         sessionstore.Store
	capture       *capture.Service
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	ingress       *ingress.Service
	socket        *gateway.SocketHandler
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown
	r.metricHandler = tel.handler

	if err := r.initComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Any("tiers", r.tierNames()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	r.logger.Info("runtime stopping")
	r.shutdown()
	return runErr
}

// initComponents builds everything behind the HTTP surface. On error the
// caller is expected to run shutdown to release what was already opened.
func (r *Runtime) initComponents(ctx context.Context) error {
	store, err := sessionstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.store = store

	chain, err := stt.NewChainFromConfig(r.cfg.Tiers, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build transcription chain: %w", err)
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client
	}

	policy, err := capture.ParsePolicy(r.cfg.Capture.WordPolicy)
	if err != nil {
		return err
	}
	var announcer capture.JSONPublisher
	if r.bus != nil {
		announcer = r.bus
	}
	publisher := capture.NewPublisher(r.store, policy, announcer, r.logger)

	// Batches are cancelled by capture.Close, not by the signal context.
	r.capture = capture.NewService(context.Background(), capture.Options{
		BatchThreshold: r.cfg.Capture.BatchThreshold,
		FlushTimeout:   time.Duration(r.cfg.Capture.FlushTimeoutMS) * time.Millisecond,
	}, chain, publisher, r.logger)

	if r.cfg.Ingress.Enabled && r.bus != nil {
		r.ingress = ingress.NewService(context.Background(), r.cfg.Ingress, r.bus, r.capture, r.logger)
		if err := r.ingress.Start(); err != nil {
			return fmt.Errorf("failed to start bus ingress: %w", err)
		}
	}
	return nil
}

// Handler is the full HTTP surface: probes, metrics, the capture socket and
// the sessions API.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(gateway.CORS(r.cfg.HTTP.AllowedOrigins))

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if r.metricHandler != nil {
		router.Handle("/metrics", r.metricHandler)
	}
	r.socket = gateway.NewSocketHandler(r.capture, gateway.SocketConfig{
		AllowedOrigins:  r.cfg.HTTP.AllowedOrigins,
		MaxMessageBytes: r.cfg.HTTP.MaxMessageBytes,
	}, r.logger)
	router.Handle("/ws", r.socket)
	router.Route("/api/sessions", gateway.NewSessionsHandler(r.store, r.logger).Routes)
	return router
}

// shutdown releases components in reverse dependency order. It tolerates a
// partially initialized runtime.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	// Shutdown skips hijacked connections.
	if r.socket != nil {
		r.socket.Close()
	}

	if r.ingress != nil {
		r.ingress.Close()
	}
	if r.capture != nil {
		r.capture.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("session store close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) tierNames() []string {
	if r.capture == nil {
		return nil
	}
	if chain, ok := r.capture.Transcriber().(*stt.Chain); ok {
		return chain.Tiers()
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if reason := r.notReady(req.Context()); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady(ctx context.Context) string {
	if !r.ready.Load() {
		return "starting"
	}
	if p, ok := r.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return "session store unreachable"
		}
	}
	if r.bus != nil && !r.bus.Healthy() {
		return "bus disconnected"
	}
	if r.ingress != nil && !r.ingress.Healthy() {
		return "bus ingress stopped"
	}
	return ""
}
