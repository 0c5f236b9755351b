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

	"github.com/loqalabs/loqa-mail/internal/bus"
	"github.com/loqalabs/loqa-mail/internal/compose"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/dictation"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/interview"
	"github.com/loqalabs/loqa-mail/internal/llm"
	"github.com/loqalabs/loqa-mail/internal/natsserver"
	"github.com/loqalabs/loqa-mail/internal/protocol"
	"github.com/loqalabs/loqa-mail/internal/router"
	"go.opentelemetry.io/otel"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	telemetry   *telemetry
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *history.Store
	llm         *llm.Service
	composer    *compose.Composer
	interviewer interview.Interviewer
	router      *router.Service
	dictation   *dictation.Service
	hub         *hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every service, serves HTTP until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	r.metrics = tel.scrape

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		_ = tel.shutdown(context.Background())
		return err
	}
	if err := tel.observeClients(r.hub); err != nil {
		r.logger.Warn("websocket client gauge unavailable", slogError(err))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		r.metricsSrv = &http.Server{Addr: bind, Handler: r.metrics, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsSrv, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.hub != nil {
		r.hub.shutdown()
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.stopServices()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if err := r.store.RegisterMetrics(otel.Meter("github.com/loqalabs/loqa-mail/internal/history")); err != nil {
		r.logger.Warn("history metrics unavailable", slogError(err))
	}

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return err
	}
	r.llm = llm.NewService(ctx, r.cfg.LLM, r.bus, generator, r.logger)
	if err := r.llm.Start(); err != nil {
		return err
	}

	r.composer, err = compose.NewComposer(generator, r.store, r.cfg.Compose, r.cfg.LLM.Temperature, r.logger)
	if err != nil {
		return err
	}
	r.interviewer = interview.NewLLMInterviewer(generator, r.cfg.Interview, r.cfg.LLM.Temperature, r.logger)

	r.router = router.NewService(ctx, r.cfg.Interview, r.cfg.LLM.Temperature, r.bus, r.store, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	r.dictation, err = dictation.NewService(ctx, r.cfg.Capture, r.bus, r.store, r.logger)
	if err != nil {
		return err
	}
	if err := r.dictation.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	r.hub = newHub(r.logger)
	if err := r.hub.attach(r.bus.Conn(), "capture.>", protocol.SubjectInterviewReply, protocol.SubjectLLMResponsePartial); err != nil {
		return fmt.Errorf("attach ws hub: %w", err)
	}
	return nil
}

func (r *Runtime) stopServices() {
	if r.dictation != nil {
		r.dictation.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.llm != nil {
		r.llm.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("history close failed", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

// healthy reports whether every started component is usable.
func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.llm != nil && !r.llm.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	if r.dictation != nil && !r.dictation.Healthy() {
		return false
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
