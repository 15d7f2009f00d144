package callagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/hrcall/pkg/api"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/observers"
	"github.com/harunnryd/hrcall/pkg/redact"
	"github.com/harunnryd/hrcall/pkg/runner"
	"github.com/harunnryd/hrcall/pkg/sequencer"
	"github.com/harunnryd/hrcall/pkg/session"
	"github.com/harunnryd/hrcall/pkg/store"
	"github.com/harunnryd/hrcall/pkg/store/filestore"
	"github.com/harunnryd/hrcall/pkg/store/redisstore"
	"github.com/harunnryd/hrcall/pkg/store/sqlstore"
	"github.com/harunnryd/hrcall/pkg/transports"
	"github.com/harunnryd/hrcall/pkg/transports/twilio"
	"github.com/harunnryd/hrcall/pkg/transports/ws"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Store overrides the configured backend.
	Store  store.Gateway
	Logger *slog.Logger
	// Banner receives the startup banner; nil keeps stdout.
	Banner io.Writer
}

// Engine owns every long-lived component of the service.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	providers  *ProviderRegistry
	registry   *session.Registry
	seq        *sequencer.Sequencer
	store      store.Gateway
	transports []transports.Transport
	twilio     *twilio.Transport
	api        *api.Server
	mux        *http.ServeMux
	server     *http.Server
	runner     *runner.LifecycleRunner
	asyncObs   *metrics.AsyncObserver
	scheduler  *cron.Cron
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("hrcall_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"store_backend", cfg.Store.Backend,
		"twilio_enabled", cfg.Twilio.Enabled,
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promObs := observers.NewPrometheusObserver(promReg)

	latencyObs := observers.NewLatencyObserver(logger)
	logObs := observers.NewLoggerObserver(logger)
	var timelineObs *observers.TimelineObserver
	var usageObs *observers.UsageObserver
	obsList := []metrics.Observer{latencyObs, logObs, promObs}
	dir := strings.TrimSpace(cfg.Observability.ArtifactsDir)
	if dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			purgeArtifacts(logger, dir, cfg.Observability.RetentionDays)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		usageObs = observers.NewUsageObserver(dir)
		obsList = append(obsList, timelineObs, usageObs)
	}
	var eventsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.EventsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		eventsFile = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)
	obs := metrics.NewSamplingObserver(asyncObs, cfg.Observability.MetricsSampleRate, metrics.EventAudioIn)
	built := false
	defer func() {
		if built {
			return
		}
		asyncObs.Close()
		if eventsFile != nil {
			_ = eventsFile.Close()
		}
	}()

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	transcriber, err := providers.BuildSTT(cfg)
	if err != nil {
		return nil, err
	}
	generator, err := providers.BuildLLM(ctx, cfg, obs)
	if err != nil {
		return nil, err
	}
	synthesizer, err := providers.BuildTTS(cfg)
	if err != nil {
		return nil, err
	}

	gateway := opts.Store
	if gateway == nil {
		gateway, err = OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	registry := session.NewRegistry()
	seq, err := sequencer.New(cfg.SequencerConfig(), sequencer.Deps{
		Registry:    registry,
		Transcriber: transcriber,
		Generator:   generator,
		Synthesizer: synthesizer,
		Store:       gateway,
		Observer:    obs,
		Logger:      logging.NewComponentLogger(logger, "sequencer"),
	})
	if err != nil {
		_ = gateway.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	var list []transports.Transport
	list = append(list, ws.New(ws.Config{
		Path:           cfg.Server.WSPath,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, seq))
	var twilioTransport *twilio.Transport
	if cfg.Twilio.Enabled {
		twilioTransport = twilio.New(cfg.TwilioTransportConfig(), seq)
		list = append(list, twilioTransport)
	}
	for _, t := range list {
		t.Mount(mux)
	}
	apiServer := api.New(api.Options{
		Store:    gateway,
		Registry: registry,
		Metrics:  promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Version:  runner.Version,
		Logger:   logger,
	})
	apiServer.Mount(mux)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		providers:  providers,
		registry:   registry,
		seq:        seq,
		store:      gateway,
		transports: list,
		twilio:     twilioTransport,
		api:        apiServer,
		mux:        mux,
		asyncObs:   asyncObs,
	}
	e.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if dir != "" && cfg.Observability.RetentionDays > 0 && strings.TrimSpace(cfg.Observability.RetentionSchedule) != "" {
		e.scheduler = cron.New()
		days := cfg.Observability.RetentionDays
		if _, err := e.scheduler.AddFunc(cfg.Observability.RetentionSchedule, func() {
			purgeArtifacts(logger, dir, days)
		}); err != nil {
			_ = gateway.Close()
			return nil, fmt.Errorf("observability.retention_schedule: %w", err)
		}
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{
				"message", "HR Call Agent Ready",
				"addr", cfg.Server.Addr,
				"stt", transcriber.Name(),
				"llm", generator.Name(),
				"tts", synthesizer.Name(),
			}
			for _, t := range list {
				if rr, ok := t.(transports.ReadyReporter); ok {
					for k, v := range rr.ReadyFields() {
						fields = append(fields, t.Name()+"_"+k, v)
					}
				}
			}
			if e.scheduler != nil {
				e.scheduler.Start()
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if e.scheduler != nil {
				<-e.scheduler.Stop().Done()
			}
			asyncObs.Close()
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if usageObs != nil {
				_ = usageObs.Close()
			}
			if eventsFile != nil {
				_ = eventsFile.Close()
			}
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	drainTimeout := time.Duration(cfg.Server.DrainTimeoutMS) * time.Millisecond
	if drainTimeout <= 0 {
		drainTimeout = 20 * time.Second
	}
	drainer := runner.DrainFunc(func(ctx context.Context) error {
		registry.SetDraining(true)
		for _, t := range list {
			if err := t.Stop(); err != nil {
				logger.Warn("transport_stop_failed", "transport", t.Name(), "error", err)
			}
		}
		if !registry.WaitForEmpty(ctx, 200*time.Millisecond) {
			return fmt.Errorf("drain: %d calls still active: %w", registry.Count(), ctx.Err())
		}
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, drainTimeout).WithLogger(logger)
	if opts.Banner != nil {
		e.runner.WithBanner(opts.Banner)
	}
	built = true
	return e, nil
}

// OpenStore connects the configured persistence backend.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case StoreFile, "":
		fs, err := filestore.New(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StoreSQL:
		ss, err := sqlstore.Open(sqlstore.DefaultConfig(cfg.Driver, cfg.DSN))
		if err != nil {
			return nil, err
		}
		return ss, nil
	case StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		var opts []redisstore.Option
		if cfg.RedisPrefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.RedisPrefix))
		}
		return redisstore.New(client, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// Run serves HTTP until ctx is cancelled or the listener fails, then drains
// open calls, stops the server and closes the store.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Server.Addr, err)
	}
	return e.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range e.transports {
		if err := t.Start(gctx); err != nil {
			_ = ln.Close()
			return fmt.Errorf("start %s transport: %w", t.Name(), err)
		}
	}

	g.Go(func() error {
		e.logger.Info("http_server_listening", "addr", ln.Addr().String())
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http_server_error", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		runErr := e.runner.Run(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("http_server_shutdown_failed", "error", err)
		}
		if runErr != nil {
			e.logger.Warn("drain_incomplete", "error", runErr)
		}
		return runErr
	})

	err := g.Wait()
	if cerr := e.store.Close(); cerr != nil {
		e.logger.Warn("store_close_failed", "error", cerr)
	}
	return err
}

// Stop drains and stops a running engine.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Handler serves the websocket, telephony and read API routes.
func (e *Engine) Handler() http.Handler { return e.mux }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Store() store.Gateway { return e.store }

func (e *Engine) Sequencer() *sequencer.Sequencer { return e.seq }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

// Dialer places outbound calls; nil when telephony is disabled.
func (e *Engine) Dialer() *twilio.Dialer {
	if e.twilio == nil {
		return nil
	}
	return e.twilio.Dialer()
}

func purgeArtifacts(logger *slog.Logger, dir string, days int) {
	removed, err := observers.PurgeArtifacts(dir, time.Duration(days)*24*time.Hour)
	if err != nil {
		logger.Warn("artifact_purge_failed", "dir", dir, "error", err)
		return
	}
	logger.Info("artifact_purge", "dir", dir, "removed", removed)
}
