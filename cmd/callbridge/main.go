// Command callbridge answers phone calls with a realtime speech-to-speech
// model. Twilio media streams are accepted over WebSocket and bridged to the
// first healthy configured provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiendavoz/callbridge/internal/bridge"
	"github.com/tiendavoz/callbridge/internal/config"
	"github.com/tiendavoz/callbridge/internal/health"
	"github.com/tiendavoz/callbridge/internal/observe"
	"github.com/tiendavoz/callbridge/internal/resilience"
	"github.com/tiendavoz/callbridge/pkg/audio/telephony"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
	geminilive "github.com/tiendavoz/callbridge/pkg/provider/s2s/gemini"
	oais2s "github.com/tiendavoz/callbridge/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := newLogger(&level)
	slog.SetDefault(logger)

	// ── Load and watch configuration ──────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, old, new)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger, observe.NewSessionObserver(metrics))

	opener, err := buildFallback(cfg, reg, metrics, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Call manager ──────────────────────────────────────────────────────────
	var callOpts []telephony.CallOption
	if n := cfg.Telephony.StreamBuffer; n > 0 {
		callOpts = append(callOpts, telephony.WithStreamBuffer(n))
	}
	mgr := bridge.NewManager(bridge.ManagerConfig{
		Deps: bridge.Deps{
			Opener:   opener,
			Settings: watcher.Current,
			Metrics:  metrics,
			Logger:   logger,
		},
		MaxCalls:    cfg.Telephony.MaxCalls,
		CallOptions: callOpts,
	})

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	probes := health.New(
		health.CapacityCheck(mgr.Active, cfg.Telephony.MaxCalls),
		health.ProvidersCheck(func() []string { return availableProviders(opener) }),
	)
	probes.Register(mux)
	if path := cfg.Observe.MetricsPath; path != "" {
		mux.Handle("GET "+path, observe.MetricsHandler())
	}
	if cfg.Telephony.Enabled {
		mux.Handle("GET "+cfg.Telephony.StreamPath, mgr)
	}
	mux.HandleFunc("GET /calls", mgr.CallsHandler)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics, logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Serve until signalled ─────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…", "active_calls", mgr.Active())

		// Fail readiness first so no new calls are routed here.
		probes.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Media streams are hijacked connections that srv.Shutdown does not
		// track, so the manager ends them explicitly.
		return errors.Join(mgr.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in speech-to-speech providers into
// reg. Every session they create reports to obs.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger, obs s2s.Observer) {
	reg.Register(oais2s.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(logger), oais2s.WithObserver(obs)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		switch {
		case entry.Minter != nil && entry.Minter.URL != "":
			opts = append(opts, oais2s.WithMinter(newMinter(entry.Minter)))
		case entry.APIKey != "":
			opts = append(opts, oais2s.WithMinter(oais2s.StaticToken(entry.APIKey)))
		}
		return oais2s.New(opts...), nil
	})

	reg.Register(geminilive.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(logger), geminilive.WithObserver(obs)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

func newMinter(mc *config.MinterConfig) *oais2s.HTTPMinter {
	m := &oais2s.HTTPMinter{URL: mc.URL}
	if mc.Timeout > 0 {
		m.Client = &http.Client{Timeout: mc.Timeout}
	}
	if len(mc.Headers) > 0 {
		m.Header = make(http.Header, len(mc.Headers))
		for k, v := range mc.Headers {
			m.Header.Set(k, v)
		}
	}
	return m
}

// buildFallback instantiates every configured provider, primary first, behind
// a circuit breaker each.
func buildFallback(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, logger *slog.Logger) (*resilience.SessionFallback, error) {
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			Logger:       logger,
			OnStateChange: func(name string, _, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}

	var fb *resilience.SessionFallback
	for i, entry := range cfg.Providers.All() {
		p, err := reg.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "name", entry.Name, "model", entry.Model, "order", i)
		if fb == nil {
			fb = resilience.NewSessionFallback(p, fcfg)
			continue
		}
		fb.AddFallback(p)
	}
	if fb == nil {
		return nil, errors.New("no provider configured")
	}
	return fb, nil
}

// availableProviders lists the providers whose breaker admits new sessions.
func availableProviders(fb *resilience.SessionFallback) []string {
	var out []string
	states := fb.States()
	for _, name := range fb.Names() {
		if states[name] != resilience.StateOpen {
			out = append(out, name)
		}
	}
	return out
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyReload applies the parts of a changed config that take effect without
// a restart. Provider voice, model and instructions are picked up by the next
// call through the watcher's current config.
func applyReload(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, pc := range d.ProviderChanges {
		slog.Info("provider settings changed, applies to new calls",
			"slot", pc.Slot,
			"name", pc.Name,
			"voice", pc.VoiceChanged,
			"instructions", pc.InstructionsChanged,
			"model", pc.ModelChanged,
		)
	}
	if d.RestartRequired {
		slog.Warn("config changed fields that are only read at startup; restart to apply them")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       callbridge: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Primary", providerLabel(cfg.Providers.Primary))
	for i, fb := range cfg.Providers.Fallback {
		printRow(fmt.Sprintf("Fallback %d", i+1), providerLabel(fb))
	}
	if cfg.Telephony.Enabled {
		printRow("Media stream", cfg.Telephony.StreamPath)
	} else {
		printRow("Media stream", "(disabled)")
	}
	if cfg.Telephony.MaxCalls > 0 {
		printRow("Max calls", fmt.Sprint(cfg.Telephony.MaxCalls))
	} else {
		printRow("Max calls", "unlimited")
	}
	if cfg.Observe.MetricsPath != "" {
		printRow("Metrics", cfg.Observe.MetricsPath)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
