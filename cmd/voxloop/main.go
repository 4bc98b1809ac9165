// Command voxloop runs a realtime voice session against a conversational
// model provider, reading mic audio from stdin and writing playback audio to
// stdout as raw PCM:
//
//	arecord -f S16_LE -c 1 -r 16000 | voxloop -config config.yaml | aplay -f S16_LE -c 1 -r 24000
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voxloop/internal/app"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/provider/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noMic := flag.Bool("no-mic", false, "do not read mic audio from stdin")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxloop: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Playback PCM goes to stdout, so all logging goes to stderr. The level
	// lives in a LevelVar so config reloads can change it at runtime.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(logLevel))

	slog.Info("voxloop starting",
		"config", *configPath,
		"backend", cfg.Provider.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitTelemetry(ctx, observe.TelemetryConfig{
		Service: "voxloop",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Engine ────────────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	engine, err := app.New(ctx, cfg,
		app.WithPlaybackSink(&stdoutSink{}),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}
	defer engine.Close()

	engine.OnState(func(s session.State) {
		slog.Info("session state changed", "state", s)
	})
	engine.OnError(func(err error) {
		slog.Warn("session error", "err", err)
	})
	engine.OnToolObserved(func(call realtime.ToolInvocation) {
		slog.Info("model requested tool", "tool", call.Name, "id", call.ID)
	})
	engine.OnTurn(func(turn transcript.Turn) {
		if turn.Synthetic {
			return
		}
		slog.Info("turn completed", "user", turn.User, "model", turn.Model)
	})

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Log level and gains apply live; everything else needs a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			slog.Info("config changed, but no hot-reloadable field differs; restart to apply")
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.InputGainChanged {
			engine.SetMicGain(d.NewInputGain)
			slog.Info("mic gain updated", "gain", d.NewInputGain)
		}
		if d.OutputGainChanged {
			engine.SetOutputGain(d.NewOutputGain)
			slog.Info("output gain updated", "gain", d.NewOutputGain)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Metrics endpoint (optional) ───────────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsSrv = newMetricsServer(cfg.Server.MetricsAddr, metrics, engine)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	if err := engine.Start(ctx); err != nil {
		slog.Error("failed to start voice session", "err", err)
		return 1
	}

	if !*noMic {
		if err := engine.AttachDevice(ctx, newStdinDevice(cfg.Audio.InputRate)); err != nil {
			slog.Error("failed to attach stdin capture", "err", err)
			return 1
		}
	}

	slog.Info("session ready — press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("session stop error", "err", err)
		return 1
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// newMetricsServer serves the Prometheus scrape endpoint plus liveness and
// readiness probes, instrumented with the observe middleware.
func newMetricsServer(addr string, metrics *observe.Metrics, engine *app.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(health.Check{
		Name: "session",
		Probe: func(context.Context) error {
			if st := engine.State(); st == session.StateError {
				return fmt.Errorf("session in state %s", st)
			}
			return nil
		},
	})
	h.Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          voxloop — startup            ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("Backend", string(cfg.Provider.Backend), cfg.Provider.Model)
	printRow("Voice", cfg.Provider.Voice, "")
	printRow("Codec", string(cfg.Audio.Codec), "")
	printRow("Summariser", cfg.Summariser.Backend, cfg.Summariser.Model)
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres", "")
	} else {
		printRow("Storage", "memory", "")
	}
	fmt.Fprintf(os.Stderr, "║  MCP servers  : %-22d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr, "")
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-12s : %-22s ║\n", kind, value)
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
