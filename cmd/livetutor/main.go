// Command livetutor is the entry point for the real-time voice English tutor.
//
// It captures the microphone, streams it to a live speech model, plays the
// spoken replies through the speakers and serves the conversation state over
// HTTP for a presentation client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dewayanto/livetutor/internal/app"
	"github.com/dewayanto/livetutor/internal/config"
	"github.com/dewayanto/livetutor/internal/conversation"
	"github.com/dewayanto/livetutor/internal/health"
	"github.com/dewayanto/livetutor/internal/observe"
	"github.com/dewayanto/livetutor/internal/session"
	"github.com/dewayanto/livetutor/internal/web"
	"github.com/dewayanto/livetutor/pkg/audio"
	"github.com/dewayanto/livetutor/pkg/audio/capture"
	"github.com/dewayanto/livetutor/pkg/audio/playback"
	"github.com/dewayanto/livetutor/pkg/provider/live"
	"github.com/dewayanto/livetutor/pkg/provider/live/gemini"
	"github.com/dewayanto/livetutor/pkg/provider/live/genai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livetutor.yaml", "path to the YAML configuration file")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchable, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livetutor: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logLevel slog.LevelVar
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel})))

	// ── Credential ────────────────────────────────────────────────────────────
	apiKey, err := cfg.Provider.Credential()
	if err != nil {
		slog.Error("no API key: set provider.api_key_env, GEMINI_API_KEY or API_KEY", "err", err)
		return 1
	}

	slog.Info("livetutor starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		LiveProvider:   cfg.Provider.Name,
		Model:          cfg.Provider.Model,
		Voice:          cfg.Provider.Voice,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := reg.CreateProvider(cfg.Provider, apiKey)
	if err != nil {
		slog.Error("failed to build live provider", "err", err)
		return 1
	}
	device, err := reg.CreateDevice(cfg.Audio.Capture)
	if err != nil {
		slog.Error("failed to build capture device", "err", err)
		return 1
	}
	sink, err := reg.CreateOutput(cfg.Audio.Playback, audio.PlaybackFormat)
	if err != nil {
		slog.Error("failed to open playback output", "err", err)
		return 1
	}
	defer sink.Close()

	// ── Application ───────────────────────────────────────────────────────────
	speaker := playback.NewStreamContext(sink, audio.PlaybackFormat, playback.WithTick(cfg.Audio.Playback.Tick))
	defer speaker.Close()

	var captureOpts []capture.Option
	if n := cfg.Audio.Capture.FrameSize; n > 0 {
		captureOpts = append(captureOpts, capture.WithFrameSize(n))
	}

	state := conversation.New()
	coord := session.New(session.Config{
		Provider:       provider,
		Device:         device,
		Output:         speaker,
		Listener:       state,
		Model:          cfg.Provider.Model,
		Voice:          cfg.Provider.Voice,
		ClampSamples:   cfg.Audio.Capture.Clamp,
		CaptureOptions: captureOpts,
	})
	application := app.New(state, coord, app.WithPrompts(app.PromptsFromConfig(cfg.Tutor)))

	// ── Hot reload ────────────────────────────────────────────────────────────
	if watchable {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(config.Diff(old, new), new, &logLevel, application)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	checks := []health.Checker{
		health.Credential(cfg.Provider.Credential),
		health.Binary("capture", cfg.Audio.Capture.Path, "ffmpeg"),
	}
	if cfg.Audio.Playback.Output == config.OutputFFplay {
		checks = append(checks, health.Binary("playback", cfg.Audio.Playback.Path, "ffplay"))
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           web.New(application, web.WithHealth(health.New(checks...))).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return speaker.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)
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

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// The session first, so its playback flush and close happen while
		// the output clock still runs.
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Warn("session shutdown error", "err", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing file yields the defaults and disables hot
// reload; the watchable result reports whether the file exists.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist):
		return config.Default(), false, nil
	default:
		return nil, false, err
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, a *app.App) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TutorChanged() {
		a.UpdatePrompts(app.PromptsFromConfig(cfg.Tutor))
		slog.Info("tutor content reloaded",
			"greeting_changed", d.GreetingChanged,
			"base_prompt_changed", d.BasePromptChanged,
			"levels", d.PromptsChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ── Builtins ──────────────────────────────────────────────────────────────────

// registerBuiltins wires the transports, devices and outputs that ship with
// livetutor into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterProvider("gemini-live", func(e config.ProviderConfig, apiKey string) (live.Provider, error) {
		return gemini.New(apiKey,
			gemini.WithModel(e.Model),
			gemini.WithVoice(e.Voice),
			gemini.WithBaseURL(e.BaseURL),
		), nil
	})
	reg.RegisterProvider("genai", func(e config.ProviderConfig, apiKey string) (live.Provider, error) {
		return genai.New(apiKey,
			genai.WithModel(e.Model),
			genai.WithVoice(e.Voice),
			genai.WithBaseURL(e.BaseURL),
		), nil
	})

	reg.RegisterDevice("ffmpeg", func(e config.CaptureConfig) (capture.Device, error) {
		return &capture.FFmpegDevice{
			Path:        e.Path,
			InputFormat: e.InputFormat,
			Input:       e.Input,
			SampleRate:  e.SampleRate,
			Channels:    e.Channels,
		}, nil
	})

	reg.RegisterOutput(config.OutputFFplay, func(e config.PlaybackConfig, f audio.Format) (io.WriteCloser, error) {
		return playback.NewFFplaySink(e.Path, f)
	})
	reg.RegisterOutput(config.OutputDiscard, func(config.PlaybackConfig, audio.Format) (io.WriteCloser, error) {
		return playback.DiscardSink{}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livetutor: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", orDefault(cfg.Provider.Model))
	printRow("Voice", orDefault(cfg.Provider.Voice))
	printRow("Capture", cfg.Audio.Capture.Device)
	printRow("Playback", string(cfg.Audio.Playback.Output))
	printRow("Prompt overrides", fmt.Sprint(len(cfg.Tutor.OverriddenLevels())))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-16s: %-19s ║\n", label, value)
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
