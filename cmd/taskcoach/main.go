package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskcoach/internal/bus"
	"github.com/basket/taskcoach/internal/channels"
	"github.com/basket/taskcoach/internal/config"
	"github.com/basket/taskcoach/internal/digest"
	"github.com/basket/taskcoach/internal/engine"
	otelPkg "github.com/basket/taskcoach/internal/otel"
	"github.com/basket/taskcoach/internal/persistence"
	"github.com/basket/taskcoach/internal/session"
	"github.com/basket/taskcoach/internal/telemetry"
	"github.com/basket/taskcoach/internal/todoist"
	"github.com/basket/taskcoach/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the local chat console

DAEMON MODE:
  %s -daemon                  Run the Telegram bot (no console, logs to stdout)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKCOACH_HOME          Data directory (default: ~/.taskcoach)
  TASKCOACH_NO_TUI        Set to 1 to disable the console (use with -daemon)
  TODOIST_API_TOKEN       Required
  TELEGRAM_TOKEN          Required for the Telegram channel
  GEMINI_API_KEY          Required for the Gemini provider
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TASKCOACH_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run the Telegram bot (no chat console, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) in interactive mode so the console stays clean.
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("taskcoach starting", "version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, using defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "taskcoach.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	todoistOpts := []todoist.Option{
		todoist.WithTimeout(time.Duration(cfg.Todoist.TimeoutSeconds) * time.Second),
		todoist.WithTracer(otelProvider.Tracer),
	}
	if cfg.Todoist.BaseURL != "" {
		todoistOpts = append(todoistOpts, todoist.WithBaseURL(cfg.Todoist.BaseURL))
	}
	tasks, err := todoist.NewClient(cfg.Todoist.Token, logger, todoistOpts...)
	if err != nil {
		fatalStartup(logger, "E_TODOIST_INIT", err)
	}

	// Cold-start connectivity check. A failure is logged, not fatal; each
	// session retries on its own cursor.
	go func() {
		checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if snapshot, _, err := tasks.ListTasks(checkCtx); err != nil {
			logger.Warn("todoist connectivity check failed", "error", err)
		} else {
			logger.Info("todoist reachable", "tasks", len(snapshot))
		}
	}()

	provider, model, apiKey := cfg.ResolveLLMConfig()
	brain := engine.NewGenkitBrain(ctx, engine.BrainConfig{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		Persona:                  cfg.COACH,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	eventBus := bus.New()
	registry := session.NewRegistry(tasks, brain, store, eventBus, logger, session.Options{
		HistoryLimit:   cfg.HistoryLimit,
		PruneCompleted: cfg.Todoist.PruneCompleted,
		TurnTimeout:    time.Duration(cfg.TurnTimeoutSeconds) * time.Second,
		Tracer:         otelProvider.Tracer,
	})

	// Hot-reload COACH.md edits into the brain.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if filepath.Base(ev.Path) != "COACH.md" {
					continue
				}
				if b, err := os.ReadFile(ev.Path); err == nil {
					brain.UpdatePersona(string(b))
					logger.Info("persona reloaded", "path", ev.Path)
				}
			}
		}()
	}

	if cfg.Digest.Enabled {
		sched, err := digest.NewScheduler(digest.Config{
			Registry: registry,
			Users:    store,
			Events:   eventBus,
			Logger:   logger,
			Schedule: cfg.Digest.Schedule,
		})
		if err != nil {
			fatalStartup(logger, "E_DIGEST_INIT", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	telegramEnabled := cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != ""
	if telegramEnabled {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			registry,
			logger.With("channel", "telegram"),
			eventBus,
		)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
				stop()
			}
		}()
	}

	if interactive {
		if err := tui.Run(ctx, tui.ChatConfig{Registry: registry, ModelName: model}); err != nil {
			logger.Error("chat console failed", "error", err)
		}
		return
	}

	if !telegramEnabled {
		logger.Warn("no channel enabled and console disabled; idling until shutdown")
	}
	<-ctx.Done()
	logger.Info("taskcoach shutting down")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskcoach","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv reads KEY=VALUE lines into the environment without overriding
// variables that are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
