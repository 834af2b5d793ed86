// Command vocorch is the voice orchestrator daemon: it wires the audio
// source, model session, tool dispatcher, subagent/builder HTTP clients,
// process supervisors, event store, and dashboard server together and runs
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"google.golang.org/genai"

	"github.com/basket/vocorch/internal/audio"
	"github.com/basket/vocorch/internal/audit"
	"github.com/basket/vocorch/internal/builder"
	"github.com/basket/vocorch/internal/bus"
	"github.com/basket/vocorch/internal/config"
	"github.com/basket/vocorch/internal/dashboard"
	"github.com/basket/vocorch/internal/dispatch"
	"github.com/basket/vocorch/internal/modelsession"
	"github.com/basket/vocorch/internal/monitor"
	otelpkg "github.com/basket/vocorch/internal/otel"
	"github.com/basket/vocorch/internal/policy"
	"github.com/basket/vocorch/internal/promptmanager"
	"github.com/basket/vocorch/internal/relay"
	"github.com/basket/vocorch/internal/safety"
	"github.com/basket/vocorch/internal/sandbox"
	"github.com/basket/vocorch/internal/sse"
	"github.com/basket/vocorch/internal/statusview"
	"github.com/basket/vocorch/internal/store"
	"github.com/basket/vocorch/internal/subagent"
	"github.com/basket/vocorch/internal/supervisor"
	"github.com/basket/vocorch/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  VOCORCH_HOME            Data directory (default: ~/.vocorch)
  GEMINI_API_KEY          Required speech-model API key (configurable via model_api_key_env)
  TELEGRAM_BOT_TOKEN      Required when --source=telegram
  DISCORD_BOT_TOKEN       Required when --source=discord
`)
}

func main() {
	source := flag.String("source", "", "audio source: local|discord|telegram (overrides config)")
	opencodeURL := flag.String("opencode-url", "", "subagent HTTP server base URL (overrides config)")
	configPath := flag.String("config", "", "path to config.yaml")
	dashboardPort := flag.Int("dashboard-port", 0, "dashboard HTTP/WebSocket port (overrides config)")
	flag.Usage = printUsage
	flag.Parse()

	// TUI status view runs alongside the daemon whenever stdout is a real
	// terminal, mirroring the teacher's chat-REPL/TUI split: a piped or
	// backgrounded process gets plain JSON logs on stdout instead.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("VOCORCH_NO_TUI") == ""

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *source != "" {
		cfg.Source = config.AudioSourceKind(*source)
	}
	if *opencodeURL != "" {
		cfg.OpencodeURL = *opencodeURL
	}
	if *dashboardPort != 0 {
		cfg.DashboardPort = *dashboardPort
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "projects")
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_VALIDATE", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "source", cfg.Source)

	eventBus := bus.New()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "vocorch.db")
	taskStore, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer taskStore.Close()
	audit.SetDB(taskStore.DB())
	logger.Info("startup phase", "phase", "schema_ready")

	if err := taskStore.ReplayEvents(ctx, 0); err != nil {
		fatalStartup(logger, "E_EVENT_REPLAY", err)
	}
	logger.Info("startup phase", "phase", "events_replayed")

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) == "policy.yaml" {
				if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
				} else {
					logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
				}
			}
		}
	}()

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_MKDIR", err)
	}

	prompts, err := promptmanager.New(cfg.HomeDir, taskStore)
	if err != nil {
		fatalStartup(logger, "E_PROMPTMANAGER_INIT", err)
	}

	subagentSup := supervisor.New(supervisor.Config{
		ProgramName:   cfg.Subagent.Command,
		Args:          cfg.Subagent.Args,
		Host:          cfg.Subagent.Host,
		Port:          cfg.Subagent.Port,
		PIDFilePath:   filepath.Join(cfg.HomeDir, "subagent.pid"),
		HealthURL:     cfg.OpencodeURL + "/doc",
		HealthTimeout: cfg.Subagent.HealthTimeout,
		Logger:        logger,
	})
	if err := subagentSup.Start(ctx); err != nil {
		fatalStartup(logger, "E_SUBAGENT_START", err)
	}
	defer subagentSup.Stop()

	builderSup := supervisor.New(supervisor.Config{
		ProgramName:   cfg.Builder.Command,
		Args:          cfg.Builder.Args,
		Host:          cfg.Builder.Host,
		Port:          cfg.Builder.Port,
		PIDFilePath:   filepath.Join(cfg.HomeDir, "builder.pid"),
		HealthURL:     cfg.BuilderURL + "/doc",
		HealthTimeout: cfg.Builder.HealthTimeout,
		Logger:        logger,
	})
	if err := builderSup.Start(ctx); err != nil {
		fatalStartup(logger, "E_BUILDER_START", err)
	}
	defer builderSup.Stop()

	subagentClient := subagent.New(cfg.OpencodeURL, http.DefaultClient)
	builderClient := builder.New(cfg.BuilderURL)
	defer builderClient.Close()

	dash := dashboard.New(dashboard.Config{Store: taskStore, AllowOrigins: cfg.AllowOrigins, Logger: logger})

	subagentEvents := sse.NewSource("subagent", cfg.OpencodeURL, dash)
	builderEvents := sse.NewSource("builder", cfg.BuilderURL, dash)
	sseAgg := sse.NewAggregator()
	sseAgg.AddSource(subagentEvents)
	sseAgg.AddSource(builderEvents)
	dash.SetSessionsProvider(func() []any {
		sessions := sseAgg.GetAggregatedSessions()
		out := make([]any, len(sessions))
		for i, s := range sessions {
			out[i] = s
		}
		return out
	})

	relayState := relay.New(
		func(threadID, agent, message string) (string, error) {
			events, err := subagentClient.Engage(ctx, agent, message)
			if err != nil {
				return "", err
			}
			var final string
			for ev := range events {
				if ev.Type == "complete" {
					final = ev.Content
				}
			}
			return final, nil
		},
		func(text string) {
			dash.Broadcast(dashboard.TypeActivity, map[string]any{"voice_feedback": text})
		},
	)

	dockerSandbox, err := sandbox.NewDockerSandbox(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB, cfg.Sandbox.NetworkMode)
	if err != nil {
		logger.Warn("docker sandbox unavailable; quick_dispatch escalation disabled", "error", err)
		dockerSandbox = nil
	} else {
		defer dockerSandbox.Close()
	}

	dispatcher := dispatch.New(dispatch.Dependencies{
		Store:         taskStore,
		Prompts:       prompts,
		Subagents:     subagentClient,
		Builders:      builderClient,
		Policy:        pol,
		WorkspaceRoot: cfg.WorkspaceRoot,
		MemoryLogPath: filepath.Join(cfg.HomeDir, "memory.jsonl"),
		Logger:        logger,
		Relay:         relayState,
		StartBuilderProject: func(ctx context.Context, project string) error {
			return builderSup.Start(ctx)
		},
		Sanitizer: safety.NewSanitizer(),
		Metrics:   metrics,
		Model:     cfg.Model,
		Sandbox:   dockerSandbox,
	})

	mon := monitor.New(monitor.Config{
		Store:    taskStore,
		Interval: time.Duration(cfg.MonitorIntervalSeconds) * time.Second,
		Logger:   logger,
		OnCompletion: func(taskID string, status monitor.BuilderStatus, meta map[string]any) {
			dash.Broadcast(dashboard.TypeTaskEvent, map[string]any{"task_id": taskID, "status": status})
		},
	})
	mon.RegisterBuilder("claude-code", builderClient)
	mon.RegisterBuilder("opencode-fast", builderClient)
	mon.Start(ctx)
	defer mon.Stop()

	audioSource, err := buildAudioSource(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIO_SOURCE_INIT", err)
	}
	if err := audioSource.Start(ctx); err != nil {
		fatalStartup(logger, "E_AUDIO_SOURCE_START", err)
	}
	defer audioSource.Stop()

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.ModelAPIKey(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		fatalStartup(logger, "E_GENAI_CLIENT_INIT", err)
	}
	transport := modelsession.NewLiveTransport(genaiClient, cfg.Model)
	session := modelsession.New(transport, dispatcher.HandleToolCalls, logger)
	session.SetAnnouncePump(func(ctx context.Context) {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				relayState.Tick()
			}
		}
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler: dash.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	go subagentEvents.Run(ctx)
	go builderEvents.Run(ctx)

	if err := session.Connect(ctx, nil, ""); err != nil {
		fatalStartup(logger, "E_MODEL_SESSION_CONNECT", err)
	}

	reconnectCh := make(chan struct{}, 1)
	go runReconnectCoordinator(ctx, session, reconnectCh, logger)
	go runAudioSendLoop(ctx, audioSource, session, relayState, reconnectCh, logger)
	go runResponseProcessLoop(ctx, audioSource, session, relayState, reconnectCh, logger)

	startedAt := time.Now()
	if interactive {
		go func() {
			err := statusview.Run(ctx, func() statusview.Snapshot {
				active, _ := taskStore.GetActiveTasks(ctx)
				inbox, _ := taskStore.GetInbox(ctx, true, "", 0)
				return statusview.Snapshot{
					ConnectionHealthy: session.IsConnectionHealthy(10 * time.Second),
					ActiveTasks:       len(active),
					WSClients:         dash.ClientCount(),
					Generating:        relayState.IsGenerating(),
					AmbientOn:         relayState.AmbientOn(),
					PendingInbox:      len(inbox),
					Uptime:            time.Since(startedAt),
				}
			})
			if err != nil && err != context.Canceled {
				logger.Warn("status view exited", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("dashboard server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildAudioSource(cfg *config.Config, logger *slog.Logger) (audio.Source, error) {
	switch cfg.Source {
	case config.SourceLocal:
		return audio.NewLocalSource(os.Stdin, os.Stdout, logger), nil
	case config.SourceTelegram:
		return audio.NewTelegramSource(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, logger), nil
	case config.SourceDiscord:
		return audio.NewDiscordSource(cfg.Discord.Token, cfg.Discord.GuildID, cfg.Discord.ChannelID, logger), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
