// Package main is the entry point for the TwinClaw runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avimaybee/TwinClaw-sub002/internal/buildinfo"
	"github.com/avimaybee/TwinClaw-sub002/internal/channel/telegram"
	"github.com/avimaybee/TwinClaw-sub002/internal/channel/whatsapp"
	"github.com/avimaybee/TwinClaw-sub002/internal/chunker"
	"github.com/avimaybee/TwinClaw-sub002/internal/config"
	"github.com/avimaybee/TwinClaw-sub002/internal/connwatch"
	"github.com/avimaybee/TwinClaw-sub002/internal/delegation"
	"github.com/avimaybee/TwinClaw-sub002/internal/delivery"
	"github.com/avimaybee/TwinClaw-sub002/internal/dispatcher"
	"github.com/avimaybee/TwinClaw-sub002/internal/eventhub"
	"github.com/avimaybee/TwinClaw-sub002/internal/gateway"
	"github.com/avimaybee/TwinClaw-sub002/internal/health"
	"github.com/avimaybee/TwinClaw-sub002/internal/httpapi"
	"github.com/avimaybee/TwinClaw-sub002/internal/pairing"
	"github.com/avimaybee/TwinClaw-sub002/internal/producer"
	"github.com/avimaybee/TwinClaw-sub002/internal/scheduler"
	"github.com/avimaybee/TwinClaw-sub002/internal/signature"
	"github.com/avimaybee/TwinClaw-sub002/internal/store"
	"github.com/avimaybee/TwinClaw-sub002/internal/webhook"
	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
			return
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	fmt.Println("TwinClaw - Autonomous Chat Agent Runtime")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the runtime (channel adapters + control plane)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// channelSender implements delivery.Sender by routing outbound chunks
// to whichever channel adapter registered under that platform name.
type channelSender struct {
	telegram *telegram.Adapter
	whatsapp *whatsapp.Adapter
}

func (s *channelSender) Send(ctx context.Context, platform, chatID, body string) error {
	switch platform {
	case "telegram":
		if s.telegram == nil {
			return fmt.Errorf("telegram adapter not configured")
		}
		return s.telegram.SendText(ctx, chatID, body)
	case "whatsapp":
		if s.whatsapp == nil {
			return fmt.Errorf("whatsapp adapter not configured")
		}
		return s.whatsapp.SendText(ctx, chatID, body)
	default:
		return fmt.Errorf("unknown channel platform %q", platform)
	}
}

// runtime bundles every component that needs a coordinated shutdown.
type runtime struct {
	logger     *slog.Logger
	st         *store.Store
	schedStore *scheduler.Store
	queue      *delivery.Queue
	dispatch   *dispatcher.Dispatcher
	hub        *eventhub.Hub
	prod       *producer.Producer
	sched      *scheduler.Scheduler
	telegram   *telegram.Adapter
	whatsapp   *whatsapp.Adapter
	httpServer *http.Server
	watchers   *connwatch.Manager
}

// Halt implements httpapi.Halter, driving the same shutdown sequence
// as a SIGTERM/SIGINT but triggered over the signed control plane.
func (r *runtime) Halt(ctx context.Context) error {
	r.shutdown(ctx)
	return nil
}

func (r *runtime) shutdown(ctx context.Context) {
	if r.telegram != nil {
		r.telegram.Stop()
	}
	if r.whatsapp != nil {
		r.whatsapp.Stop()
	}
	if r.dispatch != nil {
		r.dispatch.Stop()
	}
	if r.queue != nil {
		r.queue.Stop(10 * time.Second)
	}
	if r.sched != nil {
		r.sched.Stop()
	}
	if r.prod != nil {
		r.prod.Stop()
	}
	if r.hub != nil {
		r.hub.Shutdown()
	}
	if r.watchers != nil {
		r.watchers.Stop()
	}
	if r.httpServer != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = r.httpServer.Shutdown(shutCtx)
	}
	if r.schedStore != nil {
		_ = r.schedStore.Close()
	}
	if r.st != nil {
		_ = r.st.Close()
	}
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting TwinClaw", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}

	rt := &runtime{logger: logger}

	st, err := store.Open(dataDir + "/twinclaw.db")
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	rt.st = st
	logger.Info("store opened", "path", dataDir+"/twinclaw.db")

	// Gateway collaborator: backs message processing, STT, and
	// delegation sub-agent execution.
	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Timeout: time.Duration(cfg.Gateway.TimeoutSec) * time.Second,
	})

	// Pairing authority (C3).
	pairingAuthority := pairing.New(st, logger, cfg.Pairing.MaxPendingPerChannel)
	for channel, ids := range cfg.Pairing.SeedAllowFrom {
		if err := pairingAuthority.SeedAllowFrom(channel, ids); err != nil {
			logger.Error("pairing seed allow-from failed", "channel", channel, "error", err)
		}
	}
	for channel, paths := range cfg.Pairing.SeedVCardFiles {
		if err := pairingAuthority.SeedAllowFromVCard(channel, paths); err != nil {
			logger.Error("pairing seed vcard failed", "channel", channel, "error", err)
		}
	}

	// Channel adapters (constructed before the sender so the delivery
	// queue has somewhere to send; Start happens after the dispatcher
	// wires its OnInbound callback below).
	sender := &channelSender{}
	if cfg.Telegram.Enabled {
		sender.telegram = telegram.New(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			WebhookURL:     cfg.Telegram.WebhookURL,
			PollTimeoutSec: cfg.Telegram.PollTimeoutSec,
			AudioDir:       dataDir + "/audio",
		}, logger)
	}
	if cfg.WhatsApp.Enabled {
		sender.whatsapp = whatsapp.New(whatsapp.Config{
			AccessToken:     cfg.WhatsApp.AccessToken,
			PhoneNumberID:   cfg.WhatsApp.PhoneNumberID,
			VerifyToken:     cfg.WhatsApp.VerifyToken,
			GraphAPIVersion: cfg.WhatsApp.GraphAPIVersion,
			AudioDir:        dataDir + "/audio",
		}, logger)
	}
	rt.telegram = sender.telegram
	rt.whatsapp = sender.whatsapp

	// Delivery queue (C7).
	queue := delivery.New(st, delivery.Config{
		BaseMs:        cfg.Delivery.BaseMs,
		Factor:        cfg.Delivery.Factor,
		MaxDelayMs:    cfg.Delivery.MaxDelayMs,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		TickMs:        cfg.Delivery.TickMs,
		HumanPacingMs: cfg.Delivery.HumanPacingMs,
	}, sender, logger)
	rt.queue = queue

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queue.Start(rootCtx); err != nil {
		logger.Error("failed to start delivery queue", "error", err)
		os.Exit(1)
	}

	boundary := chunker.BoundaryParagraph
	if cfg.Chunker.Boundary == "sentence" {
		boundary = chunker.BoundarySentence
	}

	// Inbound dispatcher (C8).
	policy := dispatcher.PolicyPairing
	if cfg.Pairing.Policy == "allowlist" {
		policy = dispatcher.PolicyAllowlist
	}
	dispatch := dispatcher.New(rootCtx, dispatcher.Config{
		Policy:        policy,
		DebounceMs:    cfg.Debounce.Millis,
		CoalesceAudio: cfg.Debounce.CoalesceAudio,
		Chunker: chunker.Config{
			MinChars: cfg.Chunker.MinChars,
			MaxChars: cfg.Chunker.MaxChars,
			Boundary: boundary,
		},
		HumanDelayMs: cfg.Delivery.HumanPacingMs,
	}, pairingAuthority, gw, gw, queue, logger)
	rt.dispatch = dispatch

	if sender.telegram != nil {
		sender.telegram.SetOnMessage(func(senderID, chatID, text, audioPath string) {
			dispatch.OnInbound(dispatcher.InboundMessage{
				Platform: "telegram", SenderID: senderID, ChatID: chatID, Text: text, AudioPath: audioPath,
			})
		})
		if err := sender.telegram.Start(rootCtx); err != nil {
			logger.Error("telegram adapter failed to start", "error", err)
		} else {
			logger.Info("telegram adapter started")
		}
	}
	if sender.whatsapp != nil {
		sender.whatsapp.SetOnMessage(func(senderID, chatID, text, audioPath string) {
			dispatch.OnInbound(dispatcher.InboundMessage{
				Platform: "whatsapp", SenderID: senderID, ChatID: chatID, Text: text, AudioPath: audioPath,
			})
		})
		logger.Info("whatsapp adapter configured (webhook-driven)")
	}

	// Webhook ingress (C9).
	webhookIngress := webhook.New(st, queue, gw, logger)

	// Delegation DAG orchestrator (C10).
	delegationOrchestrator := delegation.New(st, gw, delegation.Config{
		MaxNodes:       cfg.Delegation.MaxNodes,
		MaxDepth:       cfg.Delegation.MaxDepth,
		MaxConcurrency: cfg.Delegation.MaxConcurrency,
		NodeRetryLimit: cfg.Delegation.DefaultMaxRetries,
	}, logger)

	// Control-plane event hub + producer (C11/C12).
	hub := eventhub.New(eventhub.AuthenticatorFunc(func(token string) bool {
		return cfg.Signing.SecretEnv != "" && token == os.Getenv(cfg.Signing.SecretEnv)
	}), eventhub.Config{
		AuthTimeout:    time.Duration(cfg.EventHub.AuthTimeoutMs) * time.Millisecond,
		HeartbeatEvery: time.Duration(cfg.EventHub.HeartbeatMs) * time.Millisecond,
		MaxClientQueue: cfg.EventHub.MaxClientQueueKB * 1024,
	}, logger)
	rt.hub = hub

	healthAggregator := health.New()
	prod := producer.New(hub, time.Duration(cfg.EventHub.TickMs)*time.Millisecond, logger)
	prod.Register(eventhub.TopicReliability, func(ctx context.Context) any {
		stats, err := queue.GetStats()
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return stats
	})
	prod.Register(eventhub.TopicHealth, func(ctx context.Context) any {
		status, components := healthAggregator.Readiness()
		return map[string]any{"status": status, "components": components}
	})
	prod.Register(eventhub.TopicIncidents, func(ctx context.Context) any {
		events, err := st.RecentDagEvents(50)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return events
	})
	rt.prod = prod
	go prod.Run(rootCtx)

	// Doctor/readiness aggregator (C13).
	healthAggregator.Register("store", func() health.ComponentStatus {
		status := health.ComponentStatus{Name: "store", LastCheck: time.Now()}
		if err := st.DB().Ping(); err != nil {
			status.LastError = err.Error()
			return status
		}
		status.Ready = true
		return status
	})
	healthAggregator.Register("delivery_queue", func() health.ComponentStatus {
		return health.ComponentStatus{Name: "delivery_queue", Ready: true, LastCheck: time.Now()}
	})
	healthAggregator.Register("event_hub", func() health.ComponentStatus {
		return health.ComponentStatus{Name: "event_hub", Ready: true, LastCheck: time.Now()}
	})

	// The Gateway collaborator is the longest multi-second-to-minute
	// outage risk in the process (§7 "unavailable" kind), so it gets a
	// connwatch.Watcher rather than a synchronous ping baked into the
	// aggregator's own Checker.
	watchers := connwatch.NewManager(logger)
	rt.watchers = watchers
	gatewayWatcher := watchers.Watch(rootCtx, connwatch.WatcherConfig{
		Name:  "gateway",
		Probe: gw.Ping,
	})
	healthAggregator.Register("gateway", health.AdaptWatcher(gatewayWatcher))

	// Scheduler (C2) — drives the periodic sweeps named in spec.md.
	schedStore, err := scheduler.NewStore(dataDir + "/scheduler.db")
	if err != nil {
		logger.Error("failed to open scheduler store", "error", err)
		os.Exit(1)
	}
	rt.schedStore = schedStore

	if err := seedRecurringTask(schedStore, "pairing_sweep", scheduler.PayloadPairingSweep, pairing.SweepInterval()); err != nil {
		logger.Error("failed to seed pairing sweep task", "error", err)
		os.Exit(1)
	}

	executeTask := func(ctx context.Context, task *scheduler.Task, execution *scheduler.Execution) error {
		switch task.Payload.Kind {
		case scheduler.PayloadQueueSweep:
			return nil // the queue already ticks itself via its own ticker; this sweep is a redundant nudge reserved for future backlog draining
		case scheduler.PayloadPairingSweep:
			_, err := pairingAuthority.Sweep(time.Now())
			return err
		case scheduler.PayloadDagTimeoutSweep:
			return nil // DAG nodes honor their own context deadlines; this sweep is a placeholder for a future stuck-job reaper
		default:
			logger.Warn("unknown scheduled payload kind", "kind", task.Payload.Kind)
			return nil
		}
	}
	sched := scheduler.New(logger, schedStore, executeTask)
	if err := sched.Start(rootCtx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	rt.sched = sched

	// HTTP control plane.
	verifier := signature.New(os.Getenv(cfg.Signing.SecretEnv))
	apiServer := httpapi.New(verifier, healthAggregator, queue, webhookIngress, hub, rt, delegationOrchestrator, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: apiServer,
	}
	if sender.whatsapp != nil {
		mux := http.NewServeMux()
		mux.Handle("/", apiServer)
		mux.HandleFunc("/channels/whatsapp/webhook", sender.whatsapp.HandleWebhook)
		httpServer.Handler = mux
	}
	if sender.telegram != nil && cfg.Telegram.WebhookURL != "" {
		mux, ok := httpServer.Handler.(*http.ServeMux)
		if !ok {
			mux = http.NewServeMux()
			mux.Handle("/", apiServer)
			httpServer.Handler = mux
		}
		mux.HandleFunc("/channels/telegram/webhook", sender.telegram.HandleWebhook)
	}
	rt.httpServer = httpServer

	go func() {
		logger.Info("control plane listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()
	rt.shutdown(context.Background())
	logger.Info("TwinClaw stopped")
}

// seedRecurringTask idempotently ensures a named recurring scheduler
// task exists, so the sweeps named in spec.md (pairing expiry, etc.)
// run without requiring a separate onboarding step. Safe to call on
// every startup: an existing task with the same name is left alone.
func seedRecurringTask(store *scheduler.Store, name string, kind scheduler.PayloadKind, every time.Duration) error {
	existing, err := store.GetTaskByName(name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	now := time.Now()
	return store.CreateTask(&scheduler.Task{
		ID:   uuid.NewString(),
		Name: name,
		Schedule: scheduler.Schedule{
			Kind:  scheduler.ScheduleEvery,
			Every: &scheduler.Duration{Duration: every},
		},
		Payload:   scheduler.Payload{Kind: kind},
		Enabled:   true,
		CreatedAt: now,
		CreatedBy: "system",
		UpdatedAt: now,
	})
}
