package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/ohrelay/internal/bus"
	"github.com/nextlevelbuilder/ohrelay/internal/channels"
	"github.com/nextlevelbuilder/ohrelay/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/ohrelay/internal/config"
	"github.com/nextlevelbuilder/ohrelay/internal/openhands"
	"github.com/nextlevelbuilder/ohrelay/internal/relay"
	"github.com/nextlevelbuilder/ohrelay/internal/store"
	filestore "github.com/nextlevelbuilder/ohrelay/internal/store/file"
	"github.com/nextlevelbuilder/ohrelay/internal/store/pg"
	"github.com/nextlevelbuilder/ohrelay/internal/store/sqlite"
)

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// busSender publishes relay replies onto the bus for channel dispatch.
type busSender struct {
	bus     *bus.MessageBus
	channel string
}

func (s *busSender) SendText(replyTarget, text string) {
	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel: s.channel,
		ChatID:  replyTarget,
		Content: text,
	})
}

func (s *busSender) SendTyping(replyTarget string) {
	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel: s.channel,
		ChatID:  replyTarget,
		Typing:  true,
	})
}

func relayOptions(rc config.RelayConfig) relay.Options {
	return relay.Options{
		ShowThoughts:   rc.ShowThoughts,
		ShowOutputs:    rc.ShowOutputs,
		ShowFileOps:    rc.ShowFileOps,
		MaxReplyChars:  rc.MaxReplyChars,
		MaxOutputChars: rc.MaxOutputChars,
		ForwardTimeout: rc.ForwardTimeoutDuration(),
	}
}

func openConversationStore(ctx context.Context, cfg *config.Config) (store.ConversationStore, error) {
	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("conversation store: postgres")
		return pg.NewConversationStore(db), nil
	}

	dir := config.ExpandHome(cfg.Sessions.Storage)
	if cfg.Sessions.Backend == "file" {
		slog.Info("conversation store: file", "dir", dir)
		return filestore.NewConversationStore(dir)
	}
	slog.Info("conversation store: sqlite", "dir", dir)
	return sqlite.NewConversationStore(dir)
}

func runRelay() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	convStore, err := openConversationStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()
	manager := channels.NewManager(msgBus)

	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			slog.Error("failed to create whatsapp channel", "error", err)
			os.Exit(1)
		}
		manager.RegisterChannel("whatsapp", wa)
	} else {
		slog.Warn("whatsapp channel disabled; set channels.whatsapp.bridge_url or OHRELAY_BRIDGE_URL")
	}

	client := openhands.NewClient(cfg.Backend.BaseURL, cfg.Backend.SessionAPIKey)
	agentCh := openhands.NewAgentChannel(cfg.Backend.BaseURL, cfg.Backend.SessionAPIKey, cfg.Backend.ConnectTimeoutDuration())

	sender := &busSender{bus: msgBus, channel: "whatsapp"}
	tracker := relay.NewTracker()
	router := relay.NewRouter(tracker, func(ctx context.Context, text string) error {
		return agentCh.EmitUserMessage(ctx, text)
	}, sender.SendText, relayOptions(cfg.RelaySnapshot()))
	session := relay.NewSession(convStore, client, agentCh, tracker, router, sender)

	agentCh.OnEvent(session.HandleAgentEvent)
	agentCh.OnDisconnect(func(err error) {
		slog.Warn("agent channel dropped; will reconnect on next message", "error", err)
	})

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	go consumeInbound(ctx, msgBus, session)
	go runHealthCheck(ctx, client, agentCh, cfg.Backend.HealthIntervalDuration())

	watcher, err := config.NewWatcher(cfgPath, cfg, func(rc config.RelayConfig) {
		session.UpdateDisplayOptions(relayOptions(rc))
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
	}

	slog.Info("relay started",
		"backend", cfg.Backend.BaseURL,
		"version", Version,
	)

	<-ctx.Done()
	slog.Info("shutting down")

	if watcher != nil {
		watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Channel transport, agent channel, and store shut down independently:
	// one failing must not block the others.
	var g errgroup.Group
	g.Go(func() error { return manager.StopAll(shutdownCtx) })
	g.Go(func() error { return session.Close() })
	if err := g.Wait(); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("relay stopped")
}

// consumeInbound is the single relay loop: every user message from any
// channel funnels through the session in arrival order.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, session *relay.Session) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if msg.FromSelf {
			continue
		}
		session.OnInboundMessage(ctx, msg.SenderID, msg.SenderName, msg.Content, msg.ChatID)
	}
}

// runHealthCheck probes the backend periodically. When the backend goes
// unhealthy while the event channel is up, the channel is dropped so the
// next message triggers a clean reconnect.
func runHealthCheck(ctx context.Context, client *openhands.Client, agentCh *openhands.AgentChannel, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.Health(checkCtx)
			cancel()

			if err != nil {
				slog.Warn("backend health check failed", "error", err)
				if agentCh.Connected() {
					slog.Warn("disconnecting agent channel until backend recovers")
					agentCh.Disconnect()
				}
			}
		}
	}
}
