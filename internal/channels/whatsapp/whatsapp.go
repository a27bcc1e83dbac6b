// Package whatsapp connects to a WhatsApp bridge process over WebSocket.
// The bridge (whatsapp-web.js based) owns the WhatsApp protocol and the
// browser session; this channel only speaks JSON frames to it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/ohrelay/internal/bus"
	"github.com/nextlevelbuilder/ohrelay/internal/channels"
	"github.com/nextlevelbuilder/ohrelay/internal/config"
)

// Channel relays messages between the bridge WebSocket and the bus.
type Channel struct {
	*channels.BaseChannel
	config  config.WhatsAppConfig
	limiter *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	perMinute := cfg.SendRatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		config:      cfg,
		limiter:     rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 5),
	}, nil
}

// Start connects to the bridge and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// reconnect loop keeps trying
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop shuts the channel down.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.SetRunning(false)
	return nil
}

// Connected reports whether the bridge socket is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send delivers a reply (or a typing indicator) to the bridge, throttled
// by the configured send rate so the WhatsApp account is not flagged.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Typing {
		return c.writeJSON(map[string]any{
			"type": "typing",
			"to":   msg.ChatID,
		})
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate wait: %w", err)
	}

	return c.writeJSON(map[string]any{
		"type":    "message",
		"to":      msg.ChatID,
		"content": msg.Content,
	})
}

func (c *Channel) writeJSON(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop reads bridge messages with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()

			continue
		}

		var msg bridgeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Warn("invalid whatsapp bridge JSON", "error", err)
			continue
		}

		if msg.Type == "message" {
			c.handleIncomingMessage(msg)
		}
	}
}

// bridgeMessage is the inbound frame from the bridge.
type bridgeMessage struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	FromSelf bool   `json:"from_self"`
	Chat     string `json:"chat"`
	Content  string `json:"content"`
	ID       string `json:"id"`
}

func (c *Channel) handleIncomingMessage(msg bridgeMessage) {
	if msg.From == "" {
		return
	}

	// Messages sent by the relay's own account echo back from the bridge.
	if msg.FromSelf {
		return
	}

	chatID := msg.Chat
	if chatID == "" {
		chatID = msg.From
	}

	// WhatsApp group chats end in "@g.us"
	peerKind := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = "group"
	}
	if !c.CheckPolicy(peerKind, channels.GroupPolicy(c.config.GroupPolicy)) {
		slog.Debug("whatsapp message rejected by group policy", "sender_id", msg.From)
		return
	}
	if !c.IsAllowed(msg.From) {
		slog.Debug("whatsapp message rejected by allowlist", "sender_id", msg.From)
		return
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	metadata := map[string]string{}
	if msg.ID != "" {
		metadata["message_id"] = msg.ID
	}

	slog.Debug("whatsapp message received",
		"sender_id", msg.From,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(msg.From, msg.FromName, chatID, content, false, metadata)
}
