package openhands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventHandler receives each backend event in arrival order.
type EventHandler func(ev *Event)

// AgentChannel is the live event stream for one conversation. It never
// reconnects on its own: a dropped socket flips Connected to false and the
// orchestrator decides when to dial again.
type AgentChannel struct {
	baseURL        string
	apiKey         string
	connectTimeout time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	conversation string
	lastEventID  int64
	handler      EventHandler
	onDisconnect func(err error)
	cancelRead   context.CancelFunc

	writeMu sync.Mutex
}

// NewAgentChannel creates a channel for the backend at baseURL.
func NewAgentChannel(baseURL, apiKey string, connectTimeout time.Duration) *AgentChannel {
	if connectTimeout <= 0 {
		connectTimeout = 20 * time.Second
	}
	return &AgentChannel{
		baseURL:        baseURL,
		apiKey:         apiKey,
		connectTimeout: connectTimeout,
		lastEventID:    -1,
	}
}

// OnEvent sets the event handler. Must be called before Connect.
func (a *AgentChannel) OnEvent(h EventHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// OnDisconnect sets a callback invoked when the read loop exits with an
// error while the channel believed itself connected.
func (a *AgentChannel) OnDisconnect(f func(err error)) {
	a.mu.Lock()
	a.onDisconnect = f
	a.mu.Unlock()
}

// Connected reports whether the socket is live.
func (a *AgentChannel) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// ConversationID returns the conversation the channel is (or was last)
// attached to.
func (a *AgentChannel) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversation
}

// Connect tears down any previous socket, then dials the event stream for
// conversationID. Errors map to the taxonomy: ErrConnectTimeout, ErrAuth,
// or ErrTransport.
func (a *AgentChannel) Connect(ctx context.Context, conversationID string) error {
	a.Disconnect()

	a.mu.Lock()
	lastID := a.lastEventID
	if a.conversation != conversationID {
		lastID = -1
	}
	a.mu.Unlock()

	wsURL, err := socketURL(a.baseURL, conversationID, a.apiKey, lastID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: &http.Client{Timeout: a.connectTimeout},
	})
	if err != nil {
		// the socket URL carries the api key, keep it out of errors
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("dial event stream for %s: %w", conversationID, ErrConnectTimeout)
		}
		return fmt.Errorf("dial event stream for %s: %w: %v", conversationID, ErrTransport, err)
	}
	conn.SetReadLimit(1 << 22)

	if err := a.performHandshake(dialCtx, conn); err != nil {
		// CloseNow: after a rejected handshake the server will not answer a
		// close handshake, and waiting for one would eat the dial deadline.
		_ = conn.CloseNow()
		if errors.Is(err, ErrAuth) {
			return err
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("handshake: %w", ErrConnectTimeout)
		}
		return err
	}

	readCtx, cancelRead := context.WithCancel(context.Background())

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.conversation = conversationID
	if lastID == -1 {
		a.lastEventID = -1
	}
	a.cancelRead = cancelRead
	a.mu.Unlock()

	go a.readLoop(readCtx, conn)

	slog.Info("agent channel connected", "conversation_id", conversationID)
	return nil
}

// performHandshake runs the engine.io open + socket.io namespace connect.
func (a *AgentChannel) performHandshake(ctx context.Context, conn *websocket.Conn) error {
	// engine.io open: "0{...handshake json...}"
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read open packet: %w: %v", ErrTransport, err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return fmt.Errorf("%w: unexpected packet %q before open", ErrTransport, truncateFrame(data))
	}
	var hs handshake
	if err := json.Unmarshal(data[1:], &hs); err != nil {
		return fmt.Errorf("parse handshake: %w: %v", ErrTransport, err)
	}

	// socket.io namespace connect: send "40", expect "40{...}" back.
	if err := conn.Write(ctx, websocket.MessageText, []byte{eioMessage, sioConnect}); err != nil {
		return fmt.Errorf("send namespace connect: %w: %v", ErrTransport, err)
	}

	for {
		_, data, err = conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read namespace ack: %w: %v", ErrTransport, err)
		}
		if len(data) == 0 {
			continue
		}
		// The server may ping during connect.
		if data[0] == eioPing {
			if err := conn.Write(ctx, websocket.MessageText, []byte{eioPong}); err != nil {
				return fmt.Errorf("send pong: %w: %v", ErrTransport, err)
			}
			continue
		}
		if data[0] != eioMessage || len(data) < 2 {
			continue
		}
		switch data[1] {
		case sioConnect:
			return nil
		case sioConnectError:
			return fmt.Errorf("namespace connect rejected: %w: %s", ErrAuth, truncateFrame(data[2:]))
		default:
			// Event before the ack would be out of order; keep waiting.
		}
	}
}

func (a *AgentChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	var readErr error

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			break
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case eioPing:
			a.writeFrame(ctx, conn, []byte{eioPong})
		case eioClose:
			readErr = errors.New("server sent close packet")
		case eioMessage:
			a.handleMessage(data)
		}
		if readErr != nil {
			break
		}
	}

	a.mu.Lock()
	wasConnected := a.connected && a.conn == conn
	if wasConnected {
		a.connected = false
	}
	onDisconnect := a.onDisconnect
	a.mu.Unlock()

	if wasConnected && ctx.Err() == nil {
		slog.Warn("agent channel disconnected", "error", readErr)
		if onDisconnect != nil {
			onDisconnect(readErr)
		}
	}
}

func (a *AgentChannel) handleMessage(data []byte) {
	name, arg, ok := decodeEvent(data)
	if !ok || name != "oh_event" || arg == nil {
		return
	}

	ev, err := ParseEvent(arg)
	if err != nil {
		slog.Warn("unparseable backend event", "error", err)
		return
	}

	a.mu.Lock()
	if ev.ID > a.lastEventID {
		a.lastEventID = ev.ID
	}
	handler := a.handler
	a.mu.Unlock()

	if handler == nil {
		return
	}
	// A panicking handler must not kill the read loop.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "panic", r, "event_id", ev.ID)
		}
	}()
	handler(ev)
}

// EmitUserMessage forwards a user message into the conversation.
func (a *AgentChannel) EmitUserMessage(ctx context.Context, content string) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("emit user message: %w: not connected", ErrTransport)
	}

	frame, err := encodeEvent("oh_user_action", userAction{
		Action: "message",
		Args: userActionArgs{
			Content:         content,
			WaitForResponse: true,
		},
		Source:    "user",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("emit user message: %w", err)
	}

	if err := a.writeFrame(ctx, conn, frame); err != nil {
		return fmt.Errorf("emit user message: %w: %v", ErrTransport, err)
	}
	return nil
}

func (a *AgentChannel) writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Disconnect closes the socket and stops the read loop. Safe to call when
// already disconnected.
func (a *AgentChannel) Disconnect() {
	a.mu.Lock()
	conn := a.conn
	cancelRead := a.cancelRead
	a.conn = nil
	a.connected = false
	a.cancelRead = nil
	a.mu.Unlock()

	if cancelRead != nil {
		cancelRead()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func truncateFrame(data []byte) string {
	const max = 120
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
