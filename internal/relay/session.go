package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/ohrelay/internal/openhands"
	"github.com/nextlevelbuilder/ohrelay/internal/store"
)

// ErrConversationInit means conversation setup failed after all retries.
// The user gets a generic failure notice, never the underlying error.
var ErrConversationInit = errors.New("conversation initialization failed")

// AgentConn is the slice of the agent channel the session drives.
type AgentConn interface {
	Connect(ctx context.Context, conversationID string) error
	EmitUserMessage(ctx context.Context, content string) error
	Connected() bool
	ConversationID() string
	Disconnect()
}

// ConversationCreator requests new conversation ids from the backend.
type ConversationCreator interface {
	CreateConversation(ctx context.Context) (string, error)
}

// Sender delivers replies to the chat surface.
type Sender interface {
	SendText(replyTarget, text string)
	SendTyping(replyTarget string)
}

const (
	connectAttempts = 3
	backoffUnit     = 2 * time.Second
)

// Session is one relay instance: the current channel, queue, and agent
// state, bound together so several independent relays can share a process.
type Session struct {
	store   store.ConversationStore
	backend ConversationCreator
	channel AgentConn
	tracker *Tracker
	router  *Router
	sender  Sender

	// backoff unit, swappable in tests
	backoff time.Duration

	currentSender string
}

// NewSession wires a relay session. The router must have been built around
// the same tracker.
func NewSession(st store.ConversationStore, backend ConversationCreator, channel AgentConn, tracker *Tracker, router *Router, sender Sender) *Session {
	return &Session{
		store:   st,
		backend: backend,
		channel: channel,
		tracker: tracker,
		router:  router,
		sender:  sender,
		backoff: backoffUnit,
	}
}

// OnInboundMessage handles one user message end to end: ensure a connected
// conversation for the sender, persist activity, enqueue, ack when busy,
// and drain.
func (s *Session) OnInboundMessage(ctx context.Context, senderIdentity, displayName, text, replyTarget string) {
	if !s.channel.Connected() || s.currentSender != senderIdentity {
		if err := s.ensureConversation(ctx, senderIdentity, displayName); err != nil {
			slog.Error("conversation init failed", "sender", senderIdentity, "error", err)
			s.sender.SendText(replyTarget, "❌ Could not reach the coding agent. Please try again in a moment.")
			return
		}
	}

	if err := s.store.Touch(ctx, senderIdentity); err != nil {
		slog.Warn("touch failed", "sender", senderIdentity, "error", err)
	}

	s.sender.SendTyping(replyTarget)

	s.router.Enqueue(QueuedMessage{
		Text:        text,
		ReplyTarget: replyTarget,
		SenderName:  displayName,
		EnqueuedAt:  time.Now(),
	})

	// A known-busy agent gets an explicit ack; right after a fresh connect
	// the state is unknown and the first ready observation releases the
	// queue without chatter.
	if s.tracker.State().Busy() {
		s.sender.SendText(replyTarget, "⏳ The agent is busy. Your message is queued.")
	}

	s.router.Drain()
}

// ensureConversation resolves the sender's conversation id and connects the
// channel to it, retrying the whole step with linear backoff.
func (s *Session) ensureConversation(ctx context.Context, senderIdentity, displayName string) error {
	conversationID, hadRecord := s.lookupConversation(ctx, senderIdentity)

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrConversationInit, ctx.Err())
			case <-time.After(time.Duration(attempt-1) * s.backoff):
			}
		}

		if conversationID == "" {
			id, err := s.backend.CreateConversation(ctx)
			if err != nil {
				lastErr = err
				slog.Warn("create conversation failed", "attempt", attempt, "error", err)
				if errors.Is(err, openhands.ErrAuth) {
					break
				}
				continue
			}
			conversationID = id
			s.persistConversation(ctx, senderIdentity, displayName, id)
		}

		s.tracker.Reset()
		if err := s.channel.Connect(ctx, conversationID); err != nil {
			lastErr = err
			slog.Warn("channel connect failed", "attempt", attempt, "conversation_id", conversationID, "error", err)
			if errors.Is(err, openhands.ErrAuth) {
				break
			}
			// A stale stored conversation may be gone on the backend;
			// fall back to a fresh one for the next attempt.
			if hadRecord {
				conversationID = ""
				hadRecord = false
			}
			continue
		}

		s.currentSender = senderIdentity
		slog.Info("conversation ready", "sender", senderIdentity, "conversation_id", conversationID)
		return nil
	}

	return fmt.Errorf("%w: %v", ErrConversationInit, lastErr)
}

// lookupConversation finds a stored conversation id for the sender.
// Store failures are retried once, then treated as no-record so the user
// is never blocked on persistence.
func (s *Session) lookupConversation(ctx context.Context, senderIdentity string) (string, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.store.FindByIdentity(ctx, senderIdentity)
		if err != nil {
			slog.Warn("store lookup failed", "sender", senderIdentity, "attempt", attempt+1, "error", err)
			continue
		}
		if rec == nil {
			return "", false
		}
		return rec.ConversationID, true
	}
	slog.Error("store unavailable, continuing with a fresh conversation", "sender", senderIdentity)
	return "", false
}

// persistConversation upserts the record, retrying once. Failure degrades:
// the conversation still runs, it just will not survive a restart.
func (s *Session) persistConversation(ctx context.Context, senderIdentity, displayName, conversationID string) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err = s.store.Upsert(ctx, senderIdentity, displayName, conversationID); err == nil {
			return
		}
		slog.Warn("store upsert failed", "sender", senderIdentity, "attempt", attempt+1, "error", err)
	}
	slog.Error("conversation record not persisted", "sender", senderIdentity, "error", err)
}

// HandleAgentEvent feeds one backend event through the router. A panic in
// routing is contained here; the relay keeps processing.
func (s *Session) HandleAgentEvent(ev *openhands.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handling panicked", "panic", r)
		}
	}()
	s.router.Route(ev)
}

// UpdateDisplayOptions swaps the router's reply settings at runtime.
func (s *Session) UpdateDisplayOptions(opts Options) {
	s.router.SetOptions(opts)
}

// Close disconnects the agent channel and closes the store. Each step runs
// regardless of the other failing.
func (s *Session) Close() error {
	s.channel.Disconnect()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
