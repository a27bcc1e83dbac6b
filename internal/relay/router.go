package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/ohrelay/internal/openhands"
)

// QueuedMessage is one user message waiting to be forwarded.
type QueuedMessage struct {
	Text        string
	ReplyTarget string
	SenderName  string
	EnqueuedAt  time.Time
}

// ForwardFunc delivers a user message to the agent channel.
type ForwardFunc func(ctx context.Context, text string) error

// SendFunc delivers a reply to the chat surface. Best-effort; failures are
// the sender's problem to log.
type SendFunc func(replyTarget, text string)

// Options tunes what the router relays back. Hot-swappable via SetOptions.
type Options struct {
	ShowThoughts   bool
	ShowOutputs    bool
	ShowFileOps    bool
	MaxReplyChars  int
	MaxOutputChars int
	ForwardTimeout time.Duration
	// Noise is the pluggable suppression predicate. Nil means IsNoise.
	Noise func(string) bool
}

func (o *Options) noise(text string) bool {
	if o.Noise != nil {
		return o.Noise(text)
	}
	return IsNoise(text)
}

// Router owns the pending queue and the event→reply classification.
//
// Forwarding discipline: at most one forward in flight. The flag is set
// when a message is handed to the channel and cleared by the next ready
// observation or by the forward timeout. The timeout notifies the user but
// does not abandon the forward; the agent may still answer.
type Router struct {
	mu          sync.Mutex
	queue       []QueuedMessage
	inFlight    bool
	timer       *time.Timer
	replyTarget string
	opts        Options

	tracker *Tracker
	forward ForwardFunc
	send    SendFunc
}

func NewRouter(tracker *Tracker, forward ForwardFunc, send SendFunc, opts Options) *Router {
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 60 * time.Second
	}
	if opts.MaxReplyChars <= 0 {
		opts.MaxReplyChars = 1000
	}
	if opts.MaxOutputChars <= 0 {
		opts.MaxOutputChars = 800
	}
	r := &Router{tracker: tracker, forward: forward, send: send, opts: opts}
	tracker.OnReady(r.handleReady)
	return r
}

// SetOptions swaps the display options. Affects subsequent events only.
func (r *Router) SetOptions(opts Options) {
	r.mu.Lock()
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = r.opts.ForwardTimeout
	}
	if opts.MaxReplyChars <= 0 {
		opts.MaxReplyChars = r.opts.MaxReplyChars
	}
	if opts.MaxOutputChars <= 0 {
		opts.MaxOutputChars = r.opts.MaxOutputChars
	}
	r.opts = opts
	r.mu.Unlock()
}

// Enqueue appends to the queue tail. Never blocks, always succeeds.
func (r *Router) Enqueue(msg QueuedMessage) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.replyTarget = msg.ReplyTarget
	n := len(r.queue)
	r.mu.Unlock()

	slog.Debug("message queued", "queue_len", n, "sender", msg.SenderName)
}

// QueueLen returns the number of pending messages.
func (r *Router) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// InFlight reports whether a forward is outstanding.
func (r *Router) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Drain forwards the queue head when the agent is ready and nothing is in
// flight. A call while a forward is outstanding is a no-op; the loop only
// continues past a forward when delivery failed.
func (r *Router) Drain() {
	for {
		r.mu.Lock()
		if r.inFlight || len(r.queue) == 0 || !r.tracker.Ready() {
			r.mu.Unlock()
			return
		}
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.inFlight = true
		r.replyTarget = msg.ReplyTarget
		timeout := r.opts.ForwardTimeout
		r.timer = time.AfterFunc(timeout, func() { r.forwardTimedOut(msg.ReplyTarget) })
		r.mu.Unlock()

		slog.Info("forwarding message", "sender", msg.SenderName, "queued_for", time.Since(msg.EnqueuedAt).Round(time.Millisecond))

		if err := r.forward(context.Background(), msg.Text); err != nil {
			slog.Error("forward failed", "error", err)
			r.clearInFlight()
			r.send(msg.ReplyTarget, "❌ Error: could not deliver your message to the agent.")
			continue
		}
		return
	}
}

// handleReady clears the in-flight flag and drains. Wired to the tracker.
func (r *Router) handleReady() {
	r.clearInFlight()
	r.Drain()
}

func (r *Router) clearInFlight() {
	r.mu.Lock()
	r.inFlight = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

func (r *Router) forwardTimedOut(replyTarget string) {
	r.mu.Lock()
	if !r.inFlight {
		r.mu.Unlock()
		return
	}
	r.inFlight = false
	r.timer = nil
	r.mu.Unlock()

	slog.Warn("forward timed out, agent still working")
	r.send(replyTarget, "⏰ This is taking longer than expected. The agent is still working on it.")
	r.Drain()
}

// Route classifies one backend event. Dispositions are evaluated in order;
// the first match wins.
func (r *Router) Route(ev *openhands.Event) {
	if ev == nil {
		return
	}

	r.mu.Lock()
	opts := r.opts
	target := r.replyTarget
	r.mu.Unlock()

	// 1. state changes feed the tracker, never the user
	if ev.Observation == "agent_state_changed" {
		tr := r.tracker.Apply(ev)
		if tr.Completed {
			slog.Debug("conversation complete", "state", string(tr.To))
		}
		return
	}

	// 2. echo suppression
	if ev.Source == "user" {
		return
	}

	if target == "" {
		return
	}

	payload := eventText(ev)

	// 3. agent prose
	if ev.Source == "agent" && ev.Action == "message" {
		if !opts.noise(payload) {
			r.send(target, "🤖 "+FormatReply(payload, opts.MaxReplyChars))
		}
		return
	}

	// 4. completion notice
	if ev.Source == "agent" && ev.Action == "finish" {
		if !opts.noise(payload) {
			r.send(target, "✅ "+FormatReply(payload, opts.MaxReplyChars))
		}
		return
	}

	// 5. errors always reach the user
	if ev.Observation == "error" {
		r.send(target, "❌ Error: "+FormatReply(payload, opts.MaxReplyChars))
		return
	}

	// 6. rejection content
	if ev.Observation == "user_rejected" {
		r.send(target, FormatReply(payload, opts.MaxReplyChars))
		return
	}

	// 7. reasoning, opt-in
	if opts.ShowThoughts && ev.Source == "agent" && ev.Args.Thought != "" {
		if !opts.noise(ev.Args.Thought) {
			r.send(target, "💭 Thinking: "+FormatReply(ev.Args.Thought, opts.MaxReplyChars))
		}
		return
	}

	// 8. command output, opt-in
	if opts.ShowOutputs && ev.Source == "environment" && ev.Observation == "run" {
		content := ev.Content
		if len(content) > 10 && !containsConfirmation(content) {
			r.send(target, FormatOutputBlock(content, opts.MaxOutputChars))
		}
		return
	}

	// 9. file operations, opt-in
	if opts.ShowFileOps && ev.Source == "agent" && ev.Args.Path != "" {
		switch ev.Action {
		case "write":
			r.send(target, "📝 Created file: "+ev.Args.Path)
		case "edit":
			r.send(target, "📝 Modified file: "+ev.Args.Path)
		}
		return
	}

	// 10. dropped
}

// eventText picks the human-readable payload out of an event.
func eventText(ev *openhands.Event) string {
	switch {
	case ev.Message != "":
		return ev.Message
	case ev.Content != "":
		return ev.Content
	default:
		return ev.Args.Content
	}
}

// Command-runner confirmations that carry no information for the user.
var confirmationPhrases = []string{
	"command executed successfully",
	"exit code 0",
}

func containsConfirmation(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range confirmationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
