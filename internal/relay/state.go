// Package relay implements the agent-session relay protocol: the agent
// state machine, the message router, and the per-session orchestrator.
package relay

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/ohrelay/internal/openhands"
)

// AgentState is the tracker's view of the backend agent.
type AgentState string

const (
	StateUnknown       AgentState = "unknown"
	StateLoading       AgentState = "loading"
	StateRunning       AgentState = "running"
	StateThinking      AgentState = "thinking"
	StateAwaitingInput AgentState = "awaiting_input"
	StateFinished      AgentState = "finished"
	StateStopped       AgentState = "stopped"
)

// Ready reports whether new input may be forwarded to the agent.
func (s AgentState) Ready() bool {
	return s == StateAwaitingInput || s == StateFinished || s == StateStopped
}

// Busy reports a known working state. Unknown is neither busy nor ready.
func (s AgentState) Busy() bool {
	return s == StateLoading || s == StateRunning || s == StateThinking
}

// parseStateLabel maps a backend agent_state label onto an AgentState.
// The backend spells the ready-for-input state "awaiting_user_input";
// the short form is accepted too.
func parseStateLabel(label string) (AgentState, bool) {
	switch label {
	case "loading":
		return StateLoading, true
	case "running":
		return StateRunning, true
	case "thinking":
		return StateThinking, true
	case "awaiting_user_input", "awaiting_input":
		return StateAwaitingInput, true
	case "finished":
		return StateFinished, true
	case "stopped":
		return StateStopped, true
	default:
		return StateUnknown, false
	}
}

// Transition describes the outcome of applying one event to the tracker.
type Transition struct {
	From        AgentState
	To          AgentState
	Changed     bool
	BecameReady bool // a ready-state observation; triggers a drain
	Completed   bool // finished/stopped; the logical conversation is done
}

// Tracker is the agent state machine. It only reacts to
// agent_state_changed observations; everything else is a no-op.
type Tracker struct {
	mu      sync.Mutex
	state   AgentState
	onReady func()
}

func NewTracker() *Tracker {
	return &Tracker{state: StateUnknown}
}

// OnReady registers the drain hook, invoked once per ready observation.
func (t *Tracker) OnReady(f func()) {
	t.mu.Lock()
	t.onReady = f
	t.mu.Unlock()
}

// State returns the current agent state.
func (t *Tracker) State() AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ready reports whether the agent can take new input right now.
func (t *Tracker) Ready() bool {
	return t.State().Ready()
}

// Reset returns the tracker to unknown. Called whenever the agent channel
// reconnects, since the new socket gives no state until the backend says so.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = StateUnknown
	t.mu.Unlock()
}

// Apply feeds one backend event into the state machine. Unrecognized state
// labels keep the previous state and are logged, never fatal.
func (t *Tracker) Apply(ev *openhands.Event) Transition {
	if ev == nil || ev.Observation != "agent_state_changed" {
		t.mu.Lock()
		s := t.state
		t.mu.Unlock()
		return Transition{From: s, To: s}
	}

	next, ok := parseStateLabel(ev.Extras.AgentState)
	t.mu.Lock()
	prev := t.state
	if !ok {
		t.mu.Unlock()
		slog.Warn("unrecognized agent state label",
			"label", ev.Extras.AgentState, "keeping", string(prev))
		return Transition{From: prev, To: prev}
	}
	t.state = next
	onReady := t.onReady
	t.mu.Unlock()

	tr := Transition{
		From:        prev,
		To:          next,
		Changed:     prev != next,
		BecameReady: next.Ready(),
		Completed:   next == StateFinished || next == StateStopped,
	}

	slog.Debug("agent state", "from", string(prev), "to", string(next))

	if tr.BecameReady && onReady != nil {
		onReady()
	}
	return tr
}
