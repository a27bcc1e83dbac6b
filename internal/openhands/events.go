// Package openhands speaks the agent backend's conversation API and its
// socket.io event stream.
package openhands

import "encoding/json"

// Agent state labels as emitted by the backend in agent_state_changed
// observations.
const (
	StateLoading       = "loading"
	StateRunning       = "running"
	StateThinking      = "thinking"
	StateAwaitingInput = "awaiting_user_input"
	StateFinished      = "finished"
	StateStopped       = "stopped"
)

// EventArgs carries action parameters on outgoing/incoming actions.
type EventArgs struct {
	Content         string `json:"content,omitempty"`
	Path            string `json:"path,omitempty"`
	Command         string `json:"command,omitempty"`
	Thought         string `json:"thought,omitempty"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`
}

// EventExtras carries observation-specific payloads.
type EventExtras struct {
	AgentState string `json:"agent_state,omitempty"`
}

// Event is one backend event as delivered over the socket. Actions carry
// Action, observations carry Observation; both may carry free-form text in
// Message or Content.
type Event struct {
	ID          int64       `json:"id,omitempty"`
	Source      string      `json:"source,omitempty"` // "agent", "user", "environment"
	Action      string      `json:"action,omitempty"`
	Observation string      `json:"observation,omitempty"`
	Message     string      `json:"message,omitempty"`
	Content     string      `json:"content,omitempty"`
	Args        EventArgs   `json:"args,omitempty"`
	Extras      EventExtras `json:"extras,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
}

// ParseEvent decodes a raw event payload. Unknown fields are ignored so
// backend additions never break the relay.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// userAction is the wire shape for a forwarded user message.
type userAction struct {
	Action    string         `json:"action"`
	Args      userActionArgs `json:"args"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
}

type userActionArgs struct {
	Content         string `json:"content"`
	WaitForResponse bool   `json:"wait_for_response"`
}
