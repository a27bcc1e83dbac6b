package openhands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Minimal socket.io v4 over engine.io v4 framing, websocket transport only.
// Engine.io packet types are a single leading digit; socket.io packets ride
// inside engine.io message ("4") frames with their own leading digit.

const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

// handshake is the engine.io open payload.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// socketURL builds the websocket endpoint for a conversation's event stream.
// latestEventID of -1 asks the backend to replay nothing.
func socketURL(baseURL, conversationID, apiKey string, latestEventID int64) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"

	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("conversation_id", conversationID)
	q.Set("latest_event_id", strconv.FormatInt(latestEventID, 10))
	q.Set("providers_set", "")
	if apiKey != "" {
		q.Set("session_api_key", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// encodeEvent builds a socket.io event frame: 42["name",{...}].
func encodeEvent(name string, payload any) ([]byte, error) {
	arr, err := json.Marshal([]any{name, payload})
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	frame := make([]byte, 0, len(arr)+2)
	frame = append(frame, eioMessage, sioEvent)
	frame = append(frame, arr...)
	return frame, nil
}

// decodeEvent parses a 42[...] frame into its event name and raw argument.
// Returns ok=false for frames that are not events for us.
func decodeEvent(frame []byte) (name string, arg json.RawMessage, ok bool) {
	if len(frame) < 2 || frame[0] != eioMessage || frame[1] != sioEvent {
		return "", nil, false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(frame[2:], &parts); err != nil || len(parts) == 0 {
		return "", nil, false
	}
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, false
	}
	if len(parts) > 1 {
		arg = parts[1]
	}
	return name, arg, true
}
