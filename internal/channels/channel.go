// Package channels provides the chat transport abstraction. A channel
// connects an external chat surface (WhatsApp via its bridge process) to
// the relay through the message bus.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/ohrelay/internal/bus"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // only allowlisted senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // no group messages
)

// Channel is the interface every chat transport implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for channel implementations.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsAllowed checks if a sender is permitted by the allowlist.
// Empty allowlist means all senders are allowed. Entries match the full
// sender id or its bare-number prefix (before "@").
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	bare := senderID
	if idx := strings.IndexByte(senderID, '@'); idx > 0 {
		bare = senderID[:idx]
	}

	for _, allowed := range c.allowList {
		if senderID == allowed || bare == allowed {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates the group policy for a message.
// peerKind is "direct" or "group"; direct messages are gated by the
// allowlist only.
func (c *BaseChannel) CheckPolicy(peerKind string, groupPolicy GroupPolicy) bool {
	if peerKind != "group" {
		return true
	}
	switch groupPolicy {
	case GroupPolicyDisabled:
		return false
	case GroupPolicyAllowlist:
		return len(c.allowList) > 0
	default: // open
		return true
	}
}

// HandleMessage publishes a received message to the bus after the
// allowlist check. The standard path for inbound delivery.
func (c *BaseChannel) HandleMessage(senderID, senderName, chatID, content string, fromSelf bool, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		Content:    content,
		FromSelf:   fromSelf,
		Metadata:   metadata,
	})
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
