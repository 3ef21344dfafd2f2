package bus

import (
	"strconv"
	"time"
)

// MessageID is a platform message identifier. Discord snowflakes are
// time-ordered, so numeric order is arrival order within a scope.
type MessageID uint64

// ParseMessageID parses a decimal snowflake string.
func ParseMessageID(s string) (MessageID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return MessageID(v), nil
}

func (id MessageID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Scope is the conversational unit that cursor and cooldown state are tracked against
// (a channel ID for Discord).
type Scope string

// InboundMessage is a normalized message received from a channel, via either the
// gateway connection or a polling fetch. Immutable once created.
type InboundMessage struct {
	ID         MessageID  `json:"id"`
	Scope      Scope      `json:"scope"`
	AuthorID   string     `json:"author_id"`
	AuthorName string     `json:"author_name,omitempty"`
	AuthorBot  bool       `json:"author_bot,omitempty"`
	Content    string     `json:"content"`
	ReplyTo    *MessageID `json:"reply_to,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// OutboundMessage is a reply to be posted to a channel.
type OutboundMessage struct {
	Scope   Scope     `json:"scope"`
	Content string    `json:"content"`
	ReplyTo MessageID `json:"reply_to"`
}

// Turn is one entry of a scope's conversation history.
type Turn struct {
	MessageID MessageID `json:"message_id,omitempty"`
	Role      string    `json:"role"` // "user" or "assistant"
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StatusReport is the per-cycle operator-facing summary.
type StatusReport struct {
	Scope     Scope     `json:"scope"`
	Success   bool      `json:"success"`
	Skipped   bool      `json:"skipped,omitempty"` // cycle skipped because the previous one was still running
	Processed int       `json:"processed"`
	Responded int       `json:"responded"`
	LastSeen  string    `json:"last_seen"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// MessageHandler handles an inbound message pushed by a connection-holding channel.
type MessageHandler func(InboundMessage)

// StatusPublisher receives every cycle's status report.
type StatusPublisher interface {
	PublishStatus(report StatusReport)
}
