package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey identifies the conversation the message belongs to.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// UserKey identifies the sender across every store keyed by user.
func (m *InboundMessage) UserKey() string {
	return m.Channel + ":" + m.SenderID
}

// DisplayName returns the sender's first name or username when the channel
// reported one.
func (m *InboundMessage) DisplayName() string {
	for _, key := range []string{"first_name", "username"} {
		if v, ok := m.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
