package bus

import "time"

type InboundMessage struct {
	Channel    string
	SenderID   string
	ChatID     string
	Text       string
	Timestamp  time.Time
	AudioPath  string
	PhotoPaths []string
	Metadata   map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Text    string
	ReplyTo string
}
