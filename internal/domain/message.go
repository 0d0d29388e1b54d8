package domain

import (
	"fmt"
	"strings"
)

// Channel represents the delivery channel of a message.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// NormalizeType trims and upper-cases a raw message type.
func NormalizeType(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseChannel resolves a raw message type to a supported channel.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(NormalizeType(s))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ch)
	}
	return ch, nil
}

// Message is a pending outbound notification owned by the message source.
type Message struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Recipient string `json:"to"`
	Body      string `json:"message"`
	Sent      bool   `json:"sent"`
}

// Pending reports whether the message is eligible for delivery this cycle.
func (m Message) Pending() bool {
	return !m.Sent
}

// StatusUpdate is the reconciliation payload sent back to the message source.
type StatusUpdate struct {
	ID   int64 `json:"id"`
	Sent bool  `json:"sent"`
}
