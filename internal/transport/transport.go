// Package transport is the named-channel publish/subscribe contract the
// coordinator talks through, plus adapter selection and fallback.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/powermode/internal/session"
)

// MessageVersion is the envelope schema version.
const MessageVersion = 1

// Channel names a pub/sub channel.
type Channel string

const (
	Broadcast  Channel = "broadcast"
	Heartbeat  Channel = "heartbeat"
	Insights   Channel = "insights"
	Commands   Channel = "coordinator-commands"
	Escalation Channel = "human-escalation"
)

// Channels lists every channel a session requires.
var Channels = []Channel{Broadcast, Heartbeat, Insights, Commands, Escalation}

// ParseChannel accepts one of the required channel names.
func ParseChannel(name string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Channels {
		if ch == known {
			return ch, nil
		}
	}
	return "", fmt.Errorf("transport: unknown channel %q", name)
}

// ErrUnavailable marks an adapter that cannot carry traffic. Fallback
// degrades on it.
var ErrUnavailable = session.ErrTransportUnavailable

// ErrExhausted is returned once every adapter has failed. It is fatal
// to the session.
var ErrExhausted = errors.New("transport: fallback exhausted")

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func Unavailable(name string, err error) error {
	return fmt.Errorf("transport %s: %v: %w", name, err, ErrUnavailable)
}

// Message kinds used by the coordinator.
const (
	KindCheckIn    = "checkin"
	KindDirective  = "directive"
	KindInsight    = "insight"
	KindDispatch   = "dispatch"
	KindProposal   = "proposal"
	KindVote       = "vote"
	KindRound      = "round"
	KindEscalation = "escalation"
	KindStop       = "stop"
	KindHeartbeat  = "heartbeat"
)

// Message is the envelope carried on every channel.
type Message struct {
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	Channel   Channel         `json:"channel"`
	Kind      string          `json:"kind"`
	Sender    string          `json:"sender"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage encodes payload as JSON and assigns a fresh id.
func NewMessage(kind, sender, sessionID string, payload any) (Message, error) {
	msg := Message{
		Version:   MessageVersion,
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		SessionID: sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("transport: encode %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("transport: message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("transport: decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Normalize applies defaults and trims identifiers.
func (m *Message) Normalize() {
	if m.Version == 0 {
		m.Version = MessageVersion
	}
	m.ID = strings.TrimSpace(m.ID)
	m.Kind = strings.TrimSpace(m.Kind)
	m.Sender = strings.TrimSpace(m.Sender)
	m.SessionID = strings.TrimSpace(m.SessionID)
}

// Validate enforces the envelope requirements.
func (m Message) Validate() error {
	if m.Version != MessageVersion {
		return fmt.Errorf("version %d not supported", m.Version)
	}
	if m.ID == "" {
		return errors.New("id is required")
	}
	if m.Kind == "" {
		return errors.New("kind is required")
	}
	if _, err := ParseChannel(string(m.Channel)); err != nil {
		return err
	}
	return nil
}

// Critical messages survive queue overflow in every adapter.
func (m Message) Critical() bool {
	switch m.Kind {
	case KindDirective, KindEscalation, KindStop, KindRound:
		return true
	}
	return false
}

// Subscription is one consumer's stream for a channel. Each
// subscription owns its read position.
type Subscription interface {
	Messages() <-chan Message
	Close()
}

// Transport delivers messages at least once. Nothing is guaranteed
// about ordering across channels.
type Transport interface {
	Name() string
	Publish(ctx context.Context, ch Channel, msg Message) error
	Subscribe(ctx context.Context, ch Channel) (Subscription, error)
	Close() error
}
