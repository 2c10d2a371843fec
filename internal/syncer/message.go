package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/machinist/internal/clock"
)

// MessageType tags a wire message.
type MessageType string

const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeData        MessageType = "data"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeError       MessageType = "error"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeData, TypePing, TypePong, TypeError:
		return true
	}
	return false
}

// Data domains.
const (
	DomainMachine     = "machine"
	DomainJob         = "job"
	DomainPerformance = "performance"
	DomainAll         = "all"
)

// SubscriptionSpec is the subscription descriptor carried by subscribe
// messages.
type SubscriptionSpec struct {
	Domain   string
	Interval time.Duration
}

// Data is a domain payload with the time it was produced.
type Data struct {
	Domain    string
	Payload   any
	Timestamp time.Time
}

// Message is one sync protocol message.
type Message struct {
	Type         MessageType
	ID           string
	Subscription *SubscriptionSpec
	Data         *Data
	Timestamp    time.Time
	Error        string
}

// wireMessage is the JSON form: timestamps are epoch milliseconds and
// intervals are milliseconds.
type wireMessage struct {
	Type         MessageType       `json:"type"`
	ID           string            `json:"id,omitempty"`
	Subscription *wireSubscription `json:"subscription,omitempty"`
	Data         *wireData         `json:"data,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type wireSubscription struct {
	Type     string `json:"type"`
	Interval int64  `json:"interval"`
}

type wireData struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// MarshalJSON encodes the wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Type:      m.Type,
		ID:        m.ID,
		Timestamp: clock.UnixMilli(m.Timestamp),
		Error:     m.Error,
	}
	if m.Subscription != nil {
		w.Subscription = &wireSubscription{
			Type:     m.Subscription.Domain,
			Interval: m.Subscription.Interval.Milliseconds(),
		}
	}
	if m.Data != nil {
		w.Data = &wireData{
			Type:      m.Data.Domain,
			Payload:   m.Data.Payload,
			Timestamp: clock.UnixMilli(m.Data.Timestamp),
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{
		Type:      w.Type,
		ID:        w.ID,
		Timestamp: clock.FromUnixMilli(w.Timestamp),
		Error:     w.Error,
	}
	if w.Subscription != nil {
		m.Subscription = &SubscriptionSpec{
			Domain:   w.Subscription.Type,
			Interval: time.Duration(w.Subscription.Interval) * time.Millisecond,
		}
	}
	if w.Data != nil {
		m.Data = &Data{
			Domain:    w.Data.Type,
			Payload:   w.Data.Payload,
			Timestamp: clock.FromUnixMilli(w.Data.Timestamp),
		}
	}
	return nil
}

// Encode serializes a message for the transport.
func Encode(m Message) ([]byte, error) {
	if !m.Type.valid() {
		return nil, fmt.Errorf("encode message: unknown type %q", m.Type)
	}
	return json.Marshal(m)
}

// Decode parses and validates a transport frame.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !m.Type.valid() {
		return Message{}, fmt.Errorf("decode message: unknown type %q", m.Type)
	}
	if m.Type == TypeData && m.Data == nil {
		return Message{}, fmt.Errorf("decode message: data message without data")
	}
	return m, nil
}
