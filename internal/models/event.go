package models

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventStatusChanged  EventKind = "STATUS_CHANGED"
	EventLocationUpdate EventKind = "LOCATION_UPDATE"
	EventChatMessage    EventKind = "CHAT_MESSAGE"
)

// StatusEvent is ephemeral; it lives only in the broadcaster buffer and the outbound sink.
type StatusEvent struct {
	RequestID string          `json:"requestId"`
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emittedAt"`
}

type StatusChangedPayload struct {
	From       Status  `json:"from,omitempty"`
	To         Status  `json:"to"`
	ProviderID *int64  `json:"providerId,omitempty"`
	Actor      *Actor  `json:"actor,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	QuoteID    *string `json:"quoteId,omitempty"`
	Forced     bool    `json:"forced,omitempty"`
}

type LocationPayload struct {
	ProviderID int64     `json:"providerId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recordedAt"`
}

type ChatPayload struct {
	MessageID  string `json:"messageId"`
	SenderID   int64  `json:"senderId"`
	SenderRole Role   `json:"senderRole"`
	Body       string `json:"body"`
}

// NewEvent marshals payload; payload types above never fail to encode.
func NewEvent(requestID string, kind EventKind, payload any, at time.Time) StatusEvent {
	b, _ := json.Marshal(payload)
	return StatusEvent{RequestID: requestID, Kind: kind, Payload: b, EmittedAt: at}
}

// IsCreation reports whether the event opens a request's history (no previous status).
func (e StatusEvent) IsCreation() bool {
	if e.Kind != EventStatusChanged {
		return false
	}
	var p StatusChangedPayload
	if json.Unmarshal(e.Payload, &p) != nil {
		return false
	}
	return p.From == "" && p.To == StatusPendingDispatch
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	SenderID   int64     `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}
