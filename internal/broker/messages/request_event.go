package messages

import (
	"encoding/json"
	"time"

	"github.com/BearBump/AidBox/internal/models"
)

// RequestEvent is the wire form of a broadcaster event on the request events topic.
// Consumers dedupe on (request_id, sequence).
type RequestEvent struct {
	RequestID string          `json:"request_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

func FromStatusEvent(ev models.StatusEvent) RequestEvent {
	return RequestEvent{
		RequestID: ev.RequestID,
		Sequence:  ev.Sequence,
		Kind:      string(ev.Kind),
		Payload:   ev.Payload,
		EmittedAt: ev.EmittedAt,
	}
}

// ProviderLocation is a GPS fix sent by the provider app gateway.
type ProviderLocation struct {
	RequestID  string    `json:"request_id"`
	ProviderID int64     `json:"provider_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RequestEscalated is raised when a request waits for a provider longer than its
// priority allows. It is an alert only; the request itself is not changed.
type RequestEscalated struct {
	RequestID   string     `json:"request_id"`
	CustomerID  int64      `json:"customer_id"`
	Priority    string     `json:"priority"`
	ServiceType string     `json:"service_type"`
	Level       int32      `json:"level"`
	WaitingFor  string     `json:"waiting_for"`
	CreatedAt   time.Time  `json:"created_at"`
	RaisedAt    time.Time  `json:"raised_at"`
	NextCheckAt *time.Time `json:"next_check_at,omitempty"`
}
