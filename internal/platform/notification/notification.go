// Package notification delivers appointment lifecycle events to the
// notification collaborator over Redis pub/sub or RabbitMQ, or to the log.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Event types
// ---------------------------------------------------------------------------

const (
	EventAppointmentBooked      = "appointment.booked"
	EventAppointmentCancelled   = "appointment.cancelled"
	EventAppointmentRescheduled = "appointment.rescheduled"
)

// Event is the envelope published for every appointment state change.
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TenantID   string      `json:"tenant_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, tenantID string, payload interface{}) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func (e *Event) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return data, nil
}

// Publisher sends events to the notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// ---------------------------------------------------------------------------
// Log publisher
// ---------------------------------------------------------------------------

// LogPublisher writes events to the structured log. It is the default when
// no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "notification").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, event *Event) error {
	data, err := event.encode()
	if err != nil {
		return err
	}
	p.logger.Info().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("tenant_id", event.TenantID).
		RawJSON("event", data).
		Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// ---------------------------------------------------------------------------
// Recording publisher
// ---------------------------------------------------------------------------

// RecordingPublisher keeps every published event in memory. Tests use it to
// assert on what a handler emitted; Err makes every publish fail.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) Close() error { return nil }

// Events returns a copy of the recorded events.
func (p *RecordingPublisher) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Event, len(p.events))
	copy(out, p.events)
	return out
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// Config selects and configures the publisher backend.
type Config struct {
	Backend  string // log, redis or amqp
	Channel  string // redis channel or amqp queue name
	RedisURL string
	AMQPURL  string
}

// New builds the publisher for cfg.Backend.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case "", "log":
		return NewLogPublisher(logger), nil
	case "redis":
		return NewRedisPublisher(ctx, cfg.RedisURL, cfg.Channel)
	case "amqp":
		return NewAMQPPublisher(cfg.AMQPURL, cfg.Channel)
	default:
		return nil, fmt.Errorf("unknown notification backend %q", cfg.Backend)
	}
}
