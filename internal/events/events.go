// Package events publishes job lifecycle notifications. Events are
// informational: the job record in the store stays the source of truth and
// a failed publish never changes a job's outcome.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
)

// Event types, also used as routing keys
const (
	TypeJobCreated   = "job.created"
	TypeJobClaimed   = "job.claimed"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobRequeued  = "job.requeued"
)

// Event is the JSON message body.
type Event struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	WorkerID   string    `json:"worker_id,omitempty"`
	OutputKey  string    `json:"output_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromJob builds an event describing job's current state.
func FromJob(eventType string, job *domain.Job, workerID string, at time.Time) Event {
	return Event{
		Type:       eventType,
		JobID:      job.ID,
		State:      job.State,
		Attempts:   job.Attempts,
		WorkerID:   workerID,
		OutputKey:  job.OutputKey,
		Error:      job.Error,
		LastError:  job.LastError,
		OccurredAt: at,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

type amqpPublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
	Close() error
}

// RabbitPublisher sends events to a RabbitMQ exchange using the event type
// as routing key.
type RabbitPublisher struct {
	client amqpPublisher
	logger *slog.Logger
}

// NewRabbitPublisher wraps a connected rabbitmq client.
func NewRabbitPublisher(client amqpPublisher, logger *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{client: client, logger: logger}
}

func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.PublishWithRetry(ctx, event.Type, body, domain.ContentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish %s for job %s: %w", event.Type, event.JobID, err)
	}

	p.logger.Debug("Event published",
		slog.String("type", event.Type),
		slog.String("job_id", event.JobID),
	)
	return nil
}

func (p *RabbitPublisher) Close() error {
	return p.client.Close()
}

// Memory keeps published events in order. It backs tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the type of every published event, in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}
