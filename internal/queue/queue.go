// Package queue is the asynchronous job substrate for the document pipeline.
// Delivery is at-least-once with no ordering guarantee across documents; the
// per-document stage order holds because each stage job is dispatched only
// from inside the handler that completed the previous stage.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/qbilhub/docpipe/internal/model"
)

// JobType identifies which stage handler consumes a job.
type JobType string

const (
	TypeProcessDocument  JobType = "process_document"
	TypeSchemaExtraction JobType = "schema_extraction"
	TypeEntityResolution JobType = "entity_resolution"
	TypeFeedback         JobType = "active_learning_feedback"
)

// Job is the envelope delivered to handlers. Deliveries counts how many
// times this job has been handed to a handler; it starts at 0 for the first
// delivery and grows on each redelivery.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Deliveries int             `json:"deliveries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// ProcessDocument starts the pipeline for a document.
type ProcessDocument struct {
	DocumentID int64 `json:"documentId"`
}

// SchemaExtraction is the stage-1 job.
type SchemaExtraction struct {
	DocumentID int64          `json:"documentId"`
	RawData    map[string]any `json:"rawData"`
}

// EntityResolution is the stage-2 job.
type EntityResolution struct {
	DocumentID       int64          `json:"documentId"`
	ExtractedData    map[string]any `json:"extractedData"`
	SourceTenantCode string         `json:"sourceTenantCode"`
	TargetTenantCode string         `json:"targetTenantCode"`
}

// Feedback is the fire-and-forget active-learning job.
type Feedback = model.Feedback

// Disposition is a handler's verdict on a delivered job. The substrate
// inspects it to decide between acknowledging, redelivering after a backoff
// delay, and dropping.
type Disposition int

const (
	// Ack acknowledges the job: handled, or failed terminally with the
	// failure fully recorded against the document.
	Ack Disposition = iota
	// Retry reports a recoverable failure: the same job is redelivered
	// after the substrate's backoff delay.
	Retry
	// Drop discards the job without side effects (e.g. unknown document).
	Drop
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Handler consumes one job delivery and reports a disposition.
type Handler func(ctx context.Context, job Job) Disposition

// Dispatcher is the enqueue-only view of the queue handed to components
// that produce work.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobType JobType, payload any) error
}

// Queue is the full substrate contract: dispatch, blocking consumption, and
// delayed redelivery.
type Queue interface {
	Dispatcher

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)

	// Requeue schedules the same job for redelivery after delay, with its
	// delivery counter advanced.
	Requeue(ctx context.Context, job Job, delay time.Duration) error

	Close() error
}

// NewJob wraps a payload into a job envelope.
func NewJob(jobType JobType, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, eris.Wrapf(err, "queue: marshal %s payload", jobType)
	}
	return Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the job payload into out.
func (j Job) Decode(out any) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return eris.Wrapf(err, "queue: decode %s payload", j.Type)
	}
	return nil
}
