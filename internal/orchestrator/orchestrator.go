// Package orchestrator chains the pipeline stages for received documents:
// schema extraction, entity resolution, and the handoff to human review.
// Each stage runs as a queue handler; the handler that completes a stage
// dispatches the next one, which is what preserves per-document stage order
// on a queue with no ordering guarantees.
package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/internal/notify"
	"github.com/qbilhub/docpipe/internal/queue"
	"github.com/qbilhub/docpipe/internal/resilience"
	"github.com/qbilhub/docpipe/internal/store"
	"github.com/qbilhub/docpipe/pkg/intelligence"
)

// Stage names as shown to users in processing_started notifications.
const (
	StageExtractingSchema  = "Extracting schema"
	StageResolvingEntities = "Resolving entities"
)

const (
	auditActionRetry     = "document_retried"
	auditActionProcessed = "document_processed"
)

// Orchestrator owns the stage handlers and the operations that feed the
// pipeline (ingest, manual retry, feedback).
type Orchestrator struct {
	store    store.Store
	client   intelligence.Client
	queue    queue.Dispatcher
	notifier *notify.Notifier
}

func New(st store.Store, client intelligence.Client, q queue.Dispatcher, n *notify.Notifier) *Orchestrator {
	return &Orchestrator{store: st, client: client, queue: q, notifier: n}
}

// Register wires the stage handlers into a runner.
func (o *Orchestrator) Register(r *queue.Runner) {
	r.Register(queue.TypeProcessDocument, o.HandleProcessDocument)
	r.Register(queue.TypeSchemaExtraction, o.HandleSchemaExtraction)
	r.Register(queue.TypeEntityResolution, o.HandleEntityResolution)
	r.Register(queue.TypeFeedback, o.HandleFeedback)
}

// Ingest persists a new document and starts the pipeline for it.
func (o *Orchestrator) Ingest(ctx context.Context, doc *model.Document) (*model.Document, error) {
	created, err := o.store.CreateDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	if err := o.StartProcessing(ctx, created.ID); err != nil {
		return nil, err
	}
	return created, nil
}

// StartProcessing dispatches the pipeline entry job for a document.
func (o *Orchestrator) StartProcessing(ctx context.Context, documentID int64) error {
	return o.queue.Enqueue(ctx, queue.TypeProcessDocument, queue.ProcessDocument{DocumentID: documentID})
}

// RetryDocument resets a failed or queued document and reprocesses it from
// the start. Returns model.ErrNotRetryable for any other status.
func (o *Orchestrator) RetryDocument(ctx context.Context, documentID int64) (*model.Document, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if !doc.Status.Retryable() {
		return nil, eris.Wrapf(model.ErrNotRetryable, "document %d status %s", documentID, doc.Status)
	}

	next, err := model.Transition(doc.Status, model.StatusNew)
	if err != nil {
		return nil, eris.Wrapf(err, "document %d", documentID)
	}
	if err := o.store.UpdateStatus(ctx, documentID, next); err != nil {
		return nil, err
	}
	doc.Status = next

	if err := o.StartProcessing(ctx, documentID); err != nil {
		return nil, err
	}

	if err := o.store.AppendAudit(ctx, auditActionRetry, documentID, "retried document processing"); err != nil {
		// The retry itself succeeded; a missing audit row is not worth
		// failing the request over.
		zap.L().Error("failed to append retry audit entry",
			zap.Int64("document_id", documentID),
			zap.Error(err),
		)
	}

	zap.L().Info("document queued for reprocessing", zap.Int64("document_id", documentID))
	return doc, nil
}

// CompleteReview records the reviewer's sign-off on a mapped document,
// optionally linking it to an existing contract. Only documents waiting in
// review (status mapping) can be completed.
func (o *Orchestrator) CompleteReview(ctx context.Context, documentID, userID int64, linkedContractID *int64) (*model.Document, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	next, err := model.Transition(doc.Status, model.StatusProcessed)
	if err != nil {
		return nil, eris.Wrapf(err, "document %d", documentID)
	}

	if err := o.store.MarkProcessed(ctx, documentID, userID, linkedContractID); err != nil {
		return nil, err
	}
	doc.Status = next

	if err := o.store.AppendAudit(ctx, auditActionProcessed, documentID, "review completed"); err != nil {
		zap.L().Error("failed to append processed audit entry",
			zap.Int64("document_id", documentID),
			zap.Error(err),
		)
	}

	zap.L().Info("document processed",
		zap.Int64("document_id", documentID),
		zap.Int64("user_id", userID),
	)
	return doc, nil
}

// SubmitFeedback queues a human correction for delivery to the intelligence
// service.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, fb model.Feedback) error {
	return o.queue.Enqueue(ctx, queue.TypeFeedback, fb)
}

// HandleProcessDocument is the pipeline entry handler: it dispatches schema
// extraction and marks the document in-flight.
func (o *Orchestrator) HandleProcessDocument(ctx context.Context, job queue.Job) queue.Disposition {
	var msg queue.ProcessDocument
	if err := job.Decode(&msg); err != nil {
		zap.L().Error("malformed process_document job", zap.String("job_id", job.ID), zap.Error(err))
		return queue.Drop
	}

	doc, disp, ok := o.loadDocument(ctx, msg.DocumentID)
	if !ok {
		return disp
	}

	// A redelivered entry job after the pipeline already started must not
	// dispatch a second extraction. Documents parked at queued by the health
	// gate below resume here on redelivery.
	if doc.Status != model.StatusNew && doc.Status != model.StatusQueued {
		zap.L().Info("document already in pipeline, acknowledging duplicate",
			zap.Int64("document_id", doc.ID),
			zap.String("status", string(doc.Status)),
		)
		return queue.Ack
	}

	// A service already known to be down would only burn delivery budget;
	// park the document until the health verdict clears.
	if !o.client.IsHealthy(ctx) {
		if err := o.store.UpdateStatus(ctx, doc.ID, model.StatusQueued); err != nil {
			zap.L().Error("failed to park document while service is down",
				zap.Int64("document_id", doc.ID),
				zap.Error(err),
			)
			return queue.Retry
		}
		o.notifier.ProcessingDelayed(ctx, doc, "intelligence service unavailable")
		zap.L().Warn("intelligence service unhealthy, document parked",
			zap.Int64("document_id", doc.ID),
		)
		return queue.Retry
	}

	if err := o.queue.Enqueue(ctx, queue.TypeSchemaExtraction, queue.SchemaExtraction{
		DocumentID: doc.ID,
		RawData:    doc.RawData,
	}); err != nil {
		zap.L().Error("failed to dispatch schema extraction",
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)
		return queue.Retry
	}

	if err := o.store.UpdateStatus(ctx, doc.ID, model.StatusExtractingSchema); err != nil {
		zap.L().Error("failed to mark document extracting",
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)
		return queue.Retry
	}

	zap.L().Info("schema extraction initiated", zap.Int64("document_id", doc.ID))
	return queue.Ack
}

// HandleSchemaExtraction runs stage 1: structured-schema extraction via the
// intelligence service.
func (o *Orchestrator) HandleSchemaExtraction(ctx context.Context, job queue.Job) queue.Disposition {
	var msg queue.SchemaExtraction
	if err := job.Decode(&msg); err != nil {
		zap.L().Error("malformed schema_extraction job", zap.String("job_id", job.ID), zap.Error(err))
		return queue.Drop
	}

	doc, disp, ok := o.loadDocument(ctx, msg.DocumentID)
	if !ok {
		return disp
	}

	// Duplicate delivery after the stage already completed. A document left
	// at resolving_entities means the extraction persisted but the earlier
	// delivery failed before dispatching resolution, so finish the dispatch
	// from the persisted schema instead of acknowledging it away.
	if stageDone(doc.Status, model.StatusExtractingSchema) {
		if doc.Status == model.StatusResolvingEntities {
			zap.L().Info("resuming resolution dispatch from persisted schema",
				zap.Int64("document_id", doc.ID),
			)
			return o.dispatchResolution(ctx, doc, doc.ExtractedSchema)
		}
		zap.L().Info("schema already extracted, acknowledging duplicate",
			zap.Int64("document_id", doc.ID),
			zap.String("status", string(doc.Status)),
		)
		return queue.Ack
	}

	o.notifier.ProcessingStarted(ctx, doc, StageExtractingSchema)

	schema, err := o.client.ExtractSchema(ctx, msg.RawData)
	if err != nil {
		return o.handleStageError(ctx, doc, err, "schema extraction",
			"Schema extraction failed. Please try again or contact support.")
	}

	if err := o.store.ApplyExtraction(ctx, doc.ID, schema); err != nil {
		zap.L().Error("failed to persist extracted schema",
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)
		return queue.Retry
	}

	if disp := o.dispatchResolution(ctx, doc, schema); disp != queue.Ack {
		return disp
	}

	zap.L().Info("schema extracted successfully", zap.Int64("document_id", doc.ID))
	return queue.Ack
}

// dispatchResolution hands an extracted document to the entity resolution
// stage. Returning Retry keeps the extraction job alive; the redelivery
// resumes here off the persisted schema.
func (o *Orchestrator) dispatchResolution(ctx context.Context, doc *model.Document, schema map[string]any) queue.Disposition {
	source, target, err := o.loadTenants(ctx, doc)
	if err != nil {
		zap.L().Error("failed to load tenants for resolution dispatch",
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)
		return queue.Retry
	}

	if err := o.queue.Enqueue(ctx, queue.TypeEntityResolution, queue.EntityResolution{
		DocumentID:       doc.ID,
		ExtractedData:    schema,
		SourceTenantCode: source.Code,
		TargetTenantCode: target.Code,
	}); err != nil {
		zap.L().Error("failed to dispatch entity resolution",
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)
		return queue.Retry
	}
	return queue.Ack
}

// HandleEntityResolution runs stage 2: entity resolution and mapping. On
// success the document is handed to human review and the target tenant is
// notified.
func (o *Orchestrator) HandleEntityResolution(ctx context.Context, job queue.Job) queue.Disposition {
	var msg queue.EntityResolution
	if err := job.Decode(&msg); err != nil {
		zap.L().Error("malformed entity_resolution job", zap.String("job_id", job.ID), zap.Error(err))
		return queue.Drop
	}

	doc, disp, ok := o.loadDocument(ctx, msg.DocumentID)
	if !ok {
		return disp
	}

	if stageDone(doc.Status, model.StatusResolvingEntities) {
		zap.L().Info("entities already resolved, acknowledging duplicate",
			zap.Int64("document_id", doc.ID),
			zap.String("status", string(doc.Status)),
		)
		return queue.Ack
	}

	o.notifier.ProcessingStarted(ctx, doc, StageResolvingEntities)

	result, err := o.client.ResolveEntities(ctx, msg.ExtractedData, msg.SourceTenantCode, msg.TargetTenantCode)
	if err != nil {
		return o.handleStageError(ctx, doc, err, "entity resolution",
			"Entity resolution failed. Please try again or contact support.")
	}

	if err := o.store.ApplyResolution(ctx, doc.ID, result.MappedData, result.ConfidenceScores); err != nil {
		zap.L().Error("failed to persist resolution result",
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)
		return queue.Retry
	}
	doc.Status = model.StatusMapping

	o.notifier.DocumentReady(ctx, doc)

	zap.L().Info("entity resolution completed", zap.Int64("document_id", doc.ID))
	return queue.Ack
}

// HandleFeedback forwards a queued human correction to the intelligence
// service.
func (o *Orchestrator) HandleFeedback(ctx context.Context, job queue.Job) queue.Disposition {
	var fb queue.Feedback
	if err := job.Decode(&fb); err != nil {
		zap.L().Error("malformed feedback job", zap.String("job_id", job.ID), zap.Error(err))
		return queue.Drop
	}

	if err := o.client.SubmitFeedback(ctx, fb); err != nil {
		if resilience.IsConnectionError(err) {
			zap.L().Warn("intelligence service unavailable for feedback", zap.Error(err))
			return queue.Retry
		}
		zap.L().Error("failed to submit active learning feedback", zap.Error(err))
		return queue.Ack
	}

	zap.L().Info("active learning feedback submitted",
		zap.String("source_tenant", fb.SourceTenantCode),
		zap.String("target_tenant", fb.TargetTenantCode),
	)
	return queue.Ack
}

// handleStageError maps a stage failure onto document state. Connection
// failures park the document in queued and ask for redelivery; anything else
// is terminal for the automated pipeline and needs a manual retry.
func (o *Orchestrator) handleStageError(ctx context.Context, doc *model.Document, err error, stage, userMessage string) queue.Disposition {
	if resilience.IsConnectionError(err) {
		zap.L().Warn("intelligence service unavailable",
			zap.String("stage", stage),
			zap.Int64("document_id", doc.ID),
			zap.Error(err),
		)

		o.notifier.ServiceUnavailable(ctx, doc, intelligence.ServiceName)

		if serr := o.store.UpdateStatus(ctx, doc.ID, model.StatusQueued); serr != nil {
			zap.L().Error("failed to mark document queued",
				zap.Int64("document_id", doc.ID),
				zap.Error(serr),
			)
		}
		return queue.Retry
	}

	errorType := "unknown"
	if se := resilience.AsServiceError(err); se != nil {
		errorType = se.ErrorType()
	} else {
		userMessage = "An unexpected error occurred. Please try again or contact support."
	}

	zap.L().Error("pipeline stage failed",
		zap.String("stage", stage),
		zap.Int64("document_id", doc.ID),
		zap.String("error_type", errorType),
		zap.Error(err),
	)

	if serr := o.store.UpdateStatus(ctx, doc.ID, model.StatusError); serr != nil {
		zap.L().Error("failed to mark document errored",
			zap.Int64("document_id", doc.ID),
			zap.Error(serr),
		)
		return queue.Retry
	}
	doc.Status = model.StatusError

	o.notifier.DocumentError(ctx, doc, errorType, userMessage)
	return queue.Ack
}

// loadDocument fetches the document for a job, translating absence into Drop
// and transient store failures into Retry.
func (o *Orchestrator) loadDocument(ctx context.Context, id int64) (*model.Document, queue.Disposition, bool) {
	doc, err := o.store.GetDocument(ctx, id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			zap.L().Error("document not found", zap.Int64("document_id", id))
			return nil, queue.Drop, false
		}
		zap.L().Error("failed to load document", zap.Int64("document_id", id), zap.Error(err))
		return nil, queue.Retry, false
	}
	return doc, queue.Ack, true
}

func (o *Orchestrator) loadTenants(ctx context.Context, doc *model.Document) (source, target *model.Tenant, err error) {
	source, err = o.store.GetTenant(ctx, doc.SourceTenantID)
	if err != nil {
		return nil, nil, err
	}
	target, err = o.store.GetTenant(ctx, doc.TargetTenantID)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

// stageDone reports whether the document has already moved past the given
// in-flight stage. A queued document is a parked redelivery of the same
// stage, so it is not done.
func stageDone(current, stage model.Status) bool {
	if current == stage || current == model.StatusQueued || current == model.StatusNew {
		return false
	}
	return true
}
