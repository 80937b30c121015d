// Package notify publishes inbox events to the target tenant's topic so
// connected frontends see document state changes in real time. Publishing is
// best-effort: a failed publish is logged and dropped, it never fails the
// pipeline operation that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/model"
)

// Publisher is the transport that delivers a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Notifier builds inbox events and publishes them to inbox/{tenantID}.
type Notifier struct {
	pub Publisher
}

func New(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// Topic returns the inbox topic for a tenant.
func Topic(tenantID int64) string {
	return fmt.Sprintf("inbox/%d", tenantID)
}

// DocumentReady announces that a document has finished the automated stages
// and is ready for mapping review.
func (n *Notifier) DocumentReady(ctx context.Context, doc *model.Document) {
	ev := model.NewEvent(model.EventDocumentReady, doc.ID)
	ev.Status = string(doc.Status)
	ev.Message = "Document is ready for mapping"
	n.publish(ctx, doc, ev)
}

// DocumentError announces a terminal processing failure.
func (n *Notifier) DocumentError(ctx context.Context, doc *model.Document, errorType, errorMessage string) {
	ev := model.NewEvent(model.EventDocumentError, doc.ID)
	ev.Status = string(model.StatusError)
	ev.ErrorType = errorType
	ev.ErrorMessage = errorMessage
	n.publish(ctx, doc, ev)

	zap.L().Warn("document processing error notification sent",
		zap.Int64("document_id", doc.ID),
		zap.String("error_type", errorType),
		zap.String("error_message", errorMessage),
	)
}

// ServiceUnavailable announces that an upstream service is down and the
// document has been queued for automatic reprocessing.
func (n *Notifier) ServiceUnavailable(ctx context.Context, doc *model.Document, serviceName string) {
	ev := model.NewEvent(model.EventServiceUnavailable, doc.ID)
	ev.Status = string(model.StatusQueued)
	ev.Service = serviceName
	ev.Message = fmt.Sprintf("The %s service is temporarily unavailable. Your document has been queued and will be processed automatically when the service is restored.", serviceName)
	n.publish(ctx, doc, ev)
}

// ProcessingDelayed announces that processing was postponed.
func (n *Notifier) ProcessingDelayed(ctx context.Context, doc *model.Document, reason string) {
	ev := model.NewEvent(model.EventProcessingDelayed, doc.ID)
	ev.Status = "delayed"
	ev.Reason = reason
	ev.Message = "Document processing has been delayed. It will be processed automatically."
	n.publish(ctx, doc, ev)
}

// ProcessingStarted announces that a pipeline stage has picked up a document.
func (n *Notifier) ProcessingStarted(ctx context.Context, doc *model.Document, stage string) {
	ev := model.NewEvent(model.EventProcessingStarted, doc.ID)
	ev.Status = "processing"
	ev.Stage = stage
	ev.Message = fmt.Sprintf("Document is being processed: %s", stage)
	n.publish(ctx, doc, ev)
}

func (n *Notifier) publish(ctx context.Context, doc *model.Document, ev model.Event) {
	topic := Topic(doc.TargetTenantID)

	payload, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("failed to marshal inbox event",
			zap.Int64("document_id", doc.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return
	}

	if err := n.pub.Publish(ctx, topic, payload); err != nil {
		zap.L().Error("failed to publish inbox event",
			zap.Int64("document_id", doc.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return
	}

	zap.L().Debug("inbox event published",
		zap.String("topic", topic),
		zap.String("type", string(ev.Type)),
		zap.Int64("document_id", doc.ID),
	)
}
