package model

import "time"

// EventType identifies the kind of inbox notification.
type EventType string

const (
	EventDocumentReady      EventType = "document_ready"
	EventDocumentError      EventType = "document_error"
	EventServiceUnavailable EventType = "service_unavailable"
	EventProcessingStarted  EventType = "processing_started"
	EventProcessingDelayed  EventType = "processing_delayed"
)

// Event is the notification payload published to a tenant's inbox topic on
// document state changes. Type-specific fields are optional and omitted when
// empty.
type Event struct {
	Type       EventType `json:"type"`
	DocumentID int64     `json:"documentId"`
	Timestamp  string    `json:"timestamp"`

	Status       string `json:"status,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Service      string `json:"service,omitempty"`
	Message      string `json:"message,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewEvent creates an event of the given type for a document with the
// timestamp set to now in ISO-8601 form.
func NewEvent(t EventType, documentID int64) Event {
	return Event{
		Type:       t,
		DocumentID: documentID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}
