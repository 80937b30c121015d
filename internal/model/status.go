package model

import (
	"github.com/rotisserie/eris"
)

// Status represents the processing state of a received document.
type Status string

const (
	StatusNew               Status = "new"
	StatusExtractingSchema  Status = "extracting_schema"
	StatusResolvingEntities Status = "resolving_entities"
	StatusMapping           Status = "mapping"
	StatusProcessed         Status = "processed"
	// StatusQueued marks a recoverable failure; the document is retried
	// automatically when the upstream service recovers.
	StatusQueued Status = "queued"
	// StatusError marks a terminal failure; reprocessing requires an
	// explicit retry request.
	StatusError Status = "error"
	// StatusDelegated is set by export tooling once a document has been
	// handed off to the counterpart system. The pipeline never produces it.
	StatusDelegated Status = "delegated"
)

// ErrInvalidTransition is returned when a status change is not a legal edge.
var ErrInvalidTransition = eris.New("model: invalid status transition")

// ErrNotRetryable is returned when a retry is requested for a document whose
// status is neither error nor queued.
var ErrNotRetryable = eris.New("model: document is not retryable")

// Valid reports whether s is one of the defined document statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusExtractingSchema, StatusResolvingEntities,
		StatusMapping, StatusProcessed, StatusQueued, StatusError, StatusDelegated:
		return true
	}
	return false
}

// InFlight reports whether the document is currently inside the automated
// pipeline (a stage handler owns it).
func (s Status) InFlight() bool {
	switch s {
	case StatusExtractingSchema, StatusResolvingEntities:
		return true
	}
	return false
}

// Retryable reports whether a manual retry request is legal from s.
func (s Status) Retryable() bool {
	return s == StatusError || s == StatusQueued
}

// transitions enumerates every legal status edge. Entry points (retry,
// review completion, export) validate against this map via Transition;
// stage handlers own the in-pipeline completion and parking writes.
var transitions = map[Status][]Status{
	StatusNew:               {StatusExtractingSchema},
	StatusExtractingSchema:  {StatusResolvingEntities, StatusQueued, StatusError},
	StatusResolvingEntities: {StatusMapping, StatusQueued, StatusError},
	StatusMapping:           {StatusProcessed, StatusDelegated},
	StatusProcessed:         {StatusDelegated},
	StatusQueued:            {StatusNew},
	StatusError:             {StatusNew},
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the document state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and returns the new status, or
// ErrInvalidTransition if the edge is not defined.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return to, nil
}
