// Package api exposes the inbox and ingest HTTP surface consumed by the hub
// frontend and by counterpart systems delivering documents.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/internal/orchestrator"
	"github.com/qbilhub/docpipe/internal/store"
)

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	store store.Store
	orch  *orchestrator.Orchestrator
}

func New(st store.Store, orch *orchestrator.Orchestrator) *Server {
	return &Server{store: st, orch: orch}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/hub", func(r chi.Router) {
		r.Post("/documents", s.handleIngest)
		r.Post("/feedback", s.handleFeedback)

		r.Route("/inbox", func(r chi.Router) {
			r.Get("/documents", s.handleListDocuments)
			r.Get("/unread-count", s.handleUnreadCount)
			r.Post("/document/{id}/mark-read", s.handleMarkRead)
			r.Post("/document/{id}/retry", s.handleRetry)
			r.Post("/document/{id}/process", s.handleProcess)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	SourceTenantID int64          `json:"sourceTenantId"`
	TargetTenantID int64          `json:"targetTenantId"`
	DocumentType   string         `json:"documentType"`
	DocumentURL    string         `json:"documentUrl"`
	RawData        map[string]any `json:"rawData"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceTenantID == 0 || req.TargetTenantID == 0 {
		writeError(w, http.StatusBadRequest, "sourceTenantId and targetTenantId are required")
		return
	}
	if req.DocumentType == "" {
		writeError(w, http.StatusBadRequest, "documentType is required")
		return
	}
	if req.RawData == nil {
		writeError(w, http.StatusBadRequest, "rawData is required")
		return
	}

	doc, err := s.orch.Ingest(r.Context(), &model.Document{
		SourceTenantID: req.SourceTenantID,
		TargetTenantID: req.TargetTenantID,
		DocumentType:   req.DocumentType,
		DocumentURL:    req.DocumentURL,
		RawData:        req.RawData,
	})
	if err != nil {
		zap.L().Error("document ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to ingest document")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     doc.ID,
		"status": doc.Status,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb model.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if fb.SourceTenantCode == "" || fb.TargetTenantCode == "" {
		writeError(w, http.StatusBadRequest, "sourceTenantCode and targetTenantCode are required")
		return
	}

	if err := s.orch.SubmitFeedback(r.Context(), fb); err != nil {
		zap.L().Error("feedback enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue feedback")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// documentView is the inbox list representation, shaped for the frontend.
type documentView struct {
	ID           int64      `json:"id"`
	Status       string     `json:"status"`
	SourceTenant tenantView `json:"sourceTenant"`
	DocumentType string     `json:"documentType"`
	DocumentURL  string     `json:"documentUrl"`
	ReceivedAt   string     `json:"receivedAt"`
	IsRead       bool       `json:"isRead"`
}

type tenantView struct {
	Name    string `json:"name"`
	LogoURL string `json:"logoUrl"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}

	filter := store.InboxFilter{}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		filter.Status = status
	}
	if r.URL.Query().Get("unread") == "true" {
		filter.UnreadOnly = true
	}

	docs, err := s.store.ListInbox(r.Context(), tenantID, filter)
	if err != nil {
		zap.L().Error("inbox list failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	// Source tenants repeat heavily in an inbox; resolve each once.
	tenants := map[int64]*model.Tenant{}
	views := make([]documentView, 0, len(docs))
	for _, doc := range docs {
		src, ok := tenants[doc.SourceTenantID]
		if !ok {
			src, err = s.store.GetTenant(r.Context(), doc.SourceTenantID)
			if err != nil {
				zap.L().Error("source tenant lookup failed",
					zap.Int64("tenant_id", doc.SourceTenantID),
					zap.Error(err),
				)
				writeError(w, http.StatusInternalServerError, "failed to list documents")
				return
			}
			tenants[doc.SourceTenantID] = src
		}

		views = append(views, documentView{
			ID:           doc.ID,
			Status:       string(doc.Status),
			SourceTenant: tenantView{Name: src.Name, LogoURL: src.LogoURL},
			DocumentType: doc.DocumentType,
			DocumentURL:  doc.DocumentURL,
			ReceivedAt:   doc.ReceivedAt.UTC().Format(time.RFC3339),
			IsRead:       doc.IsRead,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"documents": views})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}

	count, err := s.store.UnreadCount(r.Context(), tenantID)
	if err != nil {
		zap.L().Error("unread count failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count unread documents")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := s.store.MarkRead(r.Context(), id); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		zap.L().Error("mark read failed", zap.Int64("document_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to mark document read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if _, err := s.orch.RetryDocument(r.Context(), id); err != nil {
		switch {
		case eris.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		case eris.Is(err, model.ErrNotRetryable):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "Document cannot be retried",
				"message": "Only failed or queued documents can be retried",
			})
		default:
			zap.L().Error("retry failed", zap.Int64("document_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retry document")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Document has been queued for reprocessing",
	})
}

type processRequest struct {
	UserID           int64  `json:"userId"`
	LinkedContractID *int64 `json:"linkedContractId"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if _, err := s.orch.CompleteReview(r.Context(), id, req.UserID, req.LinkedContractID); err != nil {
		switch {
		case eris.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		case eris.Is(err, model.ErrInvalidTransition):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "Document cannot be processed",
				"message": "Only documents in review can be marked processed",
			})
		default:
			zap.L().Error("review completion failed", zap.Int64("document_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process document")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// helpers

func tenantParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("tenant"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return 0, false
	}
	return id, true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
