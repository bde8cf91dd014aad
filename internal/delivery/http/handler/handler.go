package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/delivery/http/request"
	"github.com/user/catalog-crawler/internal/delivery/http/response"
	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/internal/usecase"
)

type Handler struct {
	urlManager usecase.URLManager
	logger     *zap.Logger
}

func NewHandler(urlManager usecase.URLManager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		urlManager: urlManager,
		logger:     logger.Named("http"),
	}
}

func (h *Handler) HandleSubmitCrawl(w http.ResponseWriter, r *http.Request) {
	var req request.SubmitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := url.ParseRequestURI(req.URL); err != nil {
		h.writeJSONError(w, "Invalid URL format", http.StatusBadRequest)
		return
	}

	crawlID, err := h.urlManager.Submit(r.Context(), req.URL, req.ForceCrawl)
	switch {
	case err == nil:
	case errors.Is(err, usecase.ErrURLRecentlyCrawled):
		h.writeJSONError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, usecase.ErrInvalidURL):
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, usecase.ErrURLRejected):
		h.writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	default:
		h.logger.Error("Failed to submit URL", zap.String("url", req.URL), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := response.SubmitCrawlResponse{
		Status:         "success",
		Message:        "URL submitted for crawling",
		CrawlRequestID: crawlID,
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) HandleGetCrawlStatus(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		h.writeJSONError(w, "URL query parameter is required", http.StatusBadRequest)
		return
	}

	if _, err := url.ParseRequestURI(rawURL); err != nil {
		h.writeJSONError(w, "Invalid URL format in query parameter", http.StatusBadRequest)
		return
	}

	status, err := h.urlManager.GetStatus(r.Context(), rawURL)
	if err != nil {
		h.logger.Error("Failed to get crawl status", zap.String("url", rawURL), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if status.CurrentStatus == entity.StatusNotFound {
		h.writeJSONError(w, "Crawl status not found for the given URL", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, response.NewCrawlStatusResponse(status))
}

// HandleGetEntity serves /api/entities/{namespace}/{name}/{year}/{variant}.
func (h *Handler) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	e, err := h.urlManager.GetEntity(r.Context(), key)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, response.NewEntityResponse(e))
	case errors.Is(err, entity.ErrInvalidEntityKey):
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound):
		h.writeJSONError(w, "Entity not found", http.StatusNotFound)
	default:
		h.logger.Error("Failed to get entity", zap.String("key", key), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.urlManager.Stats())
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
