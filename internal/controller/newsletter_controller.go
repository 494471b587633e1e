package controller

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/middleware"
	"github.com/kaftw/newsletter/internal/service"
)

const (
	idempotencyHeader      = "Idempotency-Key"
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type NewsletterController struct {
	newsletterService *service.NewsletterService
}

func NewNewsletterController(newsletterService *service.NewsletterService) *NewsletterController {
	return &NewsletterController{newsletterService: newsletterService}
}

// Publish accepts a newsletter issue. RequireAuth runs before it, so an
// unauthenticated request never reaches the store.
func (h *NewsletterController) Publish(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, domainErrors.ErrUnauthorized)
		return
	}

	var req PublishRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}

	result, err := h.newsletterService.Publish(r.Context(), service.PublishInput{
		ActorID:        actorID,
		IdempotencyKey: key,
		Title:          req.Title,
		HTMLContent:    req.HTMLContent,
		TextContent:    req.TextContent,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeSaved(w, result.Response)
}

func (h *NewsletterController) GetIssue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid issue id", Code: "invalid_id"})
		return
	}

	status, err := h.newsletterService.GetIssue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromIssueStatus(status))
}

func (h *NewsletterController) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := delivery.DeadLetterFilter{Limit: defaultDeadLetterLimit}

	if raw := r.URL.Query().Get("issue_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid issue id", Code: "invalid_id"})
			return
		}
		filter.IssueID = &id
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, domainErrors.NewValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = min(limit, maxDeadLetterLimit)
	}

	deadLetters, err := h.newsletterService.ListDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]*DeadLetterResponse, 0, len(deadLetters))
	for _, dl := range deadLetters {
		resp = append(resp, FromDeadLetter(dl))
	}
	writeJSON(w, http.StatusOK, ListDeadLettersResponse{DeadLetters: resp, Count: len(resp)})
}
