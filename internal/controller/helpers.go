package controller

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/idempotency"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrIssueNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrIdempotencyInProgress, http.StatusConflict, "request_in_progress"},
	{domainErrors.ErrSubscriberAlreadyExists, http.StatusConflict, "already_subscribed"},
	{domainErrors.ErrSubscriptionTokenNotFound, http.StatusUnauthorized, "unknown_token"},
	{domainErrors.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
}

// formDecoder is implemented by request DTOs that also accept
// application/x-www-form-urlencoded bodies.
type formDecoder interface {
	fromForm(values url.Values)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSaved writes a stored response exactly as it was first produced.
func writeSaved(w http.ResponseWriter, resp *idempotency.SavedResponse) {
	for _, h := range resp.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			resp.Error = m.err.Error()
			writeJSON(w, m.status, resp)
			return
		}
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if fd, ok := dst.(formDecoder); ok && isForm(r) {
		if err := r.ParseForm(); err != nil {
			return domainErrors.NewValidationError("body", "invalid form: "+err.Error())
		}
		fd.fromForm(r.PostForm)
	} else if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}

	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

func isForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}
