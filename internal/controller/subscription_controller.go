package controller

import (
	"net/http"

	"github.com/kaftw/newsletter/internal/service"
)

type SubscriptionController struct {
	subscriptionService *service.SubscriptionService
}

func NewSubscriptionController(subscriptionService *service.SubscriptionService) *SubscriptionController {
	return &SubscriptionController{subscriptionService: subscriptionService}
}

// Subscribe registers a pending subscriber and sends the confirmation link.
func (h *SubscriptionController) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.subscriptionService.Subscribe(r.Context(), req.Name, req.Email); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubscribeResponse{
		Status:  "pending_confirmation",
		Message: "Check your inbox to confirm the subscription.",
	})
}

func (h *SubscriptionController) Confirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("subscription_token")

	if err := h.subscriptionService.Confirm(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubscribeResponse{
		Status:  "confirmed",
		Message: "Your subscription is confirmed.",
	})
}
