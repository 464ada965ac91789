package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"notifyd/internal/domain"
	"notifyd/internal/service"
)

// Webhook receives provider delivery-status callbacks and completes the
// SENT -> DELIVERED / FAILED leg of the state machine.
type Webhook struct {
	Svc    *service.NotificationService
	Secret string
}

func (wh *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/provider/status", wh.handleStatus).Methods(http.MethodPost)
}

func (wh *Webhook) handleStatus(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get("X-Provider-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(wh.Secret)) != 1 {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var req struct {
		ProviderMessageID string `json:"providerMessageId"`
		Status            string `json:"status"`
		ErrorCode         string `json:"errorCode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderMessageID == "" {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	if err := wh.Svc.ConfirmDelivery(r.Context(), req.ProviderMessageID, req.Status); err != nil {
		if errors.Is(err, domain.ErrDeliveryNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			// Unknown ids and duplicate callbacks are acknowledged so the
			// provider stops redelivering them.
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.Error("provider status callback failed", "err", err, "provider_msg_id", req.ProviderMessageID, "status", req.Status)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
