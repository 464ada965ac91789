package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/service"
	"notifyd/internal/store"
)

type API struct {
	Svc    *service.NotificationService
	Events *events.Log

	// PublicBaseURL prefixes the tracking and unsubscribe links exposed in
	// API responses.
	PublicBaseURL string
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/templates", a.handleCreateTemplate).Methods(http.MethodPost)
	m.HandleFunc("/v1/templates/{id}", a.handleGetTemplate).Methods(http.MethodGet)
	m.HandleFunc("/v1/templates/{id}", a.handleUpdateTemplate).Methods(http.MethodPut)
	m.HandleFunc("/v1/templates/{id}/clone", a.handleCloneTemplate).Methods(http.MethodPost)
	m.HandleFunc("/v1/templates/{id}/status", a.handleTemplateStatus).Methods(http.MethodPost)

	m.HandleFunc("/v1/notifications", a.handleSend).Methods(http.MethodPost)
	m.HandleFunc("/v1/notifications/bulk", a.handleSendBulk).Methods(http.MethodPost)

	m.HandleFunc("/v1/deliveries/{id}", a.handleGetDelivery).Methods(http.MethodGet)
	m.HandleFunc("/v1/deliveries/{id}", a.handleCancelDelivery).Methods(http.MethodDelete)
	m.HandleFunc("/v1/stats", a.handleStats).Methods(http.MethodGet)

	m.HandleFunc("/v1/preferences/{userId}", a.handleGetPreference).Methods(http.MethodGet)
	m.HandleFunc("/v1/preferences/{userId}", a.handleUpdatePreference).Methods(http.MethodPut)
	m.HandleFunc("/v1/preferences/{userId}/consent", a.handleGrantConsent).Methods(http.MethodPost)
	m.HandleFunc("/v1/preferences/{userId}/consent", a.handleWithdrawConsent).Methods(http.MethodDelete)

	m.HandleFunc("/v1/events/{id}/ack", a.handleAckEvent).Methods(http.MethodPost)
}

// tenantID comes from the X-Tenant-ID header; auth in front of this service
// is expected to have validated it.
func tenantID(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the error taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": ve.Errors})
	case errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrDeliveryNotFound),
		errors.Is(err, domain.ErrPreferenceNotFound),
		errors.Is(err, domain.ErrEventNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrTemplateInactive),
		errors.Is(err, domain.ErrCannotCancel),
		errors.Is(err, domain.ErrMissingFields):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return
	}
	var spec domain.Template
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	tpl, err := a.Svc.CreateTemplate(r.Context(), tenant, spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := a.Svc.GetTemplate(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var spec domain.Template
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	tpl, err := a.Svc.UpdateTemplate(r.Context(), tenantID(r), mux.Vars(r)["id"], spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) handleCloneTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	tpl, err := a.Svc.CloneTemplate(r.Context(), tenantID(r), mux.Vars(r)["id"], req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (a *API) handleTemplateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.TemplateStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	tpl, err := a.Svc.SetTemplateStatus(r.Context(), tenantID(r), mux.Vars(r)["id"], req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return
	}
	var req service.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids, err := a.Svc.SendNotification(r.Context(), tenant, req)
	if err != nil {
		slog.Error("send notification failed", "err", err, "tenant_id", tenant, "template_id", req.TemplateID)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"deliveryIds": ids})
}

func (a *API) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return
	}
	var req struct {
		service.SendRequest
		Recipients []service.BulkRecipient `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res := a.Svc.SendBulkNotification(r.Context(), tenant, req.SendRequest, req.Recipients)
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := a.Svc.GetDelivery(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := struct {
		*domain.Delivery
		TrackingPixelURL string `json:"trackingPixelUrl,omitempty"`
		UnsubscribeURL   string `json:"unsubscribeUrl,omitempty"`
	}{Delivery: d}
	if a.PublicBaseURL != "" && d.Metadata.TrackingID != "" {
		resp.TrackingPixelURL = a.PublicBaseURL + "/t/o/" + d.Metadata.TrackingID
		resp.UnsubscribeURL = a.PublicBaseURL + "/v1/unsubscribe?token=" + d.Metadata.TrackingID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via api"
	}
	if err := a.Svc.CancelDelivery(r.Context(), tenantID(r), mux.Vars(r)["id"], reason); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return
	}
	f := store.StatsFilter{
		TenantID:   tenant,
		TemplateID: r.URL.Query().Get("templateId"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}
	stats, err := a.Svc.GetDeliveryStats(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	pref, err := a.Svc.GetUserPreference(r.Context(), tenantID(r), mux.Vars(r)["userId"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (a *API) handleUpdatePreference(w http.ResponseWriter, r *http.Request) {
	var upd service.PreferenceUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	pref, err := a.Svc.UpdateUserPreference(r.Context(), tenantID(r), mux.Vars(r)["userId"], upd)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (a *API) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       domain.ConsentType `json:"type"`
		LegalBasis string             `json:"legalBasis"`
		Source     string             `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	pref, err := a.Svc.GrantConsent(r.Context(), tenantID(r), mux.Vars(r)["userId"], req.Type, req.LegalBasis, "api", req.Source)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (a *API) handleWithdrawConsent(w http.ResponseWriter, r *http.Request) {
	pref, err := a.Svc.WithdrawConsent(r.Context(), tenantID(r), mux.Vars(r)["userId"], "api", r.URL.Query().Get("source"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (a *API) handleAckEvent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return
	}
	var req struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	e, err := a.Events.Acknowledge(r.Context(), tenant, mux.Vars(r)["id"], req.By)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
