package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/domain"
)

// WebhookAdapter delivers the rendered content as a JSON POST to the
// recipient's webhook URL. It is the one adapter in-tree with a real
// transport; the other channel families plug in the same way.
type WebhookAdapter struct {
	HTTP   *http.Client
	Secret string
}

func NewWebhookAdapter(timeout time.Duration, secret string) *WebhookAdapter {
	return &WebhookAdapter{
		HTTP:   &http.Client{Timeout: timeout},
		Secret: secret,
	}
}

func (a *WebhookAdapter) Name() string { return "webhook-http" }

type webhookBody struct {
	DeliveryID string                 `json:"deliveryId"`
	TenantID   string                 `json:"tenantId"`
	Title      string                 `json:"title,omitempty"`
	Body       string                 `json:"body"`
	Context    map[string]string      `json:"context,omitempty"`
	Buttons    []domain.Button        `json:"buttons,omitempty"`
	SentAt     time.Time              `json:"sentAt"`
}

func (a *WebhookAdapter) Send(ctx context.Context, p Payload) Result {
	if p.Recipient.WebhookURL == "" {
		return Result{Err: errors.New("recipient has no webhook url"), Retriable: false}
	}
	if p.Content == nil {
		return Result{Err: errors.New("no content snapshot"), Retriable: false}
	}

	body, err := json.Marshal(webhookBody{
		DeliveryID: p.DeliveryID,
		TenantID:   p.TenantID,
		Title:      p.Content.Title,
		Body:       p.Content.Body,
		Context:    p.Context,
		Buttons:    p.Content.Buttons,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return Result{Err: err, Retriable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Recipient.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err, Retriable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Secret != "" {
		req.Header.Set("X-Notifyd-Secret", a.Secret)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		perr := &domain.ProviderError{Provider: a.Name(), Reason: err.Error(), Retriable: Retriable(err)}
		return Result{Err: perr, Retriable: perr.Retriable}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &domain.ProviderError{
			Provider:  a.Name(),
			Reason:    "endpoint returned " + resp.Status,
			Retriable: RetriableStatus(resp.StatusCode),
		}
		return Result{Err: perr, Retriable: perr.Retriable}
	}
	return Result{Success: true, MessageID: "wh_" + uuid.NewString()}
}
