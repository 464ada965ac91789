package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notifyd/internal/domain"
)

func webhookPayload(url string) Payload {
	return Payload{
		DeliveryID: "dlv_1",
		TenantID:   "t1",
		Channel:    domain.ChannelWebhook,
		Recipient:  domain.ContactInfo{WebhookURL: url},
		Content:    &domain.ChannelContent{Title: "Order", Body: "shipped"},
		Context:    map[string]string{"orderId": "o_42"},
	}
}

func TestWebhookSendPostsSnapshot(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Notifyd-Secret") != "s3cret" {
			t.Errorf("secret header = %q", r.Header.Get("X-Notifyd-Secret"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(time.Second, "s3cret")
	res := a.Send(context.Background(), webhookPayload(srv.URL))
	if !res.Success {
		t.Fatalf("send failed: %v", res.Err)
	}
	if res.MessageID == "" {
		t.Fatalf("no message id")
	}
	if got.DeliveryID != "dlv_1" || got.Body != "shipped" {
		t.Fatalf("posted body = %+v", got)
	}
}

func TestWebhookServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(time.Second, "")
	res := a.Send(context.Background(), webhookPayload(srv.URL))
	if res.Success {
		t.Fatalf("expected failure")
	}
	var perr *domain.ProviderError
	if !errors.As(res.Err, &perr) {
		t.Fatalf("err = %T, want *domain.ProviderError", res.Err)
	}
	if perr.Provider != "webhook-http" {
		t.Fatalf("provider = %q", perr.Provider)
	}
	if !perr.Retriable || !res.Retriable {
		t.Fatalf("5xx should be retriable")
	}
}

func TestWebhookClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(time.Second, "")
	res := a.Send(context.Background(), webhookPayload(srv.URL))
	var perr *domain.ProviderError
	if !errors.As(res.Err, &perr) {
		t.Fatalf("err = %T, want *domain.ProviderError", res.Err)
	}
	if perr.Retriable || res.Retriable {
		t.Fatalf("4xx must not re-enter the retry loop")
	}
}

func TestWebhookRejectsMissingURL(t *testing.T) {
	a := NewWebhookAdapter(time.Second, "")
	res := a.Send(context.Background(), webhookPayload(""))
	if res.Err == nil || res.Retriable {
		t.Fatalf("missing url should fail terminally, got %+v", res)
	}
}
