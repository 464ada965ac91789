package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"notifyd/internal/service"
	"notifyd/internal/tracking"
)

// trackingPixel is a 1x1 transparent GIF.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Tracking struct {
	Svc  *tracking.Service
	Pref *service.NotificationService
}

func (t *Tracking) Register(m *mux.Router) {
	m.HandleFunc("/t/o/{trackingId}", t.handleOpen).Methods(http.MethodGet)
	m.HandleFunc("/t/c/{trackingId}", t.handleClick).Methods(http.MethodGet)
	m.HandleFunc("/v1/unsubscribe", t.handleUnsubscribe).Methods(http.MethodGet)
}

// handleOpen always serves the pixel: the tracking contract never breaks,
// even when recording fails internally.
func (t *Tracking) handleOpen(w http.ResponseWriter, r *http.Request) {
	t.Svc.TrackOpen(r.Context(), mux.Vars(r)["trackingId"], map[string]any{
		"userAgent": r.UserAgent(),
		"ip":        r.RemoteAddr,
	})

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	_, _ = w.Write(trackingPixel)
}

// handleClick records the click and redirects to the target URL regardless
// of the recording outcome.
func (t *Tracking) handleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	t.Svc.TrackClick(r.Context(), mux.Vars(r)["trackingId"], target, map[string]any{
		"userAgent": r.UserAgent(),
	})

	if target == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (t *Tracking) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	if err := t.Pref.Unsubscribe(r.Context(), token); err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("You have been unsubscribed from marketing notifications.\n"))
}
