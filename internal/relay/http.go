package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nextlevelbuilder/relayclaw/internal/channels"
)

const maxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// ForwardHandler serves POST /relay/forward on the responder.
func ForwardHandler(r *Responder, token string, limiter *channels.WebhookRateLimiter) http.HandlerFunc {
	return guard(token, limiter, func(w http.ResponseWriter, req *http.Request) {
		var fr ForwardRequest
		if !decode(w, req, &fr) {
			return
		}
		switch err := r.Accept(fr); {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "correlation_id": fr.CorrelationID})
		case errors.Is(err, ErrDuplicate):
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "correlation_id": fr.CorrelationID})
		case errors.Is(err, ErrBusy):
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
	})
}

// ResponseHandler serves POST /relay/response on the connector. Unmatched
// correlation ids are acknowledged and dropped.
func ResponseHandler(f *Forwarder, token string, limiter *channels.WebhookRateLimiter) http.HandlerFunc {
	return guard(token, limiter, func(w http.ResponseWriter, req *http.Request) {
		var rp ResponsePayload
		if !decode(w, req, &rp) {
			return
		}
		status := "ignored"
		if f.Resolve(rp) {
			status = "matched"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	})
}

func guard(token string, limiter *channels.WebhookRateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if limiter != nil && !limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		next(w, r)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("relay: write response", "error", err)
	}
}
