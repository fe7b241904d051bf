package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/menglacorp/mengla-collector/internal/adapter/upstream"
)

// webhookPayload is the loosely-typed shape the upstream callback posts:
// executionId may be top-level, nested under data, or spelled execution_id;
// the result payload may be under resultData, data, or self (spec §4.6).
type webhookPayload map[string]any

func (p webhookPayload) executionID() string {
	if v, ok := p["executionId"].(string); ok && v != "" {
		return v
	}
	if v, ok := p["execution_id"].(string); ok && v != "" {
		return v
	}
	if data, ok := p["data"].(map[string]any); ok {
		if v, ok := data["executionId"].(string); ok && v != "" {
			return v
		}
		if v, ok := data["execution_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (p webhookPayload) status() string {
	if v, ok := p["status"].(string); ok {
		return v
	}
	return ""
}

func (p webhookPayload) result() any {
	if v, ok := p["resultData"]; ok {
		return v
	}
	if v, ok := p["data"]; ok {
		return v
	}
	return map[string]any(p)
}

// verifyWebhookSignature compares X-Signature-256 against an HMAC-SHA256 of
// the raw body, constant-time. A blank secret is an explicit dev fallback
// that skips verification entirely (spec §4.6).
func verifyWebhookSignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	header = strings.TrimSpace(header)
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, given)
}

// WebhookHandler receives the upstream's asynchronous execution callback
// and publishes real results to the Redis rendezvous channel the
// dispatcher polls (spec §4.6 "POST /api/webhook/mengla-notify").
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lg := LoggerFrom(r)
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "reason": "body read failed"})
			return
		}
		defer r.Body.Close()

		if !verifyWebhookSignature(s.Cfg.WebhookSecret, body, r.Header.Get("X-Signature-256")) {
			lg.Warn("webhook signature mismatch")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "error", "reason": "bad signature"})
			return
		}

		var payload webhookPayload
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "reason": "invalid json"})
			return
		}

		executionID := payload.executionID()
		if executionID == "" {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "skipped": true, "reason": "missing executionId"})
			return
		}

		status := payload.status()
		if upstream.IsHeartbeatStatus(status) {
			lg.Info("webhook heartbeat", slog.String("execution_id", executionID), slog.String("status", status))
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "skipped": true, "reason": "heartbeat"})
			return
		}

		if s.Rdb == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "skipped": true, "reason": "no rendezvous backend"})
			return
		}
		if err := upstream.PublishExecResult(r.Context(), s.Rdb, executionID, status, payload.result()); err != nil {
			lg.Error("webhook publish failed", slog.String("execution_id", executionID), slog.Any("error", err))
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// WebhookProbeHandler returns a static readiness document for upstream
// probes of the webhook URL (spec §4.6 "A companion GET returns a static
// readiness document").
func (s *Server) WebhookProbeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "service": "mengla-collector-webhook"})
	}
}
