package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/services"
)

const maxWebhookBody = 1 << 20

// Ingester stores one webhook payload
type Ingester interface {
	Ingest(ctx context.Context, platform string, payload []byte) (services.IngestResult, error)
}

// WebhookHandler receives provider events.
// It answers 200 only after the inbound event is durably stored.
type WebhookHandler struct {
	ingestor Ingester
	secret   string // HMAC key; empty disables signature checks
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor Ingester, secret string) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		secret:   secret,
	}
}

// HandleEvent handles POST /webhook and POST /webhook/{platform}
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		writeBadRequest(w, r, "Cannot read body")
		return
	}
	defer r.Body.Close()

	if h.secret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if signature == "" || !h.validateSignature(body, signature) {
			slog.Warn("Webhook signature validation failed",
				"has_signature", signature != "",
				"remote_addr", r.RemoteAddr,
			)
			resp := NewErrorResponse(http.StatusForbidden, "Invalid signature")
			resp.TraceID = traceID(r)
			writeJSON(w, http.StatusForbidden, resp)
			return
		}
	}

	platform := chi.URLParam(r, "platform")
	if platform == "" {
		platform = "default"
	}

	result, err := h.ingestor.Ingest(r.Context(), platform, body)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			slog.Warn("Webhook payload rejected",
				"error", err,
				"platform", platform,
				"content_length", len(body),
			)
		}
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, result)
}

// validateSignature checks "sha256=<hex>" against HMAC-SHA256 of the body
func (h *WebhookHandler) validateSignature(payload []byte, signatureHeader string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the X-Hub-Signature-256 value for payload
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
