package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// handleWebhook triggers a workflow from an external event. The signature is
// verified over the raw body before it is parsed, so a tampered payload never
// reaches the dispatcher. Saturation returns 503; callers are expected to
// retry, not the server to queue.
func (s *Server) handleWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	if s.cfg.WebhookSecret != "" {
		if !verifySignature(s.cfg.WebhookSecret, raw, c.GetHeader(SignatureHeader)) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
	}

	var payload struct {
		WorkflowName string         `json:"workflow_name"`
		Inputs       map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if payload.WorkflowName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow_name is required"})
		return
	}

	runID, err := s.cfg.Launcher.Launch(payload.WorkflowName, payload.Inputs)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownWorkflow):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ErrBusy):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			s.fail(c, err)
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// verifySignature compares the expected HMAC in constant time. A leading
// "sha256=" prefix on the header is accepted for compatibility with common
// webhook senders.
func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

// Sign computes the webhook signature for a payload. Exposed so senders and
// tests produce exactly what verification expects.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
