// Package webhook verifies and classifies inbound GitHub webhook deliveries
// and hands each one to a Dispatcher as a Delivery, per spec §6's webhook
// surface.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const signatureHeader = "X-Hub-Signature-256"
const eventHeader = "X-GitHub-Event"

// VerifySignature checks that signature (the raw X-Hub-Signature-256 header
// value, "sha256=<hex>") matches the HMAC-SHA256 of body under secret. It
// runs in constant time to avoid leaking the expected digest through timing.
func VerifySignature(secret, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	expected := hex.EncodeToString(computeMAC(secret, body))
	given := strings.TrimPrefix(signature, prefix)
	return hmac.Equal([]byte(expected), []byte(given))
}

func computeMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// priorityByEvent maps a GitHub webhook event type to the Priority its
// derived Job should carry.
var priorityByEvent = map[string]types.Priority{
	"workflow_job": types.PriorityCritical,
	"workflow_run": types.PriorityHigh,
	"check_run":    types.PriorityHigh,
	"check_suite":  types.PriorityHigh,
	"push":         types.PriorityNormal,
	"pull_request": types.PriorityNormal,
	"repository":   types.PriorityLow,
	"organization": types.PriorityLow,
}

// ClassifyEvent returns the Priority for a GitHub event type, defaulting to
// Normal for anything unrecognized.
func ClassifyEvent(eventType string) types.Priority {
	if p, ok := priorityByEvent[eventType]; ok {
		return p
	}
	return types.PriorityNormal
}

// Delivery is a verified, parsed webhook delivery handed to the Dispatcher.
type Delivery struct {
	Event    string
	Priority types.Priority
	Payload  json.RawMessage
}

// Dispatcher enqueues verified deliveries for async processing.
type Dispatcher interface {
	Dispatch(d Delivery) error
}

// Handler is the chi-mounted HTTP endpoint GitHub posts deliveries to. It
// verifies the signature, classifies the event, and responds 202 Accepted
// before any downstream processing, since the spec requires the endpoint to
// never block on job submission.
type Handler struct {
	secret     string
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewHandler builds a Handler that verifies deliveries against secret and
// hands verified ones to dispatcher.
func NewHandler(secret string, dispatcher Dispatcher) *Handler {
	return &Handler{secret: secret, dispatcher: dispatcher, logger: log.WithComponent("webhook")}
}

// Mount registers the handler's routes onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/github", h.handleDelivery)
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(signatureHeader)
	if !VerifySignature(h.secret, signature, body) {
		h.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("rejected webhook delivery: bad signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get(eventHeader)
	if !json.Valid(body) {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	d := Delivery{Event: event, Priority: ClassifyEvent(event), Payload: json.RawMessage(append([]byte(nil), body...))}

	// Accept immediately; dispatch happens off the request goroutine so a
	// slow queue never causes GitHub to retry the delivery.
	w.WriteHeader(http.StatusAccepted)
	go func() {
		if err := h.dispatcher.Dispatch(d); err != nil {
			h.logger.Error().Str("event", event).Err(err).Msg("failed to dispatch webhook delivery")
		}
	}()
}

// DecodePayload is a convenience for callers that need the raw JSON object
// as a generic map, e.g. to pull a repository name out of a delivery.
func DecodePayload(d Delivery) (map[string]interface{}, error) {
	var out map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(d.Payload))
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return out, nil
}
