package webhook

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignatureAcceptsValidMAC(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	mac := computeMAC("s3cr3t", body)
	sig := "sha256=" + hex.EncodeToString(mac)
	assert.True(t, VerifySignature("s3cr3t", sig, body))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	mac := computeMAC("s3cr3t", body)
	sig := "sha256=" + hex.EncodeToString(mac)
	assert.False(t, VerifySignature("s3cr3t", sig, []byte(`{"action":"tampered"}`)))
}

func TestVerifySignatureRejectsMissingPrefix(t *testing.T) {
	assert.False(t, VerifySignature("s3cr3t", "deadbeef", []byte("x")))
}

func TestClassifyEventMapsKnownAndUnknownEvents(t *testing.T) {
	assert.Equal(t, types.PriorityCritical, ClassifyEvent("workflow_job"))
	assert.Equal(t, types.PriorityHigh, ClassifyEvent("check_suite"))
	assert.Equal(t, types.PriorityLow, ClassifyEvent("organization"))
	assert.Equal(t, types.PriorityNormal, ClassifyEvent("something_unmapped"))
}

type recordingDispatcher struct {
	mu   sync.Mutex
	seen []Delivery
}

func (d *recordingDispatcher) Dispatch(del Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, del)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func TestHandlerAcceptsValidDeliveryAndDispatchesAsync(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := NewHandler("s3cr3t", dispatcher)
	r := chi.NewRouter()
	h.Mount(r)

	body := []byte(`{"action":"queued"}`)
	mac := computeMAC("s3cr3t", body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(string(body)))
	req.Header.Set(signatureHeader, "sha256="+hex.EncodeToString(mac))
	req.Header.Set(eventHeader, "workflow_job")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	for i := 0; i < 50 && dispatcher.count() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, "workflow_job", dispatcher.seen[0].Event)
	assert.Equal(t, types.PriorityCritical, dispatcher.seen[0].Priority)
}

func TestHandlerRejectsInvalidSignature(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := NewHandler("s3cr3t", dispatcher)
	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`))
	req.Header.Set(signatureHeader, "sha256=deadbeef")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, dispatcher.count())
}
