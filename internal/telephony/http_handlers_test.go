package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"callcore/internal/calls"

	"github.com/gin-gonic/gin"
)

func newWebhookRouter(m *calls.Machine, authToken string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := TwilioWebhookHandler{Calls: m, Now: func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }}
	g := r.Group("/webhooks/twilio", RequireTwilioSignature(authToken, "https://hooks.example.com"))
	g.POST("/status", h.HandleStatus)
	g.POST("/voice", h.HandleVoice)
	return r
}

func postForm(r http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newCall(t *testing.T, m *calls.Machine) calls.Session {
	t.Helper()
	s, err := m.Create(context.Background(), calls.CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15551234"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func TestStatusWebhookDrivesMachine(t *testing.T) {
	m := calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{})
	r := newWebhookRouter(m, "")
	s := newCall(t, m)

	w := postForm(r, "/webhooks/twilio/status?call_id="+s.ID, url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "SequenceNumber": {"0"}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	// Later callbacks resolve through the bound CallSid alone.
	w = postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}, "SequenceNumber": {"1"}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	got, err := m.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != calls.StateInProgress || got.ProviderCallRef != "CA1" {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestStatusWebhookAcknowledgesRejections(t *testing.T) {
	m := calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{})
	r := newWebhookRouter(m, "")
	s := newCall(t, m)

	// answered before ringing
	w := postForm(r, "/webhooks/twilio/status?call_id="+s.ID, url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA-unknown"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown call, got %d", w.Code)
	}
	w = postForm(r, "/webhooks/twilio/status?call_id="+s.ID, url.Values{"CallSid": {"CA1"}, "CallStatus": {"queued"}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for ignored status, got %d", w.Code)
	}

	got, _ := m.Get(context.Background(), s.ID)
	if got.State != calls.StateRequested {
		t.Fatalf("state mutated: %s", got.State)
	}
}

func TestStatusWebhookRejectsBadSignature(t *testing.T) {
	m := calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{})
	r := newWebhookRouter(m, "secret")

	w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

// twilioSignature signs url plus the sorted form pairs the way Twilio does.
func twilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestStatusWebhookAcceptsSignedRequest(t *testing.T) {
	m := calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{})
	r := newWebhookRouter(m, "secret")
	s := newCall(t, m)

	target := "/webhooks/twilio/status?call_id=" + s.ID
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "SequenceNumber": {"0"}}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilioSignature("secret", "https://hooks.example.com"+target, form))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := m.Get(context.Background(), s.ID)
	if got.State != calls.StateRinging {
		t.Fatalf("expected ringing, got %s", got.State)
	}
}

func TestVoiceWebhookBridgesOwner(t *testing.T) {
	m := calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{})
	r := newWebhookRouter(m, "")
	s := newCall(t, m)

	w := postForm(r, "/webhooks/twilio/voice?call_id="+s.ID, url.Values{"CallSid": {"CA1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Client>u1</Client>") {
		t.Fatalf("expected bridge to owner: %s", w.Body.String())
	}

	w = postForm(r, "/webhooks/twilio/voice?call_id=missing", url.Values{"CallSid": {"CA2"}})
	if !strings.Contains(w.Body.String(), "<Reject") {
		t.Fatalf("expected reject for unknown call: %s", w.Body.String())
	}
}
