package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"provider-scout/internal/calls"
	"provider-scout/internal/resultcache"
)

type recordingSink struct {
	mu      sync.Mutex
	results []calls.CallResult
}

func (s *recordingSink) Persist(_ context.Context, r calls.CallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

type recordingRelay struct {
	published []calls.CallResult
}

func (r *recordingRelay) Publish(_ context.Context, res calls.CallResult) error {
	r.published = append(r.published, res)
	return nil
}

func newWebhookRouter(h WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/voice", h.HandleVoiceEvent)
	return r
}

const endOfCallBody = `{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call","call":{"id":"call-9","metadata":{"provider_id":"p9"}}}}`

func TestWebhookRejectsBadSecret(t *testing.T) {
	cache := resultcache.New(time.Minute, time.Minute)
	r := newWebhookRouter(WebhookHandler{Cache: cache, Secret: "s3cret"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(endOfCallBody))
	req.Header.Set(headerWebhookSecret, "nope")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if cache.Len() != 0 {
		t.Fatalf("rejected push must not reach the cache")
	}
}

func TestWebhookDeliversTerminalResult(t *testing.T) {
	cache := resultcache.New(time.Minute, time.Minute)
	sink := &recordingSink{}
	relay := &recordingRelay{}
	r := newWebhookRouter(WebhookHandler{Cache: cache, Sink: sink, Relay: relay, Secret: "s3cret"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(endOfCallBody))
	req.Header.Set(headerWebhookSecret, "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, ok := cache.Get("call-9")
	if !ok || !got.Complete() || got.ProviderID != "p9" {
		t.Fatalf("expected complete cached result, got %+v", got)
	}
	if len(sink.results) != 1 || len(relay.published) != 1 {
		t.Fatalf("expected one persist and one relay publish, got %d/%d", len(sink.results), len(relay.published))
	}
}

func TestWebhookPartialIsCachedNotPersisted(t *testing.T) {
	cache := resultcache.New(time.Minute, time.Minute)
	sink := &recordingSink{}
	r := newWebhookRouter(WebhookHandler{Cache: cache, Sink: sink})

	body := `{"message":{"type":"status-update","status":"ringing","call":{"id":"call-3"}}}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := cache.Get("call-3"); !ok {
		t.Fatalf("expected partial update cached")
	}
	if len(sink.results) != 0 {
		t.Fatalf("partial update must not be persisted")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	r := newWebhookRouter(WebhookHandler{Cache: resultcache.New(time.Minute, time.Minute)})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(`{"message":{"type":"end-of-call-report","call":{}}}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
