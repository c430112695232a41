package telephony

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"provider-scout/internal/calls"
	"provider-scout/internal/resultcache"
	"provider-scout/pkg/logger"
)

const headerWebhookSecret = "X-Webhook-Secret"

// ResultSink persists terminal results. Implementations must be idempotent:
// the same call may be delivered by push and by polling.
type ResultSink interface {
	Persist(ctx context.Context, r calls.CallResult) error
}

// Relay fans a push out to the other API processes, whose waiting clients
// read only their local cache.
type Relay interface {
	Publish(ctx context.Context, r calls.CallResult) error
}

// WebhookHandler receives push deliveries from the voice platform.
//
// No business logic here: it validates, normalizes and hands the result to
// the cache, the relay and the sink.
type WebhookHandler struct {
	Cache  *resultcache.Cache
	Relay  Relay
	Sink   ResultSink
	Secret string

	Now func() time.Time
}

func (h WebhookHandler) HandleVoiceEvent(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Cache == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "result cache not configured"})
		return
	}
	if h.Secret != "" {
		got := c.GetHeader(headerWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 8<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	push, err := ParsePush(body, h.Now())
	if err != nil {
		log.Warn("voice_webhook_parse_failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if push.Type == "" {
		c.Status(http.StatusNoContent)
		return
	}

	r := push.Result
	log = log.With("call_id", r.CallID, "provider_id", r.ProviderID, "status", string(r.Status), "message_type", push.Type)

	h.Cache.Put(r.CallID, r)

	ctx := c.Request.Context()
	if h.Relay != nil {
		if err := h.Relay.Publish(ctx, r); err != nil {
			// Remote waiters fall back to polling the platform.
			log.Warn("voice_webhook_relay_failed", "err", err)
		}
	}

	if r.Complete() && h.Sink != nil {
		if err := h.Sink.Persist(logger.With(ctx, log), r); err != nil {
			log.Error("voice_webhook_persist_failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "persist failed"})
			return
		}
	}

	log.Debug("voice_webhook_accepted")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
