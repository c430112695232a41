package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"provider-scout/internal/audit"
	"provider-scout/internal/auth"
	"provider-scout/internal/calls"
	"provider-scout/internal/lifecycle"
	"provider-scout/internal/reporting"
	"provider-scout/internal/store"
	"provider-scout/pkg/logger"
)

type RequestStore interface {
	CreateRequest(ctx context.Context, r store.ServiceRequest, providers []store.Provider) error
	GetRequestForAccount(ctx context.Context, accountID, id string) (store.ServiceRequest, error)
	ListRequests(ctx context.Context, accountID string, limit int) ([]store.ServiceRequest, error)
}

type Enqueuer interface {
	EnqueueProcess(ctx context.Context, requestID string) error
}

type Lifecycle interface {
	Book(ctx context.Context, id, providerID string) error
	Complete(ctx context.Context, id string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Store     RequestStore
	Jobs      Enqueuer
	Lifecycle Lifecycle
	Reports   *reporting.Service
	Audit     *audit.Service

	// PhoneRegion is the default region for numbers without a country code.
	PhoneRegion string
}

type providerInput struct {
	ExternalRef string `json:"external_ref" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Phone       string `json:"phone" binding:"required"`
}

// MaxProviders caps the providers one request may carry.
const MaxProviders = 50

type createRequestBody struct {
	Title       string          `json:"title" binding:"required,max=200"`
	Description string          `json:"description" binding:"required"`
	Criteria    string          `json:"criteria"`
	Urgency     calls.Urgency   `json:"urgency" binding:"omitempty,oneof=immediate within_24_hours within_2_days flexible"`
	Location    string          `json:"location"`
	Providers   []providerInput `json:"providers" binding:"required,min=1,dive"`
}

func accountID(c *gin.Context) (string, bool) {
	id, err := auth.AccountID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account_id required"})
		return "", false
	}
	return id, true
}

// CreateRequest stores the request with its providers and queues processing.
// Providers get internal ids here, before anything can dial them.
func (h Handlers) CreateRequest(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body.Providers) > MaxProviders {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d providers per request", MaxProviders)})
		return
	}
	if body.Urgency == "" {
		body.Urgency = calls.UrgencyFlexible
	}

	providers := make([]store.Provider, 0, len(body.Providers))
	var invalid []string
	for _, p := range body.Providers {
		phone, err := calls.NormalizePhone(p.Phone, h.PhoneRegion)
		if err != nil {
			invalid = append(invalid, p.ExternalRef)
			continue
		}
		providers = append(providers, store.Provider{
			ID:          uuid.NewString(),
			ExternalRef: strings.TrimSpace(p.ExternalRef),
			Name:        strings.TrimSpace(p.Name),
			Phone:       phone,
		})
	}
	if len(invalid) > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid phone numbers", "external_refs": invalid})
		return
	}

	sr := store.ServiceRequest{
		ID:          uuid.NewString(),
		AccountID:   acct,
		Title:       strings.TrimSpace(body.Title),
		Description: strings.TrimSpace(body.Description),
		Criteria:    body.Criteria,
		Urgency:     body.Urgency,
		Location:    body.Location,
		Status:      string(lifecycle.StatePending),
	}
	ctx := c.Request.Context()
	if err := h.Store.CreateRequest(ctx, sr, providers); err != nil {
		logger.FromGin(c).Error("request_create_failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not create request"})
		return
	}
	if err := h.Jobs.EnqueueProcess(ctx, sr.ID); err != nil {
		// The request stays PENDING and the stale sweep enqueues it later.
		logger.FromGin(c).Warn("request_enqueue_failed", "request_id", sr.ID, "err", err)
	}
	c.JSON(http.StatusAccepted, gin.H{"id": sr.ID, "status": sr.Status})
}

func (h Handlers) ListRequests(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	out, err := h.Store.ListRequests(c.Request.Context(), acct, 50)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if out == nil {
		out = []store.ServiceRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h Handlers) GetRequest(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	sum, err := h.Reports.RequestSummary(c.Request.Context(), acct, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) GetLogs(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sr, err := h.Store.GetRequestForAccount(ctx, acct, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	entries, err := h.Audit.List(ctx, sr.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

type bookBody struct {
	ProviderID string `json:"provider_id" binding:"required,uuid"`
}

func (h Handlers) Book(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	var body bookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	sr, err := h.Store.GetRequestForAccount(ctx, acct, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.Lifecycle.Book(ctx, sr.ID, body.ProviderID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": sr.ID, "status": lifecycle.StateBooking})
}

func (h Handlers) Complete(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sr, err := h.Store.GetRequestForAccount(ctx, acct, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.Lifecycle.Complete(ctx, sr.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": sr.ID, "status": lifecycle.StateCompleted})
}

// Summary aggregates the caller's requests; from/to are RFC 3339 and default
// to the last 30 days.
func (h Handlers) Summary(c *gin.Context) {
	acct, ok := accountID(c)
	if !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	out, err := h.Reports.AccountSummary(c.Request.Context(), reporting.AccountSummaryRequest{
		AccountID: acct,
		Range:     reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, lifecycle.ErrUnknownProvider):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("handler_failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Register mounts the request API on g. Identity middleware must already be on g.
func Register(g *gin.RouterGroup, h Handlers) {
	g.POST("/requests", h.CreateRequest)
	g.GET("/requests", h.ListRequests)
	g.GET("/requests/:id", h.GetRequest)
	g.GET("/requests/:id/logs", h.GetLogs)
	g.POST("/requests/:id/book", h.Book)
	g.POST("/requests/:id/complete", h.Complete)
	g.GET("/summary", h.Summary)
}
