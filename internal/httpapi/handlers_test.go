package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"provider-scout/internal/audit"
	"provider-scout/internal/auth"
	"provider-scout/internal/lifecycle"
	"provider-scout/internal/reporting"
	"provider-scout/internal/store"
	"provider-scout/internal/store/storetest"
)

type fakeJobs struct{ enqueued []string }

func (f *fakeJobs) EnqueueProcess(ctx context.Context, id string) error {
	f.enqueued = append(f.enqueued, id)
	return nil
}

type fakeLifecycle struct {
	booked    []string
	completed []string
	bookErr   error
}

func (f *fakeLifecycle) Book(ctx context.Context, id, providerID string) error {
	if f.bookErr != nil {
		return f.bookErr
	}
	f.booked = append(f.booked, id+":"+providerID)
	return nil
}

func (f *fakeLifecycle) Complete(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}

type fixture struct {
	router *gin.Engine
	store  *store.SQLStore
	jobs   *fakeJobs
	life   *fakeLifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := storetest.New(t)
	f := &fixture{store: s, jobs: &fakeJobs{}, life: &fakeLifecycle{}}
	h := Handlers{
		Store:     s,
		Jobs:      f.jobs,
		Lifecycle: f.life,
		Reports:   reporting.NewService(s),
		Audit:     audit.NewService(audit.NewSQLRepo(s.DB())),
	}

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if acct := c.GetHeader("X-Test-Account"); acct != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "user-1", acct))
		}
		c.Next()
	})
	Register(v1, h)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set("X-Test-Account", account)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validBody() gin.H {
	return gin.H{
		"title":       "Fix leaking pipe",
		"description": "Kitchen sink leaks under the cabinet",
		"criteria":    "licensed, available this week",
		"urgency":     "within_2_days",
		"providers": []gin.H{
			{"external_ref": "place-1", "name": "Acme Plumbing", "phone": "(650) 253-0000"},
			{"external_ref": "place-2", "name": "Best Pipes", "phone": "+1 212-736-5000"},
		},
	}
}

func createRequest(t *testing.T, f *fixture, account string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/requests", account, validBody())
	if w.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID == "" || out.Status != string(lifecycle.StatePending) {
		t.Fatalf("unexpected create response: %+v", out)
	}
	return out.ID
}

func TestCreateRequest_StoresAndEnqueues(t *testing.T) {
	f := newFixture(t)
	id := createRequest(t, f, "acct-1")

	if len(f.jobs.enqueued) != 1 || f.jobs.enqueued[0] != id {
		t.Fatalf("expected process task for %s, got %v", id, f.jobs.enqueued)
	}
	providers, err := f.store.ListProviders(context.Background(), id)
	if err != nil {
		t.Fatalf("list providers: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
	if providers[0].Phone != "+16502530000" {
		t.Fatalf("expected E.164 phone, got %q", providers[0].Phone)
	}
}

func TestCreateRequest_RejectsInvalidPhone(t *testing.T) {
	f := newFixture(t)
	body := validBody()
	body["providers"] = []gin.H{{"external_ref": "place-1", "name": "Acme", "phone": "12345"}}

	w := f.do(t, http.MethodPost, "/v1/requests", "acct-1", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(f.jobs.enqueued) != 0 {
		t.Fatalf("nothing should be enqueued")
	}
}

func TestCreateRequest_RejectsMissingProviders(t *testing.T) {
	f := newFixture(t)
	body := validBody()
	delete(body, "providers")
	if w := f.do(t, http.MethodPost, "/v1/requests", "acct-1", body); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateRequest_RejectsTooManyProviders(t *testing.T) {
	f := newFixture(t)
	body := validBody()
	ps := make([]gin.H, MaxProviders+1)
	for i := range ps {
		ps[i] = gin.H{"external_ref": fmt.Sprintf("place-%d", i), "name": "Acme", "phone": "(650) 253-0000"}
	}
	body["providers"] = ps
	if w := f.do(t, http.MethodPost, "/v1/requests", "acct-1", body); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(f.jobs.enqueued) != 0 {
		t.Fatalf("nothing should be enqueued")
	}
}

func TestRequests_RequireIdentity(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/v1/requests", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGetRequest_ScopedToAccount(t *testing.T) {
	f := newFixture(t)
	id := createRequest(t, f, "acct-1")

	if w := f.do(t, http.MethodGet, "/v1/requests/"+id, "acct-1", nil); w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/v1/requests/"+id, "acct-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("other account: expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/requests/"+id+"/logs", "acct-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("other account logs: expected 404, got %d", w.Code)
	}
}

func TestListRequests(t *testing.T) {
	f := newFixture(t)
	createRequest(t, f, "acct-1")
	createRequest(t, f, "acct-2")

	w := f.do(t, http.MethodGet, "/v1/requests", "acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Requests []store.ServiceRequest `json:"requests"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Requests) != 1 || out.Requests[0].AccountID != "acct-1" {
		t.Fatalf("expected only acct-1 requests, got %+v", out.Requests)
	}
}

func TestBook_MapsLifecycleErrors(t *testing.T) {
	f := newFixture(t)
	id := createRequest(t, f, "acct-1")
	providers, err := f.store.ListProviders(context.Background(), id)
	if err != nil {
		t.Fatalf("list providers: %v", err)
	}
	body := gin.H{"provider_id": providers[0].ID}

	f.life.bookErr = lifecycle.ErrInvalidTransition
	if w := f.do(t, http.MethodPost, "/v1/requests/"+id+"/book", "acct-1", body); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	f.life.bookErr = lifecycle.ErrUnknownProvider
	if w := f.do(t, http.MethodPost, "/v1/requests/"+id+"/book", "acct-1", body); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	f.life.bookErr = nil
	if w := f.do(t, http.MethodPost, "/v1/requests/"+id+"/book", "acct-1", body); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.life.booked) != 1 {
		t.Fatalf("expected one booking, got %v", f.life.booked)
	}
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	id := createRequest(t, f, "acct-1")
	if w := f.do(t, http.MethodPost, "/v1/requests/"+id+"/complete", "acct-1", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.life.completed) != 1 || f.life.completed[0] != id {
		t.Fatalf("unexpected completions: %v", f.life.completed)
	}
}

func TestSummary_BadRange(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/v1/summary?from=yesterday", "acct-1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/summary", "acct-1", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewIPRateLimiter(1, 2).Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes: %v", codes)
	}
}
