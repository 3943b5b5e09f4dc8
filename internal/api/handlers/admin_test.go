package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/optiroute/internal/database"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/services/jobqueue"
	"github.com/irfndi/optiroute/internal/services/pubsub"
)

type fakeQuotas struct {
	err       error
	gotKey    string
	gotStatus models.QuotaStatus
}

func (f *fakeQuotas) UpdateKeyQuota(_ context.Context, keyID string, status models.QuotaStatus) error {
	f.gotKey, f.gotStatus = keyID, status
	return f.err
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate() { c.n++ }

type fakeInvalidationPublisher struct {
	err      error
	payloads []pubsub.CatalogInvalidationPayload
}

func (f *fakeInvalidationPublisher) PublishCatalogInvalidation(_ context.Context, p pubsub.CatalogInvalidationPayload) error {
	f.payloads = append(f.payloads, p)
	return f.err
}

type fakeJobs struct {
	depth   jobqueue.Depth
	dead    []jobqueue.DeadLetter
	moved   int
	err     error
	gotPeek int64
}

func (f *fakeJobs) Depth(context.Context) (jobqueue.Depth, error) { return f.depth, f.err }

func (f *fakeJobs) PeekDeadLetter(_ context.Context, n int64) ([]jobqueue.DeadLetter, error) {
	f.gotPeek = n
	return f.dead, f.err
}

func (f *fakeJobs) RequeueDeadLetter(_ context.Context, n int64) (int, error) {
	return min(f.moved, int(n)), f.err
}

func newAdminRouter(h *AdminHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.PUT("/keys/:id/quota", h.UpdateKeyQuota)
	r.POST("/catalog/invalidate", h.InvalidateCatalog)
	r.GET("/jobs", h.GetJobs)
	r.POST("/jobs/requeue", h.RequeueJobs)
	r.GET("/stats", h.GetStats)
	return r
}

func send(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminHandler_UpdateKeyQuota(t *testing.T) {
	quotas := &fakeQuotas{}
	local := &countingInvalidator{}
	pub := &fakeInvalidationPublisher{}
	r := newAdminRouter(NewAdminHandler(WithQuotaUpdater(quotas), WithCatalogInvalidation(local, pub)))

	w := send(r, http.MethodPut, "/keys/k-openai/quota", `{"status":"exceeded"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "k-openai", quotas.gotKey)
	assert.Equal(t, models.QuotaExceeded, quotas.gotStatus)
	assert.Equal(t, 1, local.n)
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, pubsub.CatalogInvalidationPayload{Reason: "quota_update", KeyID: "k-openai"}, pub.payloads[0])
	assert.Contains(t, w.Body.String(), `"broadcasted":true`)

	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPut, "/keys/k-openai/quota", `{"status":"drained"}`).Code)
	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPut, "/keys/k-openai/quota", `{}`).Code)
	assert.Equal(t, 1, local.n)
}

func TestAdminHandler_UpdateKeyQuotaErrors(t *testing.T) {
	notFound := &fakeQuotas{err: fmt.Errorf("api key x: %w", database.ErrNotFound)}
	r := newAdminRouter(NewAdminHandler(WithQuotaUpdater(notFound)))
	assert.Equal(t, http.StatusNotFound, send(r, http.MethodPut, "/keys/x/quota", `{"status":"healthy"}`).Code)

	broken := &fakeQuotas{err: errors.New("disk I/O error")}
	r = newAdminRouter(NewAdminHandler(WithQuotaUpdater(broken)))
	assert.Equal(t, http.StatusInternalServerError, send(r, http.MethodPut, "/keys/x/quota", `{"status":"healthy"}`).Code)

	r = newAdminRouter(NewAdminHandler())
	assert.Equal(t, http.StatusNotImplemented, send(r, http.MethodPut, "/keys/x/quota", `{"status":"healthy"}`).Code)
}

func TestAdminHandler_InvalidateCatalog(t *testing.T) {
	local := &countingInvalidator{}
	pub := &fakeInvalidationPublisher{err: errors.New("redis down")}
	r := newAdminRouter(NewAdminHandler(WithCatalogInvalidation(local, pub)))

	w := send(r, http.MethodPost, "/catalog/invalidate", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, local.n)
	assert.Contains(t, w.Body.String(), `"broadcasted":false`)

	r = newAdminRouter(NewAdminHandler())
	assert.Equal(t, http.StatusNotImplemented, send(r, http.MethodPost, "/catalog/invalidate", "").Code)
}

func TestAdminHandler_Jobs(t *testing.T) {
	jobs := &fakeJobs{
		depth: jobqueue.Depth{High: 2, DeadLetter: 1},
		dead:  []jobqueue.DeadLetter{{Job: jobqueue.Job{ID: "j1", Type: "usage.record"}, Error: "db down"}},
		moved: 1,
	}
	r := newAdminRouter(NewAdminHandler(WithJobAdmin(jobs)))

	w := send(r, http.MethodGet, "/jobs?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), jobs.gotPeek)
	assert.Contains(t, w.Body.String(), `"high":2`)
	assert.Contains(t, w.Body.String(), `"db down"`)

	w = send(r, http.MethodPost, "/jobs/requeue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"requeued":1}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodGet, "/jobs?limit=0", "").Code)

	failing := newAdminRouter(NewAdminHandler(WithJobAdmin(&fakeJobs{err: errors.New("redis down")})))
	assert.Equal(t, http.StatusInternalServerError, send(failing, http.MethodGet, "/jobs", "").Code)
	assert.Equal(t, http.StatusInternalServerError, send(failing, http.MethodPost, "/jobs/requeue", "").Code)

	disabled := newAdminRouter(NewAdminHandler())
	assert.Equal(t, http.StatusNotImplemented, send(disabled, http.MethodGet, "/jobs", "").Code)
}

func TestAdminHandler_Stats(t *testing.T) {
	r := newAdminRouter(NewAdminHandler(
		WithStats("orchestrator", func(context.Context) any { return map[string]int{"requests": 4} }),
		WithStats("ignored", nil),
	))
	w := send(r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"orchestrator":{"requests":4}}`, w.Body.String())
}
