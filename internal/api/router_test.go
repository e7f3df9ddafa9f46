package api_test

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/api"
	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/gateway"
	"github.com/notifyhub/alert-dispatch/internal/metrics"
	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/repository"
	"github.com/notifyhub/alert-dispatch/internal/service"
)

type fixture struct {
	handler http.Handler
	repo    *repository.MemoryDeliveryRepository
	store   *queue.Store
	reg     *gateway.Registry
	gw      *gateway.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	bus := events.New()
	repo := repository.NewMemoryDeliveryRepository()
	store := queue.NewStore(queue.DefaultQueues())
	reg := gateway.NewRegistry()
	gw := gateway.New(reg, bus, nil, gateway.Options{}, logger, gateway.MetricHooks{})
	t.Cleanup(gw.Shutdown)

	promReg := prometheus.NewRegistry()
	metrics.New(promReg, store, reg)

	h := api.NewRouter(api.Deps{
		Jobs:     service.NewJobService(repo, store, bus, logger),
		Admin:    service.NewQueueAdmin(store, logger),
		Status:   service.NewStatusService(store, reg, nil),
		Socket:   gw,
		Gatherer: promReg,
	}, logger)
	return &fixture{handler: h, repo: repo, store: store, reg: reg, gw: gw}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const smsBody = `{"channel":"sms","recipient":"+15551234567","message":"Evacuate now","priority":5}`

func TestNotificationRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/notifications", smsBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	var created domain.DeliveryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.StatusQueued, created.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/notifications/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/notifications?status=queued&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 5, page.Limit)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code, "the job shares the record ID")

	rec = f.do(t, http.MethodPost, "/api/v1/notifications/"+created.ID+"/delivered", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "a queued record cannot be delivered")
}

func TestIdempotentCreate(t *testing.T) {
	f := newFixture(t)
	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(smsBody))
		r.Header.Set("X-Idempotency-Key", "abc")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, r)
		return rec
	}
	assert.Equal(t, http.StatusAccepted, req().Code)
	assert.Equal(t, http.StatusOK, req().Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/api/v1/notifications", `{`, http.StatusBadRequest},
		{"invalid channel", http.MethodPost, "/api/v1/notifications", `{"channel":"fax","recipient":"x","message":"m"}`, http.StatusUnprocessableEntity},
		{"missing record", http.MethodGet, "/api/v1/notifications/nope", "", http.StatusNotFound},
		{"receipt for missing record", http.MethodPost, "/api/v1/notifications/nope/read", "", http.StatusNotFound},
		{"empty batch", http.MethodPost, "/api/v1/notifications/batch", `{"notifications":[]}`, http.StatusUnprocessableEntity},
		{"unknown queue", http.MethodGet, "/api/v1/queues/emails", "", http.StatusNotFound},
		{"bad state", http.MethodGet, "/api/v1/queues/disasters/jobs?state=done", "", http.StatusBadRequest},
		{"missing job", http.MethodGet, "/api/v1/jobs/nope", "", http.StatusNotFound},
		{"bad disaster type", http.MethodPost, "/api/v1/disasters/d1/jobs", `{"type":"exploded"}`, http.StatusUnprocessableEntity},
		{"empty agent task", http.MethodPost, "/api/v1/agents/announce/tasks", `{"task":""}`, http.StatusUnprocessableEntity},
		{"negative delay", http.MethodPost, "/api/v1/agents/announce/tasks", `{"task":"t","delayMs":-1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestQueueRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/disasters/d1/jobs", `{"type":"created","data":{"message":"m","severity":"critical"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/agents/announce/tasks", `{"task":"drill","delayMs":60000}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/queues/disasters/pause", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/queues/disasters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.Waiting)

	rec = f.do(t, http.MethodGet, "/api/v1/queues/disasters/jobs?state=waiting", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []queue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/queues/disasters/resume", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/queues/disasters/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)
}

func TestSystemRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap service.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Queues, 3)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_jobs")
	assert.Contains(t, rec.Body.String(), "ws_connections")
}

func TestSocketUpgradeThroughMiddleware(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ws HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	require.Eventually(t, func() bool { return f.reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing key is rejected before hijacking")
}
