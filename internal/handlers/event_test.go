package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
	"github.com/PratikDhanave/ingestion-relay/internal/validator"
)

const validBody = `{
	"env": "prod",
	"namespace": "shop",
	"app_id": "web",
	"dvce_created_tstamp": 1700000000123,
	"event_data_json": {
		"schema": "iglu:com.acme/click/jsonschema/1-0-0",
		"data": {"button": "buy"},
		"contexts": [{"schema": "iglu:com.acme/user/jsonschema/1-0-0", "data": {"id": "u1"}}]
	}
}`

// mockRecorder is a RequestRecorder backed by a func field.
type mockRecorder struct {
	mu       sync.Mutex
	recorded []models.InboundRequest
	recordFn func(ctx context.Context, req *models.InboundRequest) (int64, error)
}

func (m *mockRecorder) RecordRequest(ctx context.Context, req *models.InboundRequest) (int64, error) {
	m.mu.Lock()
	m.recorded = append(m.recorded, *req)
	m.mu.Unlock()
	if m.recordFn != nil {
		return m.recordFn(ctx, req)
	}
	return int64(len(m.recorded)), nil
}

type submission struct {
	requestID int64
	event     *models.ParsedEvent
}

type mockSubmitter struct {
	submitted []submission
}

func (m *mockSubmitter) Submit(_ context.Context, requestID int64, ev *models.ParsedEvent) error {
	m.submitted = append(m.submitted, submission{requestID: requestID, event: ev})
	return nil
}

type denyAll struct{ err error }

func (d denyAll) Allow(context.Context, string) (bool, error) { return false, d.err }
func (denyAll) Close() error                                  { return nil }

func newTestRouter(deps EventDeps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	r := gin.New()
	RegisterEventRoutes(r, deps)
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngest_Accepted(t *testing.T) {
	rec := &mockRecorder{recordFn: func(context.Context, *models.InboundRequest) (int64, error) { return 77, nil }}
	sub := &mockSubmitter{}
	r := newTestRouter(EventDeps{Store: rec, Pipeline: sub})

	w := post(r, validBody)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	require.Len(t, rec.recorded, 1)
	got := rec.recorded[0]
	assert.Equal(t, http.StatusOK, got.ResponseCode)
	assert.Equal(t, "203.0.113.7", got.IPAddress)
	assert.Equal(t, validBody, got.RawData)
	require.NotNil(t, got.Parsed)
	assert.Equal(t, int64(1700000000123), got.Parsed.DeviceTimestamp())

	require.Len(t, sub.submitted, 1)
	assert.Equal(t, int64(77), sub.submitted[0].requestID)
	assert.Equal(t, "prod-shop-web", sub.submitted[0].event.Key().String())
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{
			name:   "malformed JSON",
			body:   `{"env": "prod",`,
			reason: validator.ReasonParse,
		},
		{
			name:   "empty body",
			body:   ``,
			reason: validator.ReasonParse,
		},
		{
			name:   "missing env",
			body:   strings.Replace(validBody, `"env": "prod",`, ``, 1),
			reason: validator.ReasonSchema,
		},
		{
			name:   "timestamp as string",
			body:   strings.Replace(validBody, `1700000000123`, `"1700000000123"`, 1),
			reason: validator.ReasonSchema,
		},
		{
			name:   "NUL in env",
			body:   strings.Replace(validBody, `"env": "prod"`, `"env": "pr\u0000od"`, 1),
			reason: validator.ReasonSchema,
		},
		{
			name:   "NUL in event data",
			body:   strings.Replace(validBody, `"button": "buy"`, `"button": "b\u0000uy"`, 1),
			reason: validator.ReasonSchema,
		},
		{
			name:   "timestamp in seconds",
			body:   strings.Replace(validBody, `1700000000123`, `1700000000`, 1),
			reason: validator.ReasonTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			sub := &mockSubmitter{}
			r := newTestRouter(EventDeps{Store: rec, Pipeline: sub})

			w := post(r, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.reason, w.Body.String())
			assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

			require.Len(t, rec.recorded, 1)
			assert.Equal(t, http.StatusBadRequest, rec.recorded[0].ResponseCode)
			assert.Equal(t, tt.body, rec.recorded[0].RawData)
			assert.Nil(t, rec.recorded[0].Parsed)
			assert.Empty(t, sub.submitted)
		})
	}
}

func TestIngest_RandomGarbageIsRejectedAndAudited(t *testing.T) {
	faker := gofakeit.New(42)

	for i := 0; i < 25; i++ {
		body := faker.Sentence(8)
		rec := &mockRecorder{}
		sub := &mockSubmitter{}
		r := newTestRouter(EventDeps{Store: rec, Pipeline: sub})

		w := post(r, body)

		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		assert.Len(t, rec.recorded, 1)
		assert.Empty(t, sub.submitted)
	}
}

func TestIngest_AuditFailureOnAcceptedPath(t *testing.T) {
	rec := &mockRecorder{recordFn: func(context.Context, *models.InboundRequest) (int64, error) {
		return 0, errors.New("connection refused")
	}}
	sub := &mockSubmitter{}
	r := newTestRouter(EventDeps{Store: rec, Pipeline: sub})

	w := post(r, validBody)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, sub.submitted)
}

func TestIngest_AuditFailureOnRejectPathStillResponds400(t *testing.T) {
	rec := &mockRecorder{recordFn: func(context.Context, *models.InboundRequest) (int64, error) {
		return 0, errors.New("connection refused")
	}}
	r := newTestRouter(EventDeps{Store: rec, Pipeline: &mockSubmitter{}})

	w := post(r, `not json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, validator.ReasonParse, w.Body.String())
}

func TestIngest_RateLimited(t *testing.T) {
	rec := &mockRecorder{}
	sub := &mockSubmitter{}
	r := newTestRouter(EventDeps{Store: rec, Pipeline: sub, Limiter: denyAll{}})

	w := post(r, validBody)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Len(t, rec.recorded, 1)
	assert.Equal(t, http.StatusTooManyRequests, rec.recorded[0].ResponseCode)
	assert.Nil(t, rec.recorded[0].Parsed)
	assert.Empty(t, sub.submitted)
}

func TestIngest_LimiterErrorFailsOpen(t *testing.T) {
	rec := &mockRecorder{}
	sub := &mockSubmitter{}
	r := newTestRouter(EventDeps{Store: rec, Pipeline: sub, Limiter: denyAll{err: errors.New("redis down")}})

	w := post(r, validBody)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, sub.submitted, 1)
}

func TestIngest_OversizedBodyIsTruncated(t *testing.T) {
	rec := &mockRecorder{}
	sub := &mockSubmitter{}
	r := newTestRouter(EventDeps{Store: rec, Pipeline: sub, MaxBodyBytes: 16})

	w := post(r, validBody)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, validator.ReasonParse, w.Body.String())
	require.Len(t, rec.recorded, 1)
	assert.Len(t, rec.recorded[0].RawData, 16)
}

func TestIngest_RejectionFlushedBeforeAudit(t *testing.T) {
	tests := []struct {
		name   string
		deny   bool
		status int
	}{
		{name: "invalid body", status: http.StatusBadRequest},
		{name: "rate limited", deny: true, status: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			var flushedAtAudit bool
			rec := &mockRecorder{recordFn: func(context.Context, *models.InboundRequest) (int64, error) {
				flushedAtAudit = w.Flushed
				return 1, nil
			}}
			deps := EventDeps{Store: rec, Pipeline: &mockSubmitter{}}
			if tt.deny {
				deps.Limiter = denyAll{}
			}

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
			newTestRouter(deps).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			require.Len(t, rec.recorded, 1)
			assert.True(t, flushedAtAudit)
		})
	}
}
