package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/ingestion-relay/internal/models"
	"github.com/PratikDhanave/ingestion-relay/internal/store"
)

type mockReader struct {
	getFn  func(ctx context.Context, id int64) (*models.StoredRequest, error)
	listFn func(ctx context.Context, id int64) ([]models.DeliveryAttempt, error)
}

func (m *mockReader) GetRequest(ctx context.Context, id int64) (*models.StoredRequest, error) {
	return m.getFn(ctx, id)
}

func (m *mockReader) ListAttempts(ctx context.Context, id int64) ([]models.DeliveryAttempt, error) {
	if m.listFn == nil {
		return nil, nil
	}
	return m.listFn(ctx, id)
}

func get(t *testing.T, st AuditReader, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRequestRoutes(r, st)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func strPtr(s string) *string { return &s }

func TestRequestLookup(t *testing.T) {
	device := time.UnixMilli(1700000000123)
	sent := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	st := &mockReader{
		getFn: func(_ context.Context, id int64) (*models.StoredRequest, error) {
			return &models.StoredRequest{
				ID:                     id,
				ResponseCode:           http.StatusOK,
				IPAddress:              "203.0.113.7",
				Env:                    strPtr("prod"),
				Namespace:              strPtr("shop"),
				AppID:                  strPtr("web"),
				DeviceCreatedTimestamp: &device,
			}, nil
		},
		listFn: func(_ context.Context, id int64) ([]models.DeliveryAttempt, error) {
			return []models.DeliveryAttempt{
				{ID: 1, RequestID: id, SentAt: sent, ResponseCode: http.StatusBadRequest, AttemptNumber: 1},
				{ID: 2, RequestID: id, SentAt: sent.Add(time.Second), ResponseCode: http.StatusOK, AttemptNumber: 1},
			}, nil
		},
	}

	w := get(t, st, "/requests/12")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		RequestID int64  `json:"request_id"`
		Env       string `json:"environment"`
		DeviceTS  int64  `json:"dvce_created_tstamp"`
		Delivered bool   `json:"delivered"`
		Attempts  []struct {
			ResponseCode int `json:"response_code"`
		} `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(12), body.RequestID)
	assert.Equal(t, "prod", body.Env)
	assert.Equal(t, int64(1700000000123), body.DeviceTS)
	assert.True(t, body.Delivered)
	require.Len(t, body.Attempts, 2)
	assert.Equal(t, http.StatusBadRequest, body.Attempts[0].ResponseCode)
}

func TestRequestLookup_SkipsNoAttemptRows(t *testing.T) {
	st := &mockReader{
		getFn: func(_ context.Context, id int64) (*models.StoredRequest, error) {
			return &models.StoredRequest{ID: id, ResponseCode: http.StatusOK}, nil
		},
		listFn: func(_ context.Context, id int64) ([]models.DeliveryAttempt, error) {
			return []models.DeliveryAttempt{{ID: 1, RequestID: id}}, nil
		},
	}

	w := get(t, st, "/requests/3")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(mustField(t, w.Body.Bytes(), "attempts")))
}

func TestRequestLookup_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"bad id", "/requests/abc", nil, http.StatusBadRequest},
		{"zero id", "/requests/0", nil, http.StatusBadRequest},
		{"not found", "/requests/5", store.ErrNotFound, http.StatusNotFound},
		{"db error", "/requests/5", errors.New("timeout"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &mockReader{getFn: func(context.Context, int64) (*models.StoredRequest, error) {
				return nil, tt.err
			}}
			w := get(t, st, tt.path)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func mustField(t *testing.T, raw []byte, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[field]
}
