package feedapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/dedup"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(r http.Handler, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, httpStatus(codes.Unauthenticated))
	assert.Equal(t, http.StatusBadRequest, httpStatus(codes.InvalidArgument))
	assert.Equal(t, http.StatusForbidden, httpStatus(codes.PermissionDenied))
	assert.Equal(t, http.StatusConflict, httpStatus(codes.AlreadyExists))
	assert.Equal(t, http.StatusTooManyRequests, httpStatus(codes.ResourceExhausted))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(codes.Internal))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(codes.DataLoss))
}

func TestHTTP_Feed(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.h, nil, nil)

	w := do(r, http.MethodPost, "/api/feeders/abc123/feed", "u1", `{"portionSize":50}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res ManualFeedResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.Message)

	// empty body uses the feeder default
	w = do(r, http.MethodPost, "/api/feeders/abc123/feed", "u1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sent := f.tr.published()
	require.Len(t, sent, 2)
	assert.JSONEq(t, `{"command":"dispense","portionSize":50}`, sent[0].payload)
	assert.JSONEq(t, `{"command":"dispense","portionSize":35}`, sent[1].payload)
}

func TestHTTP_FeedErrors(t *testing.T) {
	tests := []struct {
		name string
		user string
		body string
		code int
	}{
		{"missing identity", "", `{"portionSize":10}`, http.StatusUnauthorized},
		{"bad json", "u1", `{"portionSize":`, http.StatusBadRequest},
		{"portion as string", "u1", `{"portionSize":"ten"}`, http.StatusBadRequest},
		{"portion too large", "u1", `{"portionSize":500}`, http.StatusBadRequest},
		{"not the owner", "u2", `{"portionSize":10}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := do(NewRouter(f.h, nil, nil), http.MethodPost, "/api/feeders/abc123/feed", tt.user, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
			assert.Empty(t, f.tr.published())
			assert.Equal(t, int64(0), f.count(t, &entities.Notification{}))
		})
	}
}

func TestHTTP_FeedPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.tr.publishErr = errors.New("not connected")
	w := do(NewRouter(f.h, nil, nil), http.MethodPost, "/api/feeders/abc123/feed", "u1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, int64(1), f.count(t, &entities.Notification{}))
}

func TestHTTP_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.h.WithDeduper(dedup.New(time.Minute))
	r := NewRouter(f.h, nil, nil)

	w := do(r, http.MethodPost, "/api/feeders/abc123/feed", "u1", "", HeaderIdempotencyKey, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, "/api/feeders/abc123/feed", "u1", "", HeaderIdempotencyKey, "abc")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, f.tr.published(), 1)
}

func TestHTTP_FeederLifecycle(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.h, nil, nil)

	w := do(r, http.MethodPut, "/api/feeders/f9", "u9", `{"name":"Hall","petType":"dog","defaultPortion":60}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var linked entities.Feeder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &linked))
	assert.Equal(t, "u9", linked.OwnerID)
	assert.Equal(t, 60.0, linked.DefaultPortion)

	w = do(r, http.MethodPut, "/api/feeders/f9", "intruder", `{}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPut, "/api/feeders/f9/weekly-schedule", "u9", `{"tuesday":["7:05"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"weekly_schedule":{"tuesday":["07:05"]}}`, w.Body.String())

	w = do(r, http.MethodPut, "/api/feeders/f9/weekly-schedule", "u9", `{"funday":["07:05"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/feeders/f9/routines", "u9", `{"days":["Monday","wednesday"],"time":"06:00","portionSize":30,"weeks":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Created   int                        `json:"created"`
		Schedules []entities.FeedingSchedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	// 06:00 on monday is already past at 07:00
	assert.Equal(t, 3, created.Created)
	assert.Len(t, created.Schedules, 3)

	w = do(r, http.MethodPost, "/api/feeders/f9/routines", "u9", `{"days":["someday"],"time":"06:00","portionSize":30,"weeks":2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/api/feeders/f9/routines", "u9", `{"days":["monday"],"time":"06:00","portionSize":30,"weeks":60}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/feeders/f9/next-feeding", "u9", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var next struct {
		At          time.Time `json:"at"`
		Kind        string    `json:"kind"`
		PortionSize float64   `json:"portion_size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	assert.Equal(t, "recurring", next.Kind)
	assert.True(t, time.Date(2024, 5, 7, 7, 5, 0, 0, time.UTC).Equal(next.At))
	assert.Equal(t, 60.0, next.PortionSize)

	w = do(r, http.MethodGet, "/api/feeders/f9/next-feeding", "u1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHTTP_Ops(t *testing.T) {
	f := newFixture(t)

	r := NewRouter(f.h, nil, func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/metrics", "", "").Code)

	r = NewRouter(f.h, f.h.metrics, f.store.Ping)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/readyz", "", "").Code)
	_ = do(r, http.MethodPost, "/api/feeders/abc123/feed", "u2", "")
	w := do(r, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `feeder_manual_feeds_total{code="PermissionDenied"} 1`)
}
