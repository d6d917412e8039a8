package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCountersExposed(t *testing.T) {
	m := New()
	m.TelemetryMessages.WithLabelValues("applied").Inc()
	m.Dispatches.WithLabelValues("absolute", "sent").Add(2)

	body := scrape(t, m)
	assert.Contains(t, body, `feeder_telemetry_messages_total{result="applied"} 1`)
	assert.Contains(t, body, `feeder_dispatches_total{kind="absolute",result="sent"} 2`)
	assert.Contains(t, body, "go_goroutines")
}

func TestNewIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.ManualFeeds.WithLabelValues("ok").Inc()
	assert.NotContains(t, scrape(t, b), `feeder_manual_feeds_total{code="ok"}`)
}
