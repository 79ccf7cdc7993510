// ABOUTME: Tests for the controller counters and their HTTP exposition
// ABOUTME: Confirms nil receivers are safe and counters appear in scrape output

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.CheckIn("P")
	m.CommandSent("P")
	m.CommandCompleted("P")
	m.ResponseMissing()
	m.ParseError()
	m.Permission()
	m.Duplicate()
}

func TestCounters(t *testing.T) {
	m := New()
	m.CheckIn("ProjectA")
	m.CheckIn("ProjectA")
	m.CommandSent("ProjectB")
	m.ParseError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CheckIns.WithLabelValues("ProjectA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("ProjectB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors))
}

func TestHandler(t *testing.T) {
	m := New()
	m.CommandCompleted("ProjectA")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `smbctl_commands_completed_total{project="ProjectA"} 1`), body)
}
