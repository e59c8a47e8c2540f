package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_CountsByPatternAndStatus(t *testing.T) {
	h := Middleware(func(*http.Request) string { return "/api/v1/drops/{dropID}/claim" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}),
	)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/api/v1/drops/{dropID}/claim", "409"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/drops/abc/claim", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/api/v1/drops/{dropID}/claim", "409"))
	assert.Equal(t, before+1, after)
}

func TestMiddleware_DefaultsToRawPathAnd200(t *testing.T) {
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/healthz", "200")))
}

func TestBusinessCounters(t *testing.T) {
	before := testutil.ToFloat64(waitlistOpsTotal.WithLabelValues("claim", "not_your_turn"))
	RecordWaitlistOp("claim", "not_your_turn")
	assert.Equal(t, before+1, testutil.ToFloat64(waitlistOpsTotal.WithLabelValues("claim", "not_your_turn")))

	SetDependencyHealth("postgres", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(dependencyHealth.WithLabelValues("postgres")))
	SetDependencyHealth("postgres", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(dependencyHealth.WithLabelValues("postgres")))
}
