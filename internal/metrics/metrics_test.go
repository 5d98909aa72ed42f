package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/tipledger/internal/model"
)

func TestObserveTip(t *testing.T) {
	m := New()

	m.ObserveTip("STX", ResultOK, model.Amount(2_000_000), model.Amount(100_000))
	m.ObserveTip("STX", ResultOK, model.Amount(1_000), model.Amount(50))
	m.ObserveTip("STX", ResultRejected, model.Amount(5), model.Amount(0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tips.WithLabelValues("STX", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tips.WithLabelValues("STX", ResultRejected)))
	assert.Equal(t, 2_001_000.0, testutil.ToFloat64(m.tipVolume.WithLabelValues("STX")))
	assert.Equal(t, 100_050.0, testutil.ToFloat64(m.feeVolume.WithLabelValues("STX")))
}

func TestRewardRateGauge(t *testing.T) {
	m := New()
	m.SetRewardRate(model.Amount(42))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.rewardRate))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP(http.MethodGet, "/api/policy", http.StatusOK, time.Millisecond)
		m.ObserveTip("STX", ResultOK, model.Amount(1), model.Amount(0))
		m.ObserveReversal(true)
		m.ObserveIdentity(ResultOK)
		m.SetRewardRate(model.Amount(1))
		m.ObserveRewardGrant()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/api/tips", http.StatusOK, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `tipledger_http_requests_total{method="POST",route="/api/tips",status="200"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
