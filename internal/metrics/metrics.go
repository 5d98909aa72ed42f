// Package metrics содержит Prometheus-метрики сервиса на собственном реестре.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tipledger"

// Результаты обработки перевода.
const (
	ResultOK             = "ok"
	ResultRejected       = "rejected"
	ResultTransferFailed = "transfer_failed"
	ResultError          = "error"

	// TokenInvalid заменяет метку token у переводов с недопустимым типом токена.
	TokenInvalid = "invalid"
)

// Metrics хранит метрики сервиса. Нулевой указатель допустим: все методы ничего не делают.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	tips         *prometheus.CounterVec
	tipVolume    *prometheus.CounterVec
	feeVolume    *prometheus.CounterVec
	reversals    *prometheus.CounterVec
	identities   *prometheus.CounterVec
	rewardRate   prometheus.Gauge
	rewardGrants prometheus.Counter
}

// New регистрирует метрики в новом реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		tips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tips_total",
			Help:      "Tips processed, by token and result",
		}, []string{"token", "result"}),
		tipVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tip_volume_total",
			Help:      "Gross amount of successful tips in base units",
		}, []string{"token"}),
		feeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_volume_total",
			Help:      "Fees collected from successful tips in base units",
		}, []string{"token"}),
		reversals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_reversals_total",
			Help:      "Compensating reversals after failed commits",
		}, []string{"result"}),
		identities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_registrations_total",
			Help:      "Username registrations, by result",
		}, []string{"result"}),
		rewardRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reward_rate",
			Help:      "Current global reward rate",
		}),
		rewardGrants: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_grants_total",
			Help:      "Administrative reward point grants",
		}),
	}
}

// Registry возвращает реестр метрик.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP учитывает обработанный HTTP-запрос.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveTip учитывает результат перевода. Объёмы учитываются только для успешных.
func (m *Metrics) ObserveTip(token, result string, amount, fee uint256.Int) {
	if m == nil {
		return
	}
	m.tips.WithLabelValues(token, result).Inc()
	if result != ResultOK {
		return
	}
	m.tipVolume.WithLabelValues(token).Add(toFloat(amount))
	m.feeVolume.WithLabelValues(token).Add(toFloat(fee))
}

// ObserveReversal учитывает компенсирующую отмену перевода.
func (m *Metrics) ObserveReversal(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.reversals.WithLabelValues(result).Inc()
}

// ObserveIdentity учитывает попытку регистрации имени.
func (m *Metrics) ObserveIdentity(result string) {
	if m == nil {
		return
	}
	m.identities.WithLabelValues(result).Inc()
}

// SetRewardRate публикует текущую ставку начисления баллов.
func (m *Metrics) SetRewardRate(rate uint256.Int) {
	if m == nil {
		return
	}
	m.rewardRate.Set(toFloat(rate))
}

// ObserveRewardGrant учитывает начисление баллов администратором.
func (m *Metrics) ObserveRewardGrant() {
	if m == nil {
		return
	}
	m.rewardGrants.Inc()
}

func toFloat(v uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
