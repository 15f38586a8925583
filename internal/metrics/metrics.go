package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	StepsTotal      *prometheus.CounterVec
	ArmSelections   *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec
	Reward          *prometheus.GaugeVec
	CurrentCPM      *prometheus.GaugeVec
	BidApplyErrors  *prometheus.CounterVec
	StepLatency     *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	CampaignsActive prometheus.Gauge
	BreakerState    prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpmbandit_steps_total",
			Help: "Optimization steps by campaign and outcome",
		}, []string{"advert_id", "status"}),
		ArmSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpmbandit_arm_selections_total",
			Help: "Arm selections by campaign and arm",
		}, []string{"advert_id", "arm"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpmbandit_fallbacks_total",
			Help: "Selections that fell back to reset because no arm met min_bid",
		}, []string{"advert_id"}),
		Reward: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cpmbandit_last_reward",
			Help: "Most recent final reward by campaign",
		}, []string{"advert_id"}),
		CurrentCPM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cpmbandit_cpm",
			Help: "Most recent CPM chosen by campaign",
		}, []string{"advert_id"}),
		BidApplyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpmbandit_bid_apply_errors_total",
			Help: "Failed marketplace calls by campaign and stage",
		}, []string{"advert_id", "stage"}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpmbandit_step_latency_ms",
			Help:    "Full fetch/step/apply cycle latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"advert_id"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cpmbandit_rate_limited_total",
			Help: "Admin API requests rejected by the rate limiter",
		}),
		CampaignsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpmbandit_campaigns_active",
			Help: "Registered campaigns",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpmbandit_marketplace_breaker_state",
			Help: "Marketplace circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}
	reg.MustRegister(m.StepsTotal, m.ArmSelections, m.FallbacksTotal, m.Reward, m.CurrentCPM,
		m.BidApplyErrors, m.StepLatency, m.RateLimited, m.CampaignsActive, m.BreakerState)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
