// Package drift runs periodic verify-only passes over a plan and exposes the
// results over HTTP for scraping and for the watch command. It never applies
// anything; repair stays a deliberate operator action.
package drift

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/plan"
	"github.com/manish-psys/aioctl/internal/report"
	"github.com/manish-psys/aioctl/internal/step"
)

type Monitor struct {
	log     zerolog.Logger
	plan    *plan.Plan
	runner  *plan.Runner
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.RWMutex
	last    *report.Summary
	lastErr error

	reg          *prometheus.Registry
	passes       prometheus.Counter
	passFailed   prometheus.Counter
	lastPass     prometheus.Gauge
	statusGauge  *prometheus.GaugeVec
	stepDuration prometheus.Histogram
}

func NewMonitor(log zerolog.Logger, p *plan.Plan, runner *plan.Runner, timeout time.Duration) *Monitor {
	m := &Monitor{
		log:     log.With().Str("component", "drift").Logger(),
		plan:    p,
		runner:  runner,
		cron:    cron.New(),
		timeout: timeout,
		reg:     prometheus.NewRegistry(),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aioctl_verify_passes_total",
			Help: "Completed verify passes.",
		}),
		passFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aioctl_verify_pass_errors_total",
			Help: "Verify passes that could not run at all.",
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aioctl_last_verify_timestamp_seconds",
			Help: "Unix time of the last completed verify pass.",
		}),
		statusGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aioctl_steps",
			Help: "Step count by outcome status of the last verify pass.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aioctl_probe_duration_seconds",
			Help:    "Per-step probe latency during verify passes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	m.reg.MustRegister(m.passes, m.passFailed, m.lastPass, m.statusGauge, m.stepDuration)
	return m
}

// Start schedules verify passes on a cron expression and runs the first pass
// immediately so the HTTP surface has data before the first tick.
func (m *Monitor) Start(schedule string) error {
	if _, err := m.cron.AddFunc(schedule, m.pass); err != nil {
		return err
	}
	m.pass()
	m.cron.Start()
	m.log.Info().Str("schedule", schedule).Msg("drift monitor started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Monitor) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	started := time.Now()
	results, err := m.runner.Verify(ctx, m.plan)
	if err != nil {
		m.passFailed.Inc()
		m.log.Error().Err(err).Msg("verify pass failed")
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return
	}
	sum := report.New(m.plan.Name, "verify", started, results)

	m.passes.Inc()
	m.lastPass.SetToCurrentTime()
	for _, r := range results {
		m.stepDuration.Observe(r.Duration.Seconds())
	}
	for _, st := range []step.Status{
		step.StatusSatisfied, step.StatusDrifted, step.StatusUnknown,
	} {
		m.statusGauge.WithLabelValues(string(st)).Set(float64(sum.Count(st)))
	}
	if n := sum.Count(step.StatusDrifted); n > 0 {
		m.log.Warn().Int("drifted", n).Msg("drift detected")
	}

	m.mu.Lock()
	m.last = sum
	m.lastErr = nil
	m.mu.Unlock()
}

// Routes returns the HTTP surface: health, the latest drift report, and
// Prometheus metrics.
func (m *Monitor) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	r.Get("/api/v1/drift", m.handleDrift)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	return r
}

func (m *Monitor) handleDrift(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	last, lastErr := m.last, m.lastErr
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case last == nil && lastErr != nil:
		http.Error(w, lastErr.Error(), http.StatusServiceUnavailable)
	case last == nil:
		http.Error(w, "no verify pass completed yet", http.StatusServiceUnavailable)
	default:
		if err := last.JSON(w); err != nil {
			m.log.Error().Err(err).Msg("encode drift report")
		}
	}
}
