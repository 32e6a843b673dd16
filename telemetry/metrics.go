// Package telemetry provides Prometheus metrics, run-id aware logging helpers,
// OpenTelemetry tracing and the instrumented HTTP client shared by the
// outbound calls of a run.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobName is the pushgateway job label.
const JobName = "twitch_notifier"

var (
	once sync.Once

	// Registry holds every notifier metric. A dedicated registry keeps the
	// pushed payload free of Go runtime collectors.
	Registry = prometheus.NewRegistry()

	// Counters
	RunsTotal          *prometheus.CounterVec // result=ok|error
	NotificationsTotal prometheus.Counter
	WebhookDeliveries  *prometheus.CounterVec // outcome=ok|failed
	TokenRefreshes     prometheus.Counter

	// Histograms (seconds)
	RunDuration prometheus.Observer

	// Gauges
	BroadcasterLive prometheus.Gauge // 1=live,0=offline
	LastRunTime     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		f := promauto.With(Registry)
		RunsTotal = f.NewCounterVec(prometheus.CounterOpts{Name: "twitch_notifier_runs_total", Help: "Number of notifier invocations by result"}, []string{"result"})
		NotificationsTotal = f.NewCounter(prometheus.CounterOpts{Name: "twitch_notifier_notifications_total", Help: "Number of offline to live transitions notified"})
		WebhookDeliveries = f.NewCounterVec(prometheus.CounterOpts{Name: "twitch_notifier_webhook_deliveries_total", Help: "Webhook POSTs by outcome"}, []string{"outcome"})
		TokenRefreshes = f.NewCounter(prometheus.CounterOpts{Name: "twitch_notifier_token_refreshes_total", Help: "Number of client-credentials exchanges"})
		RunDuration = f.NewHistogram(prometheus.HistogramOpts{Name: "twitch_notifier_run_duration_seconds", Help: "Duration of one invocation", Buckets: prometheus.DefBuckets})
		BroadcasterLive = f.NewGauge(prometheus.GaugeOpts{Name: "twitch_notifier_broadcaster_live", Help: "Broadcaster live=1 offline=0 at the last check"})
		LastRunTime = f.NewGauge(prometheus.GaugeOpts{Name: "twitch_notifier_last_run_timestamp_seconds", Help: "Unix time of the last completed invocation"})
	})
}

// ObserveRun records the outcome and duration of one invocation.
func ObserveRun(err error, d time.Duration) {
	if RunsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(d.Seconds())
	LastRunTime.SetToCurrentTime()
}

// SetLive records the observed live status.
func SetLive(live bool) {
	if BroadcasterLive == nil {
		return
	}
	if live {
		BroadcasterLive.Set(1)
	} else {
		BroadcasterLive.Set(0)
	}
}

// ObserveNotification counts one notified transition.
func ObserveNotification() {
	if NotificationsTotal != nil {
		NotificationsTotal.Inc()
	}
}

// ObserveDelivery counts one webhook POST.
func ObserveDelivery(ok bool) {
	if WebhookDeliveries == nil {
		return
	}
	if ok {
		WebhookDeliveries.WithLabelValues("ok").Inc()
	} else {
		WebhookDeliveries.WithLabelValues("failed").Inc()
	}
}

// ObserveTokenRefresh counts one client-credentials exchange.
func ObserveTokenRefresh() {
	if TokenRefreshes != nil {
		TokenRefreshes.Inc()
	}
}

// Push sends Registry to a Prometheus pushgateway. A batch job has no scrape
// endpoint, so this is the only way its metrics leave the process.
func Push(ctx context.Context, gatewayURL, instance string) error {
	if gatewayURL == "" {
		return nil
	}
	p := push.New(gatewayURL, JobName).Gatherer(Registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Run id helpers ------------------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the run id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the run id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the run_id attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("run_id", id))
	}
	return slog.Default()
}
