package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swirlvpn_admission_decisions_total",
		Help: "Connect admission checks by outcome",
	}, []string{"outcome"})

	StatsBatchSessions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swirlvpn_stats_batch_sessions",
		Help:    "Sessions per gateway stats batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	StatsBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swirlvpn_stats_batch_duration_seconds",
		Help:    "Time to process a gateway stats batch",
		Buckets: prometheus.DefBuckets,
	})

	StatsBatchItemErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swirlvpn_stats_batch_item_errors_total",
		Help: "Stats batch rows skipped due to errors",
	})

	EvictedUsers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swirlvpn_evicted_users_total",
		Help: "Users returned on eviction lists",
	})

	EntitlementClosures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swirlvpn_entitlement_closures_total",
		Help: "Entitlements closed by terminal status",
	}, []string{"status"})

	BytesForfeited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swirlvpn_bytes_forfeited_total",
		Help: "Unused bytes forfeited on expiry",
	})

	ExpiryTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swirlvpn_expiry_timers",
		Help: "Armed in-process entitlement expiry timers",
	})

	SessionsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swirlvpn_sessions_archived_total",
		Help: "Sessions moved to the archive",
	})

	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swirlvpn_reminders_sent_total",
		Help: "Low balance reminders dispatched",
	})
)

func IncAdmission(outcome string) {
	label := strings.TrimSpace(outcome)
	if label == "" {
		label = "unknown"
	}
	AdmissionDecisions.WithLabelValues(label).Inc()
}

func ObserveStatsBatch(sessions int, duration time.Duration) {
	if sessions < 0 {
		sessions = 0
	}
	StatsBatchSessions.Observe(float64(sessions))
	StatsBatchDuration.Observe(duration.Seconds())
}

func IncEntitlementClosure(status string) {
	label := strings.TrimSpace(status)
	if label == "" {
		label = "unknown"
	}
	EntitlementClosures.WithLabelValues(label).Inc()
}

func AddBytesForfeited(n int64) {
	if n <= 0 {
		return
	}
	BytesForfeited.Add(float64(n))
}

func SetExpiryTimers(count int) {
	if count < 0 {
		count = 0
	}
	ExpiryTimers.Set(float64(count))
}

func AddEvictedUsers(n int) {
	if n <= 0 {
		return
	}
	EvictedUsers.Add(float64(n))
}
