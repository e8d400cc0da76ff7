package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions, renewals included.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_lock_acquire_total",
		Help: "Total number of successful section lock acquisitions",
	})
	// ContentionCounter tracks acquire attempts rejected because another
	// holder owned a live lease.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_lock_contention_total",
		Help: "Total number of acquire attempts rejected due to contention",
	})
	// ExpiredClaimCounter tracks acquisitions that reclaimed an expired lease
	// from a previous holder.
	ExpiredClaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_lock_expired_claim_total",
		Help: "Total number of acquisitions that reclaimed an expired lease",
	})
	// HeartbeatCounter tracks successful lease extensions.
	HeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_lock_heartbeat_total",
		Help: "Total number of successful lock heartbeats",
	})
	// ReleaseCounter tracks successful lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_lock_release_total",
		Help: "Total number of successful lock releases",
	})
	// JoinCounter tracks session joins, reuse included.
	JoinCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_session_join_total",
		Help: "Total number of collaboration session joins",
	})
	// LeaveCounter tracks explicit session leaves.
	LeaveCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cowrite_session_leave_total",
		Help: "Total number of explicit collaboration session leaves",
	})
	// ActiveWatcherGauge reports the number of active event stream watchers.
	ActiveWatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cowrite_stream_watchers",
		Help: "Current number of active event stream watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers cowrite core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter, ContentionCounter, ExpiredClaimCounter,
		HeartbeatCounter, ReleaseCounter,
		JoinCounter, LeaveCounter, ActiveWatcherGauge,
	)
}
