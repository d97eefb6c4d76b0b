package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DropCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindrop_drop_created_total",
			Help: "no. of drops created",
		},
		[]string{"kind"},
	)
	DropRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_drop_retrieved_total",
		Help: "no. of drops retrieved",
	})
	DropBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_drop_burned_total",
		Help: "no. of burn-after-read drops destroyed",
	})
	DropExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_drop_expired_total",
		Help: "no. of drops tombstoned on expiry",
	})
	UnlockFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_unlock_failures_total",
		Help: "no. of failed password unlock attempts",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bindrop_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindrop_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"action"},
	)
	BlockedHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_blocked_hits_total",
		Help: "no. of requests rejected by the denylist",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_sweep_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindrop_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bindrop_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
