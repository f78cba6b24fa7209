package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_paste_burned_total",
		Help: "no. of pastes deleted by reaching their view limit",
	})
	PasteRenewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_paste_renewed_total",
		Help: "no. of successful expiry renewals",
	})
	RenewDeclined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_renew_declined_total",
		Help: "no. of renewals rejected by the staleness gate",
	})
	SweptRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_swept_rows_total",
		Help: "no. of expired rows removed by request-triggered sweeps",
	})
	EvictedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fadebin_evicted_rows_total",
			Help: "no. of rows evicted to satisfy a capacity policy",
		},
		[]string{"policy"},
	)
	TokenCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_token_collisions_total",
		Help: "no. of insert retries caused by token collisions",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fadebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fadebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
)

func Init() {
}
