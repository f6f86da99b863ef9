package bank

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankbridge_upstream_requests_total",
		Help: "Upstream bank API calls, labeled by bank and operation",
	}, []string{"bank", "operation"})
	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankbridge_upstream_errors_total",
		Help: "Failed upstream bank API calls, labeled by bank and operation",
	}, []string{"bank", "operation"})
	tokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bankbridge_token_cache_hits_total",
		Help: "Bank token requests served from the in-process cache",
	})
	tokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bankbridge_token_cache_misses_total",
		Help: "Bank token requests that required an upstream authentication call",
	})
	tokenStaleFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bankbridge_token_stale_fallbacks_total",
		Help: "Times a stale token was served because refresh failed",
	})
	txCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bankbridge_tx_cache_hits_total",
		Help: "Transaction pages served from the short-TTL response cache",
	})
	txCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bankbridge_tx_cache_misses_total",
		Help: "Transaction pages fetched upstream on cache miss",
	})
	circuitOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankbridge_upstream_circuit_opens_total",
		Help: "Times an upstream bank circuit breaker tripped open",
	}, []string{"bank"})
)
