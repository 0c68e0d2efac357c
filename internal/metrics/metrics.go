package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activitycache_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activitycache_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	remoteCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activitycache_remote_calls_total",
		Help: "Total number of calls issued to the remote activity API.",
	}, []string{"endpoint", "outcome"})

	remoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activitycache_remote_call_duration_seconds",
		Help:    "Histogram of remote activity API call latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activitycache_cache_lookups_total",
		Help: "Cache lookups by tier and result.",
	}, []string{"tier", "result"})

	detailFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activitycache_detail_fallbacks_total",
		Help: "Detail fetches that fell back to the summary record.",
	})
)

// Middleware records request counts and latency per chi route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemoteCall records one call against the remote activity API.
func ObserveRemoteCall(endpoint, outcome string, start time.Time) {
	remoteCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	remoteCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// CacheLookup records a hit or miss against one cache tier.
func CacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// DetailFallback records a detail fetch degraded to its summary record.
func DetailFallback() {
	detailFallbacksTotal.Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
