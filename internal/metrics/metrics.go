// Package metrics registers the relay's Prometheus collectors and provides
// the HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// reqDuration is a histogram of HTTP request durations in seconds, labeled
// by route pattern, method, and status code.
var reqDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: []float64{0.01, 0.1, 0.3, 1.2, 5},
	},
	[]string{"path", "method", "status"},
)

// CertJobs counts certificate jobs by outcome: scheduled, succeeded, exhausted.
var CertJobs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cert_jobs_total",
		Help: "Certificate jobs by outcome.",
	},
	[]string{"outcome"},
)

// CertIssuance counts certificate issuance attempts by mode and result.
var CertIssuance = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cert_issuance_total",
		Help: "Certificate issuance operations by mode and result.",
	},
	[]string{"mode", "result"},
)

// RegisterDefault registers the Go runtime and process collectors plus the
// relay's own collectors. Safe to call once at startup.
func RegisterDefault(logger *zap.Logger) {
	mustRegister(logger, "Go collector", collectors.NewGoCollector())
	mustRegister(logger, "process collector", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mustRegister(logger, "HTTP request histogram", reqDuration)
	mustRegister(logger, "cert job counter", CertJobs)
	mustRegister(logger, "cert issuance counter", CertIssuance)
}

func mustRegister(logger *zap.Logger, name string, c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		if logger != nil {
			logger.Fatal("failed to register "+name, zap.Error(err))
		} else {
			panic("metrics: failed to register " + name + ": " + err.Error())
		}
	}
}

// HTTPMetrics is a middleware that records request duration into the
// http_request_duration_seconds histogram. It uses the chi route pattern
// instead of the raw path to keep label cardinality bounded.
func HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		protoMajor := r.ProtoMajor
		if protoMajor < 1 {
			protoMajor = 1
		}
		ww := middleware.NewWrapResponseWriter(w, protoMajor)

		next.ServeHTTP(ww, r)

		statusCode := ww.Status()
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		if statusCode < 100 || statusCode > 599 {
			statusCode = http.StatusInternalServerError
		}

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		reqDuration.WithLabelValues(
			path,
			r.Method,
			strconv.Itoa(statusCode),
		).Observe(time.Since(start).Seconds())
	})
}

// Handler returns an http.Handler that exposes the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
