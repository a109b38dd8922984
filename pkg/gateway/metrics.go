package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	ua "github.com/mileusna/useragent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/serverlessresearch/srkstore/pkg/srk"
)

// Metrics counts and times every API request by route pattern.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	labels := []string{"method", "path", "status", "response_code", "user_agent"}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "srkstore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Number of HTTP requests handled",
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "srkstore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time taken to handle HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, labels),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func userAgent(r *http.Request) string {
	header := r.Header.Get("User-Agent")
	if header == "" {
		return "unknown"
	}
	if name := ua.Parse(header).Name; name != "" {
		return name
	}
	return "other"
}

// routePattern keeps label cardinality bounded: repository and object names
// never appear in labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "XX"
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func(start time.Time) {
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			label := prometheus.Labels{
				"method":        r.Method,
				"path":          routePattern(r),
				"status":        statusClass(code),
				"response_code": strconv.Itoa(code),
				"user_agent":    userAgent(r),
			}
			m.duration.With(label).Observe(time.Since(start).Seconds())
			m.requests.With(label).Inc()
		}(time.Now())

		next.ServeHTTP(ww, r)
	})
}

// requestLogger logs one line per request once it has been handled.
func requestLogger(logger srk.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			log := logger.WithField("request_id", middleware.GetReqID(r.Context())).
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", code).
				WithField("bytes", ww.BytesWritten()).
				WithField("duration", time.Since(start))
			if code >= http.StatusInternalServerError {
				log.Warn("request failed")
			} else {
				log.Debug("request handled")
			}
		})
	}
}
