package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики шлюза аутентификации и потоков событий.
var (
	gatewayDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_gateway_decisions_total",
			Help: "Auth gateway decisions by outcome.",
		},
		[]string{"outcome"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Stream records appended, by stream and result.",
		},
		[]string{"stream", "result"},
	)

	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Stream records processed by consumers, by stream and result.",
		},
		[]string{"stream", "result"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when every readiness check passed on the last probe.",
	})

	eventHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_handler_duration_seconds",
			Help:    "Stream handler latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)
)

// Init регистрирует метрики в default-регистре. Повторные вызовы ничего не делают.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			gatewayDecisions,
			eventsPublished, eventsConsumed, eventHandlerDuration,
			readyGauge,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GatewayDecision counts one auth gateway outcome (allowed, anonymous, rejected, forbidden, ...).
func GatewayDecision(outcome string) {
	gatewayDecisions.WithLabelValues(outcome).Inc()
}

// EventPublished counts one append attempt on stream.
func EventPublished(stream string, err error) {
	eventsPublished.WithLabelValues(stream, resultLabel(err)).Inc()
}

// EventConsumed records how a consumer finished with one record.
func EventConsumed(stream, result string, took time.Duration) {
	eventsConsumed.WithLabelValues(stream, result).Inc()
	if took > 0 {
		eventHandlerDuration.WithLabelValues(stream).Observe(took.Seconds())
	}
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath сворачивает идентификаторы в ":id", чтобы метка path не росла без границ.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimRight(raw, "/")
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		if looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// looksLikeID matches ULIDs, UUIDs and plain numbers.
func looksLikeID(seg string) bool {
	if seg == "" {
		return false
	}
	switch len(seg) {
	case 26:
		return isCrockford(seg)
	case 36:
		return seg[8] == '-' && seg[13] == '-' && seg[18] == '-' && seg[23] == '-' &&
			isHex(strings.ReplaceAll(seg, "-", ""))
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isCrockford(s string) bool {
	for _, c := range strings.ToUpper(s) {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z' && c != 'I' && c != 'L' && c != 'O' && c != 'U':
		default:
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
