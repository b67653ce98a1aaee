// Package metrics 以 Prometheus 匯出金鑰流程與儲存指標.
// nil *Recorder 的所有方法皆為 no-op.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"keybot/internal/keystore"
	"keybot/internal/storage/document"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keybot"

// Recorder 指標收集器.
type Recorder struct {
	registry *prom.Registry
	outcomes *prom.CounterVec
	saves    *prom.HistogramVec
	requests *prom.CounterVec
}

// New 建立使用獨立 registry 的收集器.
func New() *Recorder {
	r := &Recorder{
		registry: prom.NewRegistry(),
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_outcomes_total",
			Help:      "Workflow operations by resulting status.",
		}, []string{"operation", "status"}),
		saves: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "store_save_duration_seconds",
			Help:      "Document store save latency by operation and result.",
			Buckets:   prom.DefBuckets,
		}, []string{"operation", "result"}),
		requests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}
	r.registry.MustRegister(r.outcomes, r.saves, r.requests)
	return r
}

// Registry 底層 registry.
func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveSave 記錄一次文件寫入.
func (r *Recorder) ObserveSave(op string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	r.saves.WithLabelValues(op, saveResult(err)).Observe(elapsed.Seconds())
}

func saveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, document.ErrConflict):
		return "conflict"
	case errors.Is(err, document.ErrTransport):
		return "transport"
	default:
		return "error"
	}
}

// ObserveOutcome 記錄流程結果.
func (r *Recorder) ObserveOutcome(operation, status string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(operation, status).Inc()
}

// RegisterStats 以 GaugeFunc 匯出即時金鑰統計.
func (r *Recorder) RegisterStats(stats func() keystore.Stats) {
	if r == nil {
		return
	}
	gauge := func(name, help string, pick func(keystore.Stats) int) prom.Collector {
		return prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	r.registry.MustRegister(
		gauge("keys_total", "Keys in the document.", func(s keystore.Stats) int { return s.TotalKeys }),
		gauge("keys_active", "Keys not yet expired.", func(s keystore.Stats) int { return s.ActiveKeys }),
		gauge("keys_expired", "Expired keys still in the document.", func(s keystore.Stats) int { return s.ExpiredKeys }),
		gauge("pending_users", "Users with a pending verification.", func(s keystore.Stats) int { return s.PendingUsers }),
	)
}

// GinMiddleware 記錄 HTTP 請求數.
func (r *Recorder) GinMiddleware() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler /metrics 端點.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics disabled"))
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
