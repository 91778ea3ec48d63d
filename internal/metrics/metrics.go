package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once
	enabled  bool

	// HTTP指标
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// 状态仓库指标
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	staleDiscarded  prometheus.Counter
	lastRefresh     prometheus.Gauge

	// 钱包与交易指标
	sessionEventsTotal *prometheus.CounterVec
	transactionsTotal  *prometheus.CounterVec
	rpcCallsTotal      *prometheus.CounterVec
)

// Init 初始化指标，只有第一次调用生效
func Init(enabledFlag bool) {
	initOnce.Do(func() {
		enabled = enabledFlag
		if !enabled {
			return
		}

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		)
		httpDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "presale_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		)

		refreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_store_refresh_total",
				Help: "Total number of presale state refreshes",
			},
			[]string{"result"},
		)
		refreshDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "presale_store_refresh_duration_seconds",
				Help:    "Presale state refresh latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		staleDiscarded = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "presale_store_stale_discarded_total",
				Help: "Refresh results discarded because a newer result was already published",
			},
		)
		lastRefresh = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "presale_store_last_refresh_timestamp_seconds",
				Help: "Unix time of the last published snapshot",
			},
		)

		sessionEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_wallet_session_events_total",
				Help: "Total number of wallet session events",
			},
			[]string{"type"},
		)
		transactionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_transactions_total",
				Help: "Total number of presale write transactions",
			},
			[]string{"operation", "status"},
		)
		rpcCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_rpc_calls_total",
				Help: "Total number of read RPC calls",
			},
			[]string{"node", "status"},
		)
	})
}

// Enabled 是否启用指标
func Enabled() bool {
	return enabled
}

// Handler Prometheus指标处理器
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// GinMiddleware 记录HTTP请求指标，使用路由模板作为path标签
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordRefresh 记录一次刷新
func RecordRefresh(result string, duration time.Duration) {
	if !enabled {
		return
	}
	refreshTotal.WithLabelValues(result).Inc()
	refreshDuration.Observe(duration.Seconds())
	if result == "success" {
		lastRefresh.SetToCurrentTime()
	}
}

// RecordStaleDiscard 记录被丢弃的过期刷新结果
func RecordStaleDiscard() {
	if !enabled {
		return
	}
	staleDiscarded.Inc()
}

// RecordSessionEvent 记录钱包会话事件
func RecordSessionEvent(eventType string) {
	if !enabled {
		return
	}
	sessionEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordTransaction 记录写交易结果
func RecordTransaction(operation, status string) {
	if !enabled {
		return
	}
	transactionsTotal.WithLabelValues(operation, status).Inc()
}

// RecordRPCCall 记录只读RPC调用
func RecordRPCCall(node string, err error) {
	if !enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	rpcCallsTotal.WithLabelValues(node, status).Inc()
}
