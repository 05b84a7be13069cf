// ============================================================================
// Exposure Pipeline Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露偵測流程的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - enpipe_detection_runs_total{outcome}: 各結果的偵測次數
//      - enpipe_key_files_submitted_total: 已提交給引擎的金鑰檔案數
//      - enpipe_engine_errors_total{kind}: 引擎錯誤次數（依錯誤種類）
//      - enpipe_exposures_inserted_total: 新增的曝險紀錄數
//      - enpipe_notifications_total: 發出的曝險通知數
//
//   2. 分佈 (Histogram):
//      - enpipe_detection_run_seconds: 單次偵測耗時
//
//   3. 狀態 (Gauge):
//      - enpipe_last_success_timestamp_seconds: 最近一次成功的時間
//      - enpipe_work_pending / enpipe_work_running: 排程器工作數
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(enpipe_detection_runs_total{outcome="failure"}[1d])
//     / rate(enpipe_detection_runs_total[1d])
//
//   # 距離上次成功多久
//   time() - enpipe_last_success_timestamp_seconds
//
// 所有方法對 nil *Collector 安全，元件在測試中可不注入指標。
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 偵測流程
	runs           *prometheus.CounterVec
	filesSubmitted prometheus.Counter
	engineErrors   *prometheus.CounterVec
	runDuration    prometheus.Histogram
	lastSuccess    prometheus.Gauge

	// 對帳
	exposuresInserted prometheus.Counter
	notifications     prometheus.Counter

	// 排程器
	workPending prometheus.Gauge
	workRunning prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enpipe_detection_runs_total",
			Help: "Detection runs by outcome",
		}, []string{"outcome"}),
		filesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enpipe_key_files_submitted_total",
			Help: "Key files accepted by the matching engine",
		}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enpipe_engine_errors_total",
			Help: "Matching engine errors by kind",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "enpipe_detection_run_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enpipe_last_success_timestamp_seconds",
			Help: "Unix time of the last successful or soft-skipped run",
		}),
		exposuresInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enpipe_exposures_inserted_total",
			Help: "Exposure records inserted by the reconciler",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enpipe_notifications_total",
			Help: "Possible-exposure notifications fired",
		}),
		workPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enpipe_work_pending",
			Help: "Scheduled work items waiting to run",
		}),
		workRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enpipe_work_running",
			Help: "Scheduled work items currently running",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.runs)
	prometheus.MustRegister(c.filesSubmitted)
	prometheus.MustRegister(c.engineErrors)
	prometheus.MustRegister(c.runDuration)
	prometheus.MustRegister(c.lastSuccess)
	prometheus.MustRegister(c.exposuresInserted)
	prometheus.MustRegister(c.notifications)
	prometheus.MustRegister(c.workPending)
	prometheus.MustRegister(c.workRunning)

	return c
}

// RecordRun 記錄一次偵測結果與耗時
func (c *Collector) RecordRun(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(d.Seconds())
	if outcome == "success" || outcome == "soft_skip" {
		c.lastSuccess.SetToCurrentTime()
	}
}

// RecordFilesSubmitted 記錄引擎接受的檔案數
func (c *Collector) RecordFilesSubmitted(n int) {
	if c == nil {
		return
	}
	c.filesSubmitted.Add(float64(n))
}

// RecordEngineError 記錄引擎錯誤
func (c *Collector) RecordEngineError(kind string) {
	if c == nil {
		return
	}
	c.engineErrors.WithLabelValues(kind).Inc()
}

// RecordExposuresInserted 記錄新增的曝險紀錄
func (c *Collector) RecordExposuresInserted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.exposuresInserted.Add(float64(n))
}

// RecordNotification 記錄一次通知
func (c *Collector) RecordNotification() {
	if c == nil {
		return
	}
	c.notifications.Inc()
}

// UpdateWorkStats 更新排程器狀態統計
func (c *Collector) UpdateWorkStats(pending, running int) {
	if c == nil {
		return
	}
	c.workPending.Set(float64(pending))
	c.workRunning.Set(float64(running))
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve 在 addr 上啟動 metrics HTTP 伺服器，ctx 結束時關閉
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
