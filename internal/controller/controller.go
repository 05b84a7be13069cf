// ============================================================================
// Exposure Pipeline 控制器 - 偵測流程狀態機
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 串接目錄解析、下載、提交與設定更新，並分類最終結果
//
// 狀態轉換:
//
//   IDLE → CHECK_ENABLED → RESOLVE_BATCHES → SUBMIT → AWAIT_ENGINE_SIGNAL → DONE
//                │                │             │
//                │ 引擎停用        │ 錯誤         │ 錯誤
//                ▼                ▼             ▼
//          DONE(soft_skip)   DONE(failure) DONE(failure)
//
// 結果:
//   - success:   提交成功（或沒有新檔案）
//   - soft_skip: 引擎停用，屬於正常的使用者狀態，不是錯誤
//   - failure:   交由排程器退避重試
//
// 持久化:
//   - LastDetection 在 success 與 soft_skip 時更新
//   - LastError 在 failure 時寫入，其餘結果清除
//   - 檢查點由 Submitter 在引擎成功後寫入
//
// 並發:
//   - 重疊的 Run 呼叫以 singleflight 合併，同一時間只有一個流程在跑
//   - 排程器另外以 KEEP 策略保證週期工作唯一
//   - 引擎的狀態更新訊號是獨立的觸發路徑，不在此狀態機中阻塞等待
//
// 錯誤處理:
//   - 所有步驟的 panic 都在最外層 recover，分類為 failure
//   - PermissionRequired 透過 Notifier 要求使用者同意
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/exposure-pipeline/internal/catalog"
	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/metrics"
	"github.com/ChuLiYu/exposure-pipeline/internal/notify"
	"github.com/ChuLiYu/exposure-pipeline/internal/scanconfig"
	"github.com/ChuLiYu/exposure-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 偵測流程的狀態
type State string

const (
	StateIdle           State = "IDLE"
	StateCheckEnabled   State = "CHECK_ENABLED"
	StateResolveBatches State = "RESOLVE_BATCHES"
	StateSubmit         State = "SUBMIT"
	StateAwaitSignal    State = "AWAIT_ENGINE_SIGNAL"
	StateDone           State = "DONE"
)

// Fetcher 下載索引與批次
type Fetcher interface {
	FetchIndex(ctx context.Context) (string, error)
	FetchAll(ctx context.Context, batches []types.KeyFileBatch) ([]types.DownloadedBatch, error)
}

// Submitter 提交已下載的批次
type Submitter interface {
	Submit(ctx context.Context, batches []types.DownloadedBatch) error
}

// ScanConfig 掃描設定的更新與資料映射
type ScanConfig interface {
	Refresh(ctx context.Context) error
	ApplyDataMapping(ctx context.Context, eng engine.Engine) error
}

// Config Controller 配置
type Config struct {
	IsEnabledTimeout time.Duration   // CHECK_ENABLED 逾時
	Catalog          catalog.Options // 批次分組方式
}

// Deps Controller 的相依元件
type Deps struct {
	Engine     engine.Engine
	Store      store.Store
	Fetcher    Fetcher
	Submitter  Submitter
	ScanConfig ScanConfig         // 可為 nil，跳過設定更新
	Notifier   notify.Notifier    // 可為 nil
	Journal    wal.Appender       // 可為 nil
	Metrics    *metrics.Collector // 可為 nil
}

// Result 單次偵測的結果
type Result struct {
	RunID     string        `json:"run_id"`
	Outcome   types.Outcome `json:"outcome"`
	Files     int           `json:"files"`                // 提交的檔案數
	Error     string        `json:"error,omitempty"`      // failure 時的錯誤描述
	ErrorKind string        `json:"error_kind,omitempty"` // 引擎錯誤種類
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	err error
}

// Err returns the error behind a failure outcome.
func (r Result) Err() error { return r.err }

// Controller 偵測流程協調器
type Controller struct {
	deps   Deps
	config Config
	group  singleflight.Group
	now    func() time.Time
	log    *slog.Logger

	mu    sync.Mutex
	state State
	last  *Result
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(deps Deps, config Config) *Controller {
	if config.IsEnabledTimeout <= 0 {
		config.IsEnabledTimeout = 10 * time.Second
	}
	return &Controller{deps: deps, config: config, now: time.Now, log: logging.New("controller"), state: StateIdle}
}

// Run 執行一次偵測流程
//
// 重疊的呼叫會等待並共用正在進行中的結果。Run 不會 panic，也不回傳 error，
// 所有錯誤都收斂為 Result.Outcome。
func (c *Controller) Run(ctx context.Context) Result {
	v, _, _ := c.group.Do("detect", func() (any, error) {
		return c.run(ctx), nil
	})
	return v.(Result)
}

// State 返回目前狀態
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastResult 返回最近一次的結果
func (c *Controller) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// StartEngine 啟用比對引擎。需要使用者同意時會透過 Notifier 提示
func (c *Controller) StartEngine(ctx context.Context) error {
	err := c.deps.Engine.Start(ctx)
	if err != nil && engine.IsKind(err, engine.KindPermissionRequired) {
		c.askPermission(ctx, err)
	}
	return err
}

// StopEngine 停用比對引擎
func (c *Controller) StopEngine(ctx context.Context) error {
	return c.deps.Engine.Stop(ctx)
}

// ============================================================================
// 狀態機
// ============================================================================

func (c *Controller) run(ctx context.Context) (res Result) {
	res = Result{RunID: uuid.NewString()[:8], StartedAt: c.now()}
	rlog := c.log.With("run_id", res.RunID)
	c.journal(wal.Event{Type: wal.EventRunStarted, RunID: res.RunID})

	defer func() {
		if r := recover(); r != nil {
			rlog.Error("Detection run panicked", "panic", r)
			res.Outcome = types.OutcomeFailure
			res.err = fmt.Errorf("panic: %v", r)
		}
		c.finish(ctx, &res, rlog)
	}()

	// CHECK_ENABLED
	c.enter(res.RunID, StateCheckEnabled)
	enabled, err := c.isEnabled(ctx)
	if err != nil {
		return c.fail(res, err)
	}
	if !enabled {
		rlog.Info("Matching engine disabled, skipping detection")
		res.Outcome = types.OutcomeSoftSkip
		return res
	}

	// 設定更新與資料映射都是 best-effort
	c.refreshConfig(ctx, rlog)

	// RESOLVE_BATCHES
	c.enter(res.RunID, StateResolveBatches)
	index, err := c.deps.Fetcher.FetchIndex(ctx)
	if err != nil {
		return c.fail(res, err)
	}
	last, _, err := store.LastProcessedFile(ctx, c.deps.Store)
	if err != nil {
		return c.fail(res, fmt.Errorf("read checkpoint: %w", err))
	}
	batches := catalog.ResolveWith(index, last, c.config.Catalog)
	refs := catalog.Flatten(batches)
	rlog.Info("Resolved key file batches", "checkpoint", last, "batches", len(batches), "files", len(refs))

	downloaded, err := c.deps.Fetcher.FetchAll(ctx, batches)
	if err != nil {
		return c.fail(res, err)
	}

	// SUBMIT
	c.enter(res.RunID, StateSubmit)
	if err := c.deps.Submitter.Submit(ctx, downloaded); err != nil {
		return c.fail(res, err)
	}
	res.Files = len(refs)
	if len(refs) > 0 {
		c.journal(wal.Event{Type: wal.EventCheckpoint, RunID: res.RunID, Detail: refs[len(refs)-1]})
	}

	// AWAIT_ENGINE_SIGNAL：引擎會非同步發出狀態更新，由對帳器獨立處理
	c.enter(res.RunID, StateAwaitSignal)
	res.Outcome = types.OutcomeSuccess
	return res
}

func (c *Controller) isEnabled(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.IsEnabledTimeout)
	defer cancel()
	enabled, err := c.deps.Engine.IsEnabled(ctx)
	if err != nil {
		return false, engine.Classify(engine.OpIsEnabled, err)
	}
	return enabled, nil
}

func (c *Controller) refreshConfig(ctx context.Context, rlog *slog.Logger) {
	if c.deps.ScanConfig == nil {
		return
	}
	if err := c.deps.ScanConfig.Refresh(ctx); err != nil && !errors.Is(err, scanconfig.ErrNoRemote) {
		rlog.Warn("Scan configuration refresh failed, keeping previous values", "error", err)
	}
	if err := c.deps.ScanConfig.ApplyDataMapping(ctx, c.deps.Engine); err != nil {
		rlog.Warn("Data mapping not applied", "error", err)
	}
}

func (c *Controller) fail(res Result, err error) Result {
	res.Outcome = types.OutcomeFailure
	res.err = err
	return res
}

// finish 持久化結果、記錄指標並寫入日誌
func (c *Controller) finish(ctx context.Context, res *Result, rlog *slog.Logger) {
	res.Duration = c.now().Sub(res.StartedAt)

	if res.Outcome.Succeeded() {
		if err := store.SetLastDetection(ctx, c.deps.Store, c.now()); err != nil {
			rlog.Warn("persist last detection", "error", err)
		}
		if err := store.SetLastError(ctx, c.deps.Store, ""); err != nil {
			rlog.Warn("clear last error", "error", err)
		}
	} else {
		res.Error = res.err.Error()
		var ee *engine.Error
		if errors.As(res.err, &ee) {
			res.ErrorKind = ee.Kind.String()
		}
		if err := store.SetLastError(ctx, c.deps.Store, res.Error); err != nil {
			rlog.Warn("persist last error", "error", err)
		}
		if engine.IsKind(res.err, engine.KindPermissionRequired) {
			c.askPermission(ctx, res.err)
		}
		rlog.Warn("Detection run failed", "kind", res.ErrorKind, "error", res.err)
	}

	c.deps.Metrics.RecordRun(string(res.Outcome), res.Duration)
	c.enter(res.RunID, StateDone)
	c.journal(wal.Event{Type: wal.EventRunFinished, RunID: res.RunID, Outcome: string(res.Outcome), Detail: res.Error})
	rlog.Info("Detection run finished", "outcome", res.Outcome, "files", res.Files, "duration", res.Duration)

	c.mu.Lock()
	copied := *res
	c.last = &copied
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Controller) askPermission(ctx context.Context, cause error) {
	if c.deps.Notifier == nil {
		return
	}
	if err := c.deps.Notifier.PermissionRequired(ctx, cause); err != nil {
		c.log.Warn("permission prompt failed", "error", err)
	}
}

func (c *Controller) enter(runID string, s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Debug("state", "run_id", runID, "state", s)
	c.journal(wal.Event{Type: wal.EventState, RunID: runID, State: string(s)})
}

func (c *Controller) journal(e wal.Event) {
	if c.deps.Journal == nil {
		return
	}
	if _, err := c.deps.Journal.Append(e); err != nil {
		c.log.Warn("journal append failed", "error", err)
	}
}
