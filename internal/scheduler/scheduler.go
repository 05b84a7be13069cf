// ============================================================================
// Exposure Pipeline 排程器 - 背景工作狀態機
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 週期性與一次性背景工作的登記、派發與重試
//
// 工作狀態轉換 (State Machine):
//   ENQUEUED (待執行)
//      ↓ 到期且限制條件滿足，送入 worker.Pool
//   RUNNING (執行中)
//      ├─ 一次性工作 → SUCCEEDED / FAILED
//      └─ 週期工作   → ENQUEUED（成功：下一個週期；失敗：指數退避）
//   任何非終止狀態 → CANCELLED（Cancel）
//
// 週期工作:
//   - 名稱唯一，KEEP 策略下重複排程保留既有工作
//   - 下次執行時間落在每個週期最後 flex 區間內的隨機時間點
//   - 失敗後 BaseBackoff * 2^(attempt-1)，上限 MaxBackoff
//
// 一次性工作:
//   - 不去重，每次 EnqueueOnce 都是新工作
//   - 失敗不重試，由下一次觸發補上
//
// 並發安全:
//   - sync.Mutex 保護 items 與 byName
//   - 派發時不持有鎖呼叫 Pool.Submit
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/metrics"
	"github.com/ChuLiYu/exposure-pipeline/internal/worker"
)

// ============================================================================
// 錯誤與狀態定義
// ============================================================================

var (
	// ErrUnknownWork 找不到指定名稱或 ID 的工作
	ErrUnknownWork = errors.New("unknown work")
	// ErrNotRunning 排程器尚未啟動
	ErrNotRunning = errors.New("scheduler not running")
	// ErrAlreadyRunning 重複啟動
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// State 工作狀態
type State string

const (
	StateEnqueued  State = "ENQUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal 是否為終止狀態
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ExistingPolicy 同名週期工作已存在時的處理方式
type ExistingPolicy int

const (
	// PolicyKeep 保留既有工作，忽略新的排程
	PolicyKeep ExistingPolicy = iota
	// PolicyReplace 取消既有工作，改用新的排程
	PolicyReplace
)

// 預設值
const (
	DefaultWorkers     = 2
	DefaultTick        = time.Second
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = 5 * time.Hour
	DefaultKeepHistory = 64
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Func 工作內容
type Func func(ctx context.Context) error

// Constraint 執行前檢查的條件，回傳 nil 表示滿足
type Constraint func(ctx context.Context) error

// Periodic 週期工作參數
type Periodic struct {
	Interval time.Duration  // 週期
	Flex     time.Duration  // 每個週期尾端允許執行的區間
	Policy   ExistingPolicy // 同名工作已存在時的處理
	Timeout  time.Duration  // 單次執行超時，0 使用 Config.TaskTimeout
}

// Config 排程器設定
type Config struct {
	Workers     int           // worker.Pool 大小
	Tick        time.Duration // 檢查到期工作的間隔
	BaseBackoff time.Duration // 指數退避起點
	MaxBackoff  time.Duration // 指數退避上限
	TaskTimeout time.Duration // 預設單次執行超時，0 表示不限
	KeepHistory int           // 保留的已結束工作數量
	Constraints []Constraint  // 週期工作執行前要滿足的條件
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.KeepHistory <= 0 {
		c.KeepHistory = DefaultKeepHistory
	}
	return c
}

// Work 工作的唯讀快照
type Work struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Periodic   bool          `json:"periodic"`
	Interval   time.Duration `json:"interval,omitempty"`
	State      State         `json:"state"`
	Attempts   int           `json:"attempts"`   // 連續失敗次數（週期工作成功後歸零）
	Runs       int           `json:"runs"`       // 累計執行次數
	NextRun    time.Time     `json:"next_run"`   // 下次預定執行時間
	LastRun    time.Time     `json:"last_run"`   // 上次執行結束時間
	LastError  string        `json:"last_error"` // 上次失敗原因
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

type item struct {
	info    Work
	fn      Func
	flex    time.Duration
	timeout time.Duration
	cancel  context.CancelFunc // 執行中時取消本次執行
	doneSeq uint64             // 結束順序，修剪歷史時由舊到新
}

// Scheduler 背景工作排程器
type Scheduler struct {
	cfg     Config
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
	jitter  func(n time.Duration) time.Duration

	mu      sync.Mutex
	items   map[string]*item  // 所有工作，以 ID 為鍵
	byName  map[string]string // 週期工作名稱 → ID
	pool    *worker.Pool
	wake    chan struct{}
	running bool
	doneSeq uint64
}

// New 建立排程器，collector 可為 nil
func New(cfg Config, collector *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		metrics: collector,
		log:     logging.New("scheduler"),
		now:     time.Now,
		jitter: func(n time.Duration) time.Duration {
			if n <= 0 {
				return 0
			}
			return rand.N(n)
		},
		items:  make(map[string]*item),
		byName: make(map[string]string),
		wake:   make(chan struct{}, 1),
	}
}

// ============================================================================
// 工作登記
// ============================================================================

// SchedulePeriodic 登記名稱唯一的週期工作並返回其 ID
// PolicyKeep 下若同名工作仍存在（未取消），返回既有 ID 且不做任何變更
func (s *Scheduler) SchedulePeriodic(name string, p Periodic, fn Func) (string, error) {
	if p.Interval <= 0 {
		return "", fmt.Errorf("schedule %s: interval must be positive", name)
	}
	if p.Flex < 0 || p.Flex > p.Interval {
		p.Flex = p.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[name]; ok {
		if p.Policy == PolicyKeep {
			s.log.Debug("periodic work kept", "name", name, "id", id)
			return id, nil
		}
		s.cancelLocked(s.items[id])
		s.pruneLocked()
	}

	now := s.now()
	it := &item{
		info: Work{
			ID:       uuid.NewString(),
			Name:     name,
			Periodic: true,
			Interval: p.Interval,
			State:    StateEnqueued,
		},
		fn:      fn,
		flex:    p.Flex,
		timeout: p.Timeout,
	}
	it.info.NextRun = s.nextPeriod(now, it)
	s.items[it.info.ID] = it
	s.byName[name] = it.info.ID
	s.updateStatsLocked()

	s.log.Info("Periodic work scheduled", "name", name, "id", it.info.ID, "interval", p.Interval, "flex", p.Flex, "next_run", it.info.NextRun)
	return it.info.ID, nil
}

// EnqueueOnce 登記一次性工作，立即可執行，不去重
func (s *Scheduler) EnqueueOnce(name string, fn Func) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := &item{
		info: Work{
			ID:      uuid.NewString(),
			Name:    name,
			State:   StateEnqueued,
			NextRun: s.now(),
		},
		fn:      fn,
		timeout: s.cfg.TaskTimeout,
	}
	s.items[it.info.ID] = it
	s.updateStatsLocked()
	s.signal()

	s.log.Debug("one-shot work enqueued", "name", name, "id", it.info.ID)
	return it.info.ID
}

// TriggerNow 讓名稱為 name 的週期工作立即到期
// 執行中的工作不受影響
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("trigger %s: %w", name, ErrUnknownWork)
	}
	it := s.items[id]
	if it.info.State == StateEnqueued {
		it.info.NextRun = s.now()
		s.signal()
	}
	return nil
}

// Cancel 取消名稱為 name 的所有未結束工作，執行中的工作會收到 Context 取消
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.items {
		if it.info.Name == name && !it.info.State.Terminal() {
			s.cancelLocked(it)
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("cancel %s: %w", name, ErrUnknownWork)
	}
	s.pruneLocked()
	s.updateStatsLocked()
	s.log.Info("Work cancelled", "name", name, "count", n)
	return nil
}

func (s *Scheduler) cancelLocked(it *item) {
	if it == nil {
		return
	}
	if it.cancel != nil {
		it.cancel()
	}
	it.info.State = StateCancelled
	s.finishLocked(it, s.now())
	if s.byName[it.info.Name] == it.info.ID {
		delete(s.byName, it.info.Name)
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Get 返回指定 ID 的工作快照
func (s *Scheduler) Get(id string) (Work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Work{}, false
	}
	return it.info, true
}

// Lookup 返回名稱為 name 的週期工作快照
func (s *Scheduler) Lookup(name string) (Work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return Work{}, false
	}
	return s.items[id].info, true
}

// List 返回所有工作，依名稱、下次執行時間排序
func (s *Scheduler) List() []Work {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Work, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// Stats 返回各狀態的工作數量
func (s *Scheduler) Stats() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() map[State]int {
	stats := map[State]int{
		StateEnqueued:  0,
		StateRunning:   0,
		StateSucceeded: 0,
		StateFailed:    0,
		StateCancelled: 0,
	}
	for _, it := range s.items {
		stats[it.info.State]++
	}
	return stats
}

func (s *Scheduler) updateStatsLocked() {
	stats := s.statsLocked()
	s.metrics.UpdateWorkStats(stats[StateEnqueued], stats[StateRunning])
}

// ============================================================================
// 主迴圈
// ============================================================================

// Run 啟動 worker.Pool 並派發到期工作，阻塞直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	pool := worker.NewPool(s.cfg.Workers * 4)
	if err := pool.Start(ctx, s.cfg.Workers); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pool = pool
	s.running = true
	s.mu.Unlock()

	s.log.Info("Scheduler started", "workers", s.cfg.Workers, "tick", s.cfg.Tick)

	results := make(chan struct{})
	go func() {
		defer close(results)
		for {
			r, err := pool.ReceiveResult()
			if err != nil {
				return
			}
			s.complete(r)
		}
	}()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			pool.Stop()
			<-results
			s.shutdown()
			s.log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

// shutdown 把停止時仍標記為執行中的工作放回佇列
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.info.State == StateRunning {
			it.info.State = StateEnqueued
			it.cancel = nil
		}
	}
	s.running = false
	s.pool = nil
	s.updateStatsLocked()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch 把所有到期工作送入 Pool
// 限制條件只套用在週期工作，且只在有週期工作到期時才檢查
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	periodicDue := false
	now := s.now()
	for _, it := range s.items {
		if it.info.Periodic && it.info.State == StateEnqueued && !it.info.NextRun.After(now) {
			periodicDue = true
			break
		}
	}
	s.mu.Unlock()

	constraintsMet := true
	if periodicDue {
		if err := s.checkConstraints(ctx); err != nil {
			s.log.Debug("constraints not met, deferring periodic work", "error", err)
			constraintsMet = false
		}
	}

	s.mu.Lock()
	now = s.now()
	var due []worker.Task
	for _, it := range s.items {
		if it.info.State != StateEnqueued || it.info.NextRun.After(now) {
			continue
		}
		if it.info.Periodic && !constraintsMet {
			continue
		}
		it.info.State = StateRunning
		it.info.Runs++
		due = append(due, s.taskLocked(it))
	}
	pool := s.pool
	if len(due) > 0 {
		s.updateStatsLocked()
	}
	s.mu.Unlock()

	for _, task := range due {
		if err := pool.Submit(task); err != nil {
			s.log.Warn("submit to pool failed", "name", task.Name, "error", err)
			s.requeue(task.ID)
		}
	}
}

func (s *Scheduler) taskLocked(it *item) worker.Task {
	runCtx, cancel := context.WithCancel(context.Background())
	it.cancel = cancel
	fn := it.fn
	timeout := it.timeout
	if timeout <= 0 {
		timeout = s.cfg.TaskTimeout
	}
	return worker.Task{
		ID:   it.info.ID,
		Name: it.info.Name,
		Run: func(ctx context.Context) error {
			defer cancel()
			// Cancel 與 Pool 的 Context 任一方取消都中止本次執行
			ctx, cancelRun := context.WithCancel(ctx)
			defer cancelRun()
			stop := context.AfterFunc(runCtx, cancelRun)
			defer stop()
			return fn(ctx)
		},
		Timeout: timeout,
	}
}

func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok && it.info.State == StateRunning {
		it.info.State = StateEnqueued
		it.info.Runs--
		it.cancel = nil
	}
	s.updateStatsLocked()
}

// complete 依執行結果推進狀態機
func (s *Scheduler) complete(r worker.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateStatsLocked()

	it, ok := s.items[r.TaskID]
	if !ok {
		return
	}
	it.cancel = nil
	now := s.now()
	it.info.LastRun = now

	if it.info.State == StateCancelled {
		return
	}

	if r.Success() {
		it.info.LastError = ""
		it.info.Attempts = 0
		if it.info.Periodic {
			it.info.State = StateEnqueued
			it.info.NextRun = s.nextPeriod(now, it)
			s.log.Debug("periodic work done", "name", it.info.Name, "next_run", it.info.NextRun, "took", r.Duration)
			return
		}
		it.info.State = StateSucceeded
		s.finishLocked(it, now)
		s.pruneLocked()
		return
	}

	it.info.LastError = r.Err.Error()
	it.info.Attempts++
	if it.info.Periodic {
		delay := Backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, it.info.Attempts)
		it.info.State = StateEnqueued
		it.info.NextRun = now.Add(delay)
		s.log.Warn("Periodic work failed, backing off", "name", it.info.Name, "attempt", it.info.Attempts, "retry_in", delay, "error", r.Err)
		return
	}
	it.info.State = StateFailed
	s.finishLocked(it, now)
	s.log.Warn("One-shot work failed", "name", it.info.Name, "error", r.Err)
	s.pruneLocked()
}

func (s *Scheduler) finishLocked(it *item, at time.Time) {
	s.doneSeq++
	it.doneSeq = s.doneSeq
	it.info.FinishedAt = at
}

// pruneLocked 只保留最近 KeepHistory 筆已結束的工作
// 包含被取消的週期工作，引擎反覆啟停時不會無限累積
func (s *Scheduler) pruneLocked() {
	var done []*item
	for _, it := range s.items {
		if it.info.State.Terminal() {
			done = append(done, it)
		}
	}
	if len(done) <= s.cfg.KeepHistory {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].doneSeq < done[j].doneSeq })
	for _, it := range done[:len(done)-s.cfg.KeepHistory] {
		delete(s.items, it.info.ID)
	}
}

func (s *Scheduler) checkConstraints(ctx context.Context) error {
	for _, c := range s.cfg.Constraints {
		if err := c(ctx); err != nil {
			return err
		}
	}
	return nil
}

// nextPeriod 週期內最後 flex 區間中的隨機時間點
func (s *Scheduler) nextPeriod(now time.Time, it *item) time.Time {
	return now.Add(it.info.Interval - it.flex + s.jitter(it.flex))
}

// Backoff 第 attempt 次失敗後的等待時間：base * 2^(attempt-1)，上限 ceiling
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := min(base, ceiling)
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}
