package engine

// ============================================================================
// 模擬比對引擎
// 職責：
// 1. 在記憶體中模擬 Matching Engine 的啟用狀態與配額
// 2. 以 SHA-256 去重已提交的金鑰檔案（重複提交是冪等的）
// 3. 依預先設定的檔案內容比對結果累積每日摘要
// 4. 提交成功後非同步發出 state-updated 訊號
// ============================================================================

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// SimulatorConfig 模擬器配置
type SimulatorConfig struct {
	Enabled             bool             // 初始是否啟用
	RequirePermission   bool             // Start 前是否需要使用者同意
	ProvideQuotaPerDay  int              // 每日 ProvideDiagnosisKeys 呼叫上限
	DataMappingInterval time.Duration    // 資料映射最短間隔
	Now                 func() time.Time // 時鐘（測試注入）
}

// DefaultSimulatorConfig 返回接近真實引擎的預設配置
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Enabled:             true,
		ProvideQuotaPerDay:  6,
		DataMappingInterval: 7 * 24 * time.Hour,
	}
}

// Simulator 記憶體內的 Matching Engine
type Simulator struct {
	mu             sync.Mutex
	cfg            SimulatorConfig
	enabled        bool
	granted        bool
	provideLimiter *rate.Limiter
	mappingLimiter *rate.Limiter

	seen      map[string]struct{}             // 已處理檔案的 SHA-256
	matches   map[string][]types.DailySummary // 檔案內容雜湊 → 比對結果
	summaries map[int]types.DailySummary      // daysSinceEpoch → 累積摘要
	mapping   *types.DataMapping

	watchers map[int]chan struct{}
	nextID   int

	injected     map[string]error // 下一次呼叫要返回的錯誤
	provideCalls int
	lastFiles    []string
}

// NewSimulator 建立模擬引擎
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.ProvideQuotaPerDay <= 0 {
		cfg.ProvideQuotaPerDay = 6
	}
	if cfg.DataMappingInterval <= 0 {
		cfg.DataMappingInterval = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	perCall := 24 * time.Hour / time.Duration(cfg.ProvideQuotaPerDay)
	return &Simulator{
		cfg:            cfg,
		enabled:        cfg.Enabled,
		granted:        !cfg.RequirePermission,
		provideLimiter: rate.NewLimiter(rate.Every(perCall), cfg.ProvideQuotaPerDay),
		mappingLimiter: rate.NewLimiter(rate.Every(cfg.DataMappingInterval), 1),
		seen:           make(map[string]struct{}),
		matches:        make(map[string][]types.DailySummary),
		summaries:      make(map[int]types.DailySummary),
		watchers:       make(map[int]chan struct{}),
		injected:       make(map[string]error),
	}
}

// ============================================================================
// 測試與示範用的設定方法
// ============================================================================

// SeedMatch 設定某份金鑰檔案內容被提交時產生的每日摘要
func (s *Simulator) SeedMatch(content []byte, summaries ...types.DailySummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[hashBytes(content)] = append(s.matches[hashBytes(content)], summaries...)
}

// AddSummary 直接加入一筆摘要（不經過檔案提交）
func (s *Simulator) AddSummary(sum types.DailySummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(sum)
}

// SetEnabled 切換啟用狀態
func (s *Simulator) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// GrantPermission 模擬使用者在同意畫面中按下允許
func (s *Simulator) GrantPermission() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = true
}

// FailNext 讓下一次 op 呼叫返回 err
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[op] = err
}

// ProvideCalls 返回 ProvideDiagnosisKeys 被呼叫的次數
func (s *Simulator) ProvideCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provideCalls
}

// LastProvidedFiles 返回最近一次提交的檔案路徑
func (s *Simulator) LastProvidedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastFiles...)
}

// DataMapping 返回目前生效的資料映射
func (s *Simulator) DataMapping() (types.DataMapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapping == nil {
		return types.DataMapping{}, false
	}
	return *s.mapping, true
}

// ============================================================================
// Engine 介面實作
// ============================================================================

func (s *Simulator) IsEnabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Classify(OpIsEnabled, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeInjectedLocked(OpIsEnabled); err != nil {
		return false, err
	}
	return s.enabled, nil
}

func (s *Simulator) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Classify(OpStart, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeInjectedLocked(OpStart); err != nil {
		return err
	}
	if !s.granted {
		return NewError(OpStart, KindPermissionRequired, errors.New("user consent required"))
	}
	s.enabled = true
	return nil
}

func (s *Simulator) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Classify(OpStop, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeInjectedLocked(OpStop); err != nil {
		return err
	}
	s.enabled = false
	return nil
}

func (s *Simulator) ProvideDiagnosisKeys(ctx context.Context, files []string) error {
	if err := ctx.Err(); err != nil {
		return Classify(OpProvideDiagnosisKeys, err)
	}

	// 先在鎖外讀檔
	hashes := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return NewError(OpProvideDiagnosisKeys, KindUnknown, fmt.Errorf("read key file: %w", err))
		}
		hashes = append(hashes, hashBytes(data))
	}

	s.mu.Lock()
	s.provideCalls++
	s.lastFiles = append([]string(nil), files...)
	if err := s.takeInjectedLocked(OpProvideDiagnosisKeys); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.enabled {
		s.mu.Unlock()
		return NewError(OpProvideDiagnosisKeys, KindDisabled, nil)
	}
	if !s.provideLimiter.AllowN(s.cfg.Now(), 1) {
		s.mu.Unlock()
		return NewError(OpProvideDiagnosisKeys, KindRateLimited, errors.New("daily provide quota exhausted"))
	}

	for _, h := range hashes {
		if _, ok := s.seen[h]; ok {
			continue
		}
		s.seen[h] = struct{}{}
		for _, sum := range s.matches[h] {
			s.mergeLocked(sum)
		}
	}
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

func (s *Simulator) GetDailySummaries(ctx context.Context, _ types.ScanConfiguration) ([]types.DailySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(OpGetDailySummaries, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeInjectedLocked(OpGetDailySummaries); err != nil {
		return nil, err
	}
	if !s.enabled {
		return nil, NewError(OpGetDailySummaries, KindDisabled, nil)
	}

	out := make([]types.DailySummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DaysSinceEpoch < out[j].DaysSinceEpoch })
	return out, nil
}

func (s *Simulator) SetDiagnosisKeysDataMapping(ctx context.Context, m types.DataMapping) error {
	if err := ctx.Err(); err != nil {
		return Classify(OpSetDataMapping, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeInjectedLocked(OpSetDataMapping); err != nil {
		return err
	}
	if !s.enabled {
		return NewError(OpSetDataMapping, KindDisabled, nil)
	}
	if !s.mappingLimiter.AllowN(s.cfg.Now(), 1) {
		return NewError(OpSetDataMapping, KindRateLimited, errors.New("data mapping already set within quota window"))
	}
	copied := m
	copied.DaysSinceOnsetToInfectiousness = make(map[int]int, len(m.DaysSinceOnsetToInfectiousness))
	for k, v := range m.DaysSinceOnsetToInfectiousness {
		copied.DaysSinceOnsetToInfectiousness[k] = v
	}
	s.mapping = &copied
	return nil
}

// WatchStateUpdates 實作 StateWatcher
func (s *Simulator) WatchStateUpdates(ctx context.Context, fn func()) error {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			fn()
		}
	}
}

// ============================================================================
// 內部輔助方法（呼叫者需持有 s.mu）
// ============================================================================

func (s *Simulator) mergeLocked(sum types.DailySummary) {
	cur, ok := s.summaries[sum.DaysSinceEpoch]
	if !ok {
		s.summaries[sum.DaysSinceEpoch] = sum
		return
	}
	cur.WeightedDurationSum += sum.WeightedDurationSum
	cur.ScoreSum += sum.ScoreSum
	if sum.MaximumScore > cur.MaximumScore {
		cur.MaximumScore = sum.MaximumScore
	}
	s.summaries[sum.DaysSinceEpoch] = cur
}

// signalLocked 非阻塞地通知所有 watcher，已有待處理訊號時合併
func (s *Simulator) signalLocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Simulator) takeInjectedLocked(op string) error {
	err, ok := s.injected[op]
	if !ok {
		return nil
	}
	delete(s.injected, op)
	return Classify(op, err)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
