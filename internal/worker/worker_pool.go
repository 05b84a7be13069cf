// ============================================================================
// Exposure Pipeline Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Scheduler   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines，ctx 為所有任務的父 Context
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 stopCh，等待執行中的任務完成
//
// 關閉語意:
//   Stop() 只關閉 stopCh，不關閉 taskCh，所以 Submit 與 Stop 並發時
//   不會有 send on closed channel。尚在 taskCh 中排隊的任務會被丟棄，
//   排程器會在下次啟動時重新排入。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker 實例
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool           // 是否已啟動
	stopped  bool           // 是否已停止
	mu       sync.Mutex     // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - ctx: 所有任務 Context 的父 Context，取消後執行中的任務會收到取消
//   - workerCount: 要啟動的 Worker 數量
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	log := logging.New("worker")
	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, ctx, p.taskCh, p.resultCh, p.stopCh, log)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，緩衝已滿時阻塞直到有空位或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// Pool 已關閉則返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 完成當前任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
