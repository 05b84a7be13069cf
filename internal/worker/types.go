package worker

import (
	"context"
	"errors"
	"time"
)

// ErrNoRunFunc 任務沒有可執行的函式
var ErrNoRunFunc = errors.New("task has no run func")

// Task 代表要執行的任務
type Task struct {
	ID      string                          // 任務唯一識別碼（排程器的 work ID）
	Name    string                          // 任務名稱，用於日誌
	Run     func(ctx context.Context) error // 實際工作
	Timeout time.Duration                   // 執行超時時間，<= 0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Name     string        // 任務名稱
	Err      error         // 錯誤訊息（如果有）
	Panicked bool          // 任務是否 panic
	Duration time.Duration // 實際執行時間
}

// Success 任務是否成功
func (r Result) Success() bool { return r.Err == nil }
