package wal

// ============================================================================
// 執行日誌（Run Journal）核心實作
// 職責：
// 1. 在協調器狀態轉換前追加事件（append-only，JSON lines）
// 2. 提供重放與最近事件查詢，供 status 命令與除錯 API 使用
// 3. 支援日誌旋轉（手動或超過大小上限時自動旋轉）
// 4. 以 CRC32 校驗每筆事件
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WAL 表示一個執行日誌實例
type WAL struct {
	mu           sync.Mutex // 保護並發寫入
	file         *os.File   // 日誌檔案
	path         string     // 日誌檔案路徑
	seq          uint64     // 當前事件序號
	size         int64      // 目前檔案大小
	maxSize      int64      // 超過即自動旋轉，0 表示不限制
	syncOnAppend bool       // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	var size int64
	if stat, statErr := file.Stat(); statErr == nil {
		size = stat.Size()
	}
	if size > 0 {
		// 損毀的尾端記錄會被略過，序號從最後一個有效事件繼續
		if last, err := GetLastEvent(path); err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		size:         size,
		syncOnAppend: syncOnAppend,
	}, nil
}

// SetMaxSize 設定自動旋轉的檔案大小上限（位元組）
func (w *WAL) SetMaxSize(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxSize = n
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq，填入時間戳與 checksum
// - 寫入檔案，syncOnAppend 時同步到磁碟
// - 超過 maxSize 時在寫入後旋轉
//
// 回傳：
//
//	寫入後的事件（含 seq 與 checksum），錯誤（如果寫入失敗）
func (w *WAL) Append(event Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		w.seq--
		return Event{}, err
	}
	line = append(line, '\n')
	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return Event{}, err
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, err
		}
	}

	if w.maxSize > 0 && w.size >= w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// Replay 重放目前日誌檔中的所有事件
//
// 行為：
// - 從頭讀取日誌檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	return replayFile(path, handler)
}

// Recent 返回最近 n 筆事件（由舊到新）
func (w *WAL) Recent(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Event, 0, n)
	err := w.Replay(func(e Event) error {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
		return nil
	})
	return ring, err
}

// Rotate 旋轉日誌檔案，舊檔以時間戳後綴保留
//
// 序號在旋轉後延續，讓跨檔案的事件仍可排序
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.rotateLocked()
}

// Close 關閉 WAL，關閉後不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 返回日誌檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// rotateLocked 假設呼叫者已持有 w.mu
func (w *WAL) rotateLocked() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.size = 0
	return nil
}

// replayFile 逐筆解碼並驗證
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				return nil
			}
			return &CorruptionError{Offset: offset, Cause: err}
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}

		if err := handler(event); err != nil {
			return err
		}
	}
}
