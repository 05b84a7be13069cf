package wal

// ============================================================================
// WAL 工具函式
// 職責：提供日誌相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從日誌檔案讀取最後一個有效事件
//
// 從頭到尾掃描，遇到無法解析的記錄即停止，回傳最後一個成功解析的事件。
// 空檔案回傳 (nil, nil)。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		e := event
		last = &e
	}
	return last, nil
}

// CountEvents 計算日誌中的有效事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// DumpWAL 輸出日誌內容（人類可讀格式）
//
//	[seq:1] 2024-01-01T00:00:00Z RUN_FINISHED run=ab12 outcome=success
func DumpWAL(events []Event, w io.Writer) error {
	for _, e := range events {
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		line := fmt.Sprintf("[seq:%d] %s %s", e.Seq, ts, e.Type)
		if e.RunID != "" {
			line += " run=" + e.RunID
		}
		if e.State != "" {
			line += " state=" + e.State
		}
		if e.Outcome != "" {
			line += " outcome=" + e.Outcome
		}
		if e.Detail != "" {
			line += " detail=" + e.Detail
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
