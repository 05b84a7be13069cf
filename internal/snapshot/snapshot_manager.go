package snapshot

// ============================================================================
// 職責說明：
// 1. 把型別 T 的完整狀態存成一個帶版本與校驗碼的 JSON 檔
// 2. 寫入走 temp file + fsync + rename，任何時刻磁碟上都是完整的一份
// 3. 載入時驗證版本與 CRC32，偵測損壞
//
// store.FileStore 以此作為持久化層
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 2

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// envelope 快照檔的外層結構
type envelope struct {
	SchemaVer int             `json:"schema_ver"`
	Checksum  uint32          `json:"checksum"` // CRC32(IEEE) of Data
	Data      json.RawMessage `json:"data"`
}

// Manager persists values of type T at a single path.
type Manager[T any] struct {
	path string
	mu   sync.Mutex
}

// NewManager 建立快照管理器，不觸碰檔案系統
func NewManager[T any](path string) *Manager[T] {
	return &Manager[T]{path: path}
}

// Path 快照檔案路徑
func (m *Manager[T]) Path() string { return m.path }

// Write atomically replaces the snapshot with v.
func (m *Manager[T]) Write(v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	// 不縮排：校驗碼計算的是 Data 的原始位元組
	raw, err := json.Marshal(envelope{
		SchemaVer: SchemaVersion,
		Checksum:  crc32.ChecksumIEEE(data),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	// rename 之前先落盤，否則當機後可能留下空檔
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load returns the stored value. A missing file is (zero, false, nil).
func (m *Manager[T]) Load() (T, bool, error) {
	var zero T

	m.mu.Lock()
	raw, err := os.ReadFile(m.path)
	m.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return zero, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if got := crc32.ChecksumIEEE(env.Data); got != env.Checksum {
		return zero, false, fmt.Errorf("%w: checksum %08x, want %08x", ErrCorruptedSnapshot, got, env.Checksum)
	}

	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return v, true, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager[T]) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
