// Package store persists pipeline state: the processed-file checkpoint,
// detection bookkeeping, scan-config overrides and the exposure history.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// Well-known keys in the key-value space.
const (
	KeyLastProcessedFile = "last_processed_file"
	KeyLastDetection     = "last_detection_ms"
	KeyLastError         = "last_detection_error"
	KeyScanConfig        = "scan_config_overrides"
	KeyLastDataMapping   = "last_data_mapping_ms"
)

var (
	ErrUnknownDriver = errors.New("store: unknown driver")
	ErrClosed        = errors.New("store: closed")
)

// KV is the scalar preference space.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Exposures is the append-only exposure history keyed by truncated date.
type Exposures interface {
	ListExposures(ctx context.Context) ([]types.ExposureRecord, error)
	// InsertExposuresIfAbsent inserts records whose date is not stored yet,
	// in one transaction, and reports how many were inserted.
	InsertExposuresIfAbsent(ctx context.Context, recs []types.ExposureRecord) (int, error)
	// ResetExposures clears the history and the processed-file checkpoint.
	ResetExposures(ctx context.Context) error
	PruneExposures(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	KV
	Exposures
	Close() error
}

// Open selects an implementation by driver name ("sqlite" or "file").
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQL(path)
	case "file":
		return OpenFile(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// ============================================================================
// Typed accessors
// ============================================================================

// LastProcessedFile returns the checkpoint, if any.
func LastProcessedFile(ctx context.Context, kv KV) (string, bool, error) {
	return kv.Get(ctx, KeyLastProcessedFile)
}

// SetLastProcessedFile moves the checkpoint. Callers only do this after the
// engine accepted every file up to and including ref.
func SetLastProcessedFile(ctx context.Context, kv KV, ref string) error {
	return kv.Set(ctx, KeyLastProcessedFile, ref)
}

// LastDetection returns the last successful or soft-skipped run time.
func LastDetection(ctx context.Context, kv KV) (time.Time, bool, error) {
	return getTime(ctx, kv, KeyLastDetection)
}

// SetLastDetection records a run time.
func SetLastDetection(ctx context.Context, kv KV, t time.Time) error {
	return setTime(ctx, kv, KeyLastDetection, t)
}

// LastError returns the description of the last failed run.
func LastError(ctx context.Context, kv KV) (string, bool, error) {
	return kv.Get(ctx, KeyLastError)
}

// SetLastError stores msg; an empty msg clears it.
func SetLastError(ctx context.Context, kv KV, msg string) error {
	if msg == "" {
		return kv.Delete(ctx, KeyLastError)
	}
	return kv.Set(ctx, KeyLastError, msg)
}

// LastDataMapping returns when the data mapping was last accepted.
func LastDataMapping(ctx context.Context, kv KV) (time.Time, bool, error) {
	return getTime(ctx, kv, KeyLastDataMapping)
}

// SetLastDataMapping records when the data mapping was accepted.
func SetLastDataMapping(ctx context.Context, kv KV, t time.Time) error {
	return setTime(ctx, kv, KeyLastDataMapping, t)
}

func getTime(ctx context.Context, kv KV, key string) (time.Time, bool, error) {
	v, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

func setTime(ctx context.Context, kv KV, key string, t time.Time) error {
	return kv.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10))
}
