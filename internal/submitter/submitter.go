// Package submitter hands downloaded key files to the Matching Engine in a
// single call and moves the checkpoint when the engine accepts them.
package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/metrics"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/internal/transport"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// DefaultTimeout bounds one ProvideDiagnosisKeys call.
const DefaultTimeout = 30 * time.Minute

// Config 提交設定
type Config struct {
	Timeout time.Duration // ProvideDiagnosisKeys 逾時，0 使用 DefaultTimeout
}

// Submitter 將批次提交給引擎並更新檢查點
type Submitter struct {
	engine  engine.Engine
	kv      store.KV
	cfg     Config
	metrics *metrics.Collector
	log     *slog.Logger

	// remove 清理暫存檔，測試可替換以計數
	remove func([]string)
}

// New creates a Submitter. collector may be nil.
func New(eng engine.Engine, kv store.KV, cfg Config, collector *metrics.Collector) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Submitter{
		engine:  eng,
		kv:      kv,
		cfg:     cfg,
		metrics: collector,
		log:     logging.New("submitter"),
		remove:  transport.RemoveAll,
	}
}

// Submit flattens batches in catalog order and issues exactly one
// ProvideDiagnosisKeys call. On success the checkpoint becomes the last ref
// of the last batch. Every temp file is removed on both paths.
//
// Errors from the engine keep their *engine.Error kind.
func (s *Submitter) Submit(ctx context.Context, batches []types.DownloadedBatch) error {
	var files []string
	for _, b := range batches {
		files = append(files, b.Files...)
	}
	defer s.remove(files)

	if len(files) == 0 {
		s.log.Debug("nothing to submit")
		return nil
	}
	last := batches[len(batches)-1].Batch.LastRef()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.log.Info("Providing diagnosis keys", "batches", len(batches), "files", len(files))
	start := time.Now()
	if err := s.engine.ProvideDiagnosisKeys(callCtx, files); err != nil {
		err = engine.Classify(engine.OpProvideDiagnosisKeys, err)
		s.metrics.RecordEngineError(engine.KindOf(err).String())
		s.log.Warn("Provide diagnosis keys failed", "kind", engine.KindOf(err), "error", err)
		return err
	}
	s.metrics.RecordFilesSubmitted(len(files))

	// 檢查點只在引擎成功後寫入
	if err := store.SetLastProcessedFile(ctx, s.kv, last); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	s.log.Info("Diagnosis keys accepted", "checkpoint", last, "duration", time.Since(start))
	return nil
}
