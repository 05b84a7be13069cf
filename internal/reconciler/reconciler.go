// Package reconciler compares the engine's daily summaries with the stored
// exposure history and records the days that were not seen before.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/metrics"
	"github.com/ChuLiYu/exposure-pipeline/internal/notify"
	"github.com/ChuLiYu/exposure-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// DefaultTimeout bounds one GetDailySummaries call.
const DefaultTimeout = 30 * time.Second

// ConfigSource supplies the scan configuration for each run.
type ConfigSource interface {
	Get(ctx context.Context) types.ScanConfiguration
}

// Deps 對帳器的相依元件
type Deps struct {
	Engine   engine.Engine
	Store    store.Exposures
	Config   ConfigSource
	Notifier notify.Notifier
	Journal  wal.Appender       // 可為 nil
	Metrics  *metrics.Collector // 可為 nil
}

// Reconciler 曝險對帳器
type Reconciler struct {
	deps    Deps
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// New creates a Reconciler. timeout <= 0 uses DefaultTimeout.
func New(deps Deps, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reconciler{deps: deps, timeout: timeout, now: time.Now, log: logging.New("reconciler")}
}

// Records converts summaries at or above the trigger threshold into new
// exposure records. Identity is the day-truncated date; duplicates within
// summaries collapse to the first one.
func (r *Reconciler) Records(summaries []types.DailySummary, cfg types.ScanConfiguration) []types.ExposureRecord {
	received := r.now().UnixMilli()
	seen := make(map[int64]struct{}, len(summaries))
	var recs []types.ExposureRecord
	for _, s := range summaries {
		minutes := s.WeightedMinutes()
		if minutes < float64(cfg.TriggerThresholdMinutes) {
			r.log.Debug("summary below threshold", "day", s.DaysSinceEpoch, "minutes", minutes)
			continue
		}
		date := s.DateMillis()
		if _, dup := seen[date]; dup {
			continue
		}
		seen[date] = struct{}{}
		recs = append(recs, types.ExposureRecord{
			ID:                   uuid.NewString(),
			DateMillisSinceEpoch: date,
			DurationMinutes:      int(minutes),
			ReceivedTimestampMs:  received,
		})
	}
	return recs
}

// Reconcile inserts the qualifying summaries that are not stored yet, in one
// store transaction, and reports whether anything new was recorded.
func (r *Reconciler) Reconcile(ctx context.Context, summaries []types.DailySummary) (bool, error) {
	cfg := r.deps.Config.Get(ctx)
	recs := r.Records(summaries, cfg)
	if len(recs) == 0 {
		return false, nil
	}

	inserted, err := r.deps.Store.InsertExposuresIfAbsent(ctx, recs)
	if err != nil {
		return false, fmt.Errorf("insert exposures: %w", err)
	}
	r.deps.Metrics.RecordExposuresInserted(inserted)
	r.log.Debug("reconciled", "qualifying", len(recs), "inserted", inserted)
	return inserted > 0, nil
}

// Run fetches the daily summaries from the engine, reconciles them and fires
// the possible-exposure notification iff a new day was recorded.
func (r *Reconciler) Run(ctx context.Context) (bool, error) {
	cfg := r.deps.Config.Get(ctx)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	summaries, err := r.deps.Engine.GetDailySummaries(callCtx, cfg)
	cancel()
	if err != nil {
		err = engine.Classify(engine.OpGetDailySummaries, err)
		r.deps.Metrics.RecordEngineError(engine.KindOf(err).String())
		r.log.Warn("Get daily summaries failed", "kind", engine.KindOf(err), "error", err)
		r.journal(fmt.Sprintf("error=%v", err))
		return false, err
	}

	found, err := r.Reconcile(ctx, summaries)
	if err != nil {
		r.log.Error("Reconciliation failed", "error", err)
		r.journal(fmt.Sprintf("error=%v", err))
		return false, err
	}
	r.journal(fmt.Sprintf("summaries=%d new=%t", len(summaries), found))

	if !found {
		return false, nil
	}

	r.log.Info("New exposure recorded, notifying")
	r.deps.Metrics.RecordNotification()
	if err := r.deps.Notifier.PossibleExposure(ctx); err != nil {
		// 紀錄已寫入，通知失敗不回滾
		r.log.Warn("Possible exposure notification failed", "error", err)
	}
	return true, nil
}

func (r *Reconciler) journal(detail string) {
	if r.deps.Journal == nil {
		return
	}
	if _, err := r.deps.Journal.Append(wal.Event{Type: wal.EventReconciled, Detail: detail}); err != nil {
		r.log.Warn("journal append failed", "error", err)
	}
}
