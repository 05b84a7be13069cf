// Package scanconfig owns the risk-scoring configuration handed to the
// Matching Engine and used by the reconciler's threshold filter.
//
// Values come from, in order of precedence:
//
//  1. overrides persisted by the last successful Refresh
//  2. compiled-in Defaults
//
// Refresh is best-effort: a failed refresh leaves the previous values in
// place and the caller only logs the error.
package scanconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// ErrNoRemote is returned by Refresh when no remote URL is configured.
var ErrNoRemote = errors.New("scanconfig: no remote configuration url")

// Config 掃描設定管理器的設定
type Config struct {
	RemoteURL          string        // v1.6.config.json 位置，空字串表示只用本地值
	Timeout            time.Duration // 取得遠端設定的逾時
	DataMappingTimeout time.Duration // SetDiagnosisKeysDataMapping 逾時
	// DataMappingInterval 引擎接受 data mapping 的最短間隔，期間內不再呼叫
	DataMappingInterval time.Duration
}

// DefaultDataMappingInterval is the engine's data mapping quota window.
const DefaultDataMappingInterval = 7 * 24 * time.Hour

// Manager 管理掃描設定
type Manager struct {
	kv   store.KV
	cfg  Config
	http *http.Client
	now  func() time.Time
	log  *slog.Logger
}

// NewManager creates a Manager. httpClient may be nil.
func NewManager(kv store.KV, cfg Config, httpClient *http.Client) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DataMappingTimeout <= 0 {
		cfg.DataMappingTimeout = 30 * time.Second
	}
	if cfg.DataMappingInterval <= 0 {
		cfg.DataMappingInterval = DefaultDataMappingInterval
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Manager{kv: kv, cfg: cfg, http: httpClient, now: time.Now, log: logging.New("scanconfig")}
}

// Get returns the persisted overrides, or the defaults when none are stored
// or they cannot be read.
func (m *Manager) Get(ctx context.Context) types.ScanConfiguration {
	raw, ok, err := m.kv.Get(ctx, store.KeyScanConfig)
	if err != nil {
		m.log.Warn("read scan config overrides", "error", err)
		return Defaults()
	}
	if !ok {
		return Defaults()
	}

	cfg := Defaults()
	// 映射表整體覆寫，不與預設值合併
	cfg.DataMapping.DaysSinceOnsetToInfectiousness = nil
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		m.log.Warn("decode scan config overrides", "error", err)
		return Defaults()
	}
	if cfg.DataMapping.DaysSinceOnsetToInfectiousness == nil {
		cfg.DataMapping.DaysSinceOnsetToInfectiousness = DefaultDataMapping().DaysSinceOnsetToInfectiousness
	}
	return cfg
}

// Refresh fetches and validates the remote configuration and persists it as
// the new overrides. On any error the stored values are left untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.cfg.RemoteURL == "" {
		return ErrNoRemote
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.RemoteURL, nil)
	if err != nil {
		return fmt.Errorf("refresh scan config: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh scan config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh scan config: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("refresh scan config: read body: %w", err)
	}

	next, err := Parse(data, m.Get(ctx))
	if err != nil {
		return err
	}

	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode scan config: %w", err)
	}
	if err := m.kv.Set(ctx, store.KeyScanConfig, string(b)); err != nil {
		return fmt.Errorf("persist scan config: %w", err)
	}
	m.log.Info("Scan configuration refreshed", "trigger_minutes", next.TriggerThresholdMinutes)
	return nil
}

// ApplyDataMapping pushes the configured data mapping to the engine. The
// engine accepts it at most once per DataMappingInterval, so the call is
// skipped while the last accepted mapping is younger than that. A
// rate-limited rejection still means the previous mapping stands and is not
// an error.
func (m *Manager) ApplyDataMapping(ctx context.Context, eng engine.Engine) error {
	last, ok, err := store.LastDataMapping(ctx, m.kv)
	if err != nil {
		m.log.Warn("read data mapping time", "error", err)
	} else if ok {
		// 時間在未來（時鐘回撥）時照常呼叫
		if age := m.now().Sub(last); age >= 0 && age < m.cfg.DataMappingInterval {
			m.log.Debug("data mapping still current, skipping", "applied_at", last, "age", age)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DataMappingTimeout)
	defer cancel()

	err = eng.SetDiagnosisKeysDataMapping(ctx, m.Get(ctx).DataMapping)
	switch {
	case err == nil:
		if err := store.SetLastDataMapping(ctx, m.kv, m.now()); err != nil {
			m.log.Warn("record data mapping time", "error", err)
		}
		m.log.Info("Diagnosis keys data mapping applied")
		return nil
	case engine.IsKind(err, engine.KindRateLimited):
		m.log.Debug("data mapping rate limited, keeping previous mapping")
		return nil
	default:
		return engine.Classify(engine.OpSetDataMapping, err)
	}
}

// ============================================================================
// 遠端設定解析
// ============================================================================

type remoteDocument struct {
	DailySummariesConfig struct {
		AttenuationDurationThresholds           [3]int     `json:"attenuationDurationThresholds"`
		AttenuationBucketWeights                [4]float64 `json:"attenuationBucketWeights"`
		ReportTypeWeights                       [4]float64 `json:"reportTypeWeights"`
		ReportTypeWhenMissing                   int        `json:"reportTypeWhenMissing"`
		InfectiousnessWeights                   [2]float64 `json:"infectiousnessWeights"`
		InfectiousnessWhenDaysSinceOnsetMissing int        `json:"infectiousnessWhenDaysSinceOnsetMissing"`
		DaysSinceOnsetToInfectiousness          [][2]int   `json:"daysSinceOnsetToInfectiousness"`
	} `json:"DailySummariesConfig"`
	TriggerThresholdWeightedDuration int `json:"triggerThresholdWeightedDuration"`
}

// Parse validates a v1.6 configuration document and applies it on top of
// base. Fields the document does not carry keep base's values.
func Parse(data []byte, base types.ScanConfiguration) (types.ScanConfiguration, error) {
	if err := Validate(data); err != nil {
		return base, err
	}
	var doc remoteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return base, fmt.Errorf("decode config: %w", err)
	}

	out := base
	d := doc.DailySummariesConfig
	out.AttenuationDurationThresholds = d.AttenuationDurationThresholds
	out.AttenuationBucketWeights = d.AttenuationBucketWeights
	out.ReportTypeWeights = d.ReportTypeWeights
	out.InfectiousnessWeights = d.InfectiousnessWeights
	out.TriggerThresholdMinutes = doc.TriggerThresholdWeightedDuration

	mapping := make(map[int]int, len(d.DaysSinceOnsetToInfectiousness))
	for _, pair := range d.DaysSinceOnsetToInfectiousness {
		mapping[pair[0]] = pair[1]
	}
	out.DataMapping = types.DataMapping{
		DaysSinceOnsetToInfectiousness:          mapping,
		InfectiousnessWhenDaysSinceOnsetMissing: d.InfectiousnessWhenDaysSinceOnsetMissing,
		ReportTypeWhenMissing:                   d.ReportTypeWhenMissing,
	}
	return out, nil
}
