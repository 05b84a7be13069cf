package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

func writeKeyFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *Simulator) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func TestSimulatorProvideMatchesSeededContent(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(DefaultSimulatorConfig())
	sim.SeedMatch([]byte("positive"), types.DailySummary{DaysSinceEpoch: 18500, WeightedDurationSum: 1200})

	files := []string{writeKeyFile(t, "a.zip", "negative"), writeKeyFile(t, "b.zip", "positive")}
	require.NoError(t, sim.ProvideDiagnosisKeys(ctx, files))

	sums, err := sim.GetDailySummaries(ctx, types.ScanConfiguration{})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 18500, sums[0].DaysSinceEpoch)
	assert.Equal(t, 1, sim.ProvideCalls())
	assert.Equal(t, files, sim.LastProvidedFiles())
}

func TestSimulatorResubmissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(DefaultSimulatorConfig())
	sim.SeedMatch([]byte("k"), types.DailySummary{DaysSinceEpoch: 1, WeightedDurationSum: 600})

	f := writeKeyFile(t, "k.zip", "k")
	require.NoError(t, sim.ProvideDiagnosisKeys(ctx, []string{f}))
	require.NoError(t, sim.ProvideDiagnosisKeys(ctx, []string{f}))

	sums, err := sim.GetDailySummaries(ctx, types.ScanConfiguration{})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 600.0, sums[0].WeightedDurationSum)
}

func TestSimulatorDisabled(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(SimulatorConfig{Enabled: false})

	enabled, err := sim.IsEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	err = sim.ProvideDiagnosisKeys(ctx, nil)
	assert.True(t, IsKind(err, KindDisabled))
}

func TestSimulatorProvideQuota(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sim := NewSimulator(SimulatorConfig{Enabled: true, ProvideQuotaPerDay: 2, Now: func() time.Time { return now }})

	require.NoError(t, sim.ProvideDiagnosisKeys(ctx, nil))
	require.NoError(t, sim.ProvideDiagnosisKeys(ctx, nil))
	err := sim.ProvideDiagnosisKeys(ctx, nil)
	assert.True(t, IsKind(err, KindRateLimited), "third call within a day should be rate limited: %v", err)

	now = now.Add(24 * time.Hour)
	assert.NoError(t, sim.ProvideDiagnosisKeys(ctx, nil))
}

func TestSimulatorDataMappingQuota(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sim := NewSimulator(SimulatorConfig{Enabled: true, Now: func() time.Time { return now }})
	m := types.DataMapping{DaysSinceOnsetToInfectiousness: map[int]int{0: 2}, ReportTypeWhenMissing: 1}

	require.NoError(t, sim.SetDiagnosisKeysDataMapping(ctx, m))
	err := sim.SetDiagnosisKeysDataMapping(ctx, m)
	assert.True(t, IsKind(err, KindRateLimited))

	now = now.Add(7*24*time.Hour + time.Minute)
	assert.NoError(t, sim.SetDiagnosisKeysDataMapping(ctx, m))

	got, ok := sim.DataMapping()
	require.True(t, ok)
	assert.Equal(t, 2, got.DaysSinceOnsetToInfectiousness[0])
}

func TestSimulatorPermission(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(SimulatorConfig{RequirePermission: true})

	err := sim.Start(ctx)
	assert.True(t, IsKind(err, KindPermissionRequired))

	sim.GrantPermission()
	require.NoError(t, sim.Start(ctx))
	enabled, _ := sim.IsEnabled(ctx)
	assert.True(t, enabled)

	require.NoError(t, sim.Stop(ctx))
	enabled, _ = sim.IsEnabled(ctx)
	assert.False(t, enabled)
}

func TestSimulatorFailNext(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(DefaultSimulatorConfig())
	sim.FailNext(OpGetDailySummaries, NewError(OpGetDailySummaries, KindUnsupported, nil))

	_, err := sim.GetDailySummaries(ctx, types.ScanConfiguration{})
	assert.True(t, IsKind(err, KindUnsupported))

	_, err = sim.GetDailySummaries(ctx, types.ScanConfiguration{})
	assert.NoError(t, err, "injected failure is consumed once")

	sim.FailNext(OpIsEnabled, errors.New("binder died"))
	_, err = sim.IsEnabled(ctx)
	assert.True(t, IsKind(err, KindUnknown))
}

func TestSimulatorSignalsWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim := NewSimulator(DefaultSimulatorConfig())

	signals := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- sim.WatchStateUpdates(ctx, func() { signals <- struct{}{} })
	}()
	require.Eventually(t, func() bool { return sim.watcherCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sim.ProvideDiagnosisKeys(ctx, nil))
	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("expected a state update signal")
	}

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 0, sim.watcherCount())
}
