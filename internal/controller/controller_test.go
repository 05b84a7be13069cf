package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/notify"
	"github.com/ChuLiYu/exposure-pipeline/internal/scanconfig"
	"github.com/ChuLiYu/exposure-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/internal/submitter"
	"github.com/ChuLiYu/exposure-pipeline/internal/transport"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// keyServer serves index.txt and key files from a mutable map
type keyServer struct {
	mu    sync.Mutex
	files map[string]string
}

func (k *keyServer) publish(index []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.files["keys/index.txt"] = strings.Join(index, "\n")
	for _, ref := range index {
		k.files[ref] = "content of " + ref
	}
}

func (k *keyServer) drop(ref string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.files, ref)
}

type harness struct {
	ctl      *Controller
	sim      *engine.Simulator
	store    store.Store
	keys     *keyServer
	notifier *notify.Recorder
	journal  *wal.WAL
	tempDir  string
}

// createTestController wires a Controller against a real key server, the
// engine simulator and a SQLite store
func createTestController(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	keys := &keyServer{files: map[string]string{}}
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		keys.mu.Lock()
		body, ok := keys.files[strings.TrimPrefix(req.URL.Path, "/")]
		keys.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	st, err := store.OpenSQL(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	j, err := wal.NewWAL(filepath.Join(dir, "journal.log"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	tempDir := filepath.Join(dir, "tmp")
	fetchCfg := transport.DefaultConfig(srv.URL)
	fetchCfg.DownloadPath = "keys"
	fetchCfg.TempDir = tempDir
	fetcher, err := transport.New(fetchCfg, nil)
	require.NoError(t, err)

	sim := engine.NewSimulator(engine.DefaultSimulatorConfig())
	rec := &notify.Recorder{}

	ctl := NewController(Deps{
		Engine:     sim,
		Store:      st,
		Fetcher:    fetcher,
		Submitter:  submitter.New(sim, st, submitter.Config{}, nil),
		ScanConfig: scanconfig.NewManager(st, scanconfig.Config{}, nil),
		Notifier:   rec,
		Journal:    j,
	}, Config{IsEnabledTimeout: time.Second})

	return &harness{ctl: ctl, sim: sim, store: st, keys: keys, notifier: rec, journal: j, tempDir: tempDir}
}

func (h *harness) checkpoint(t *testing.T) (string, bool) {
	t.Helper()
	ref, ok, err := store.LastProcessedFile(context.Background(), h.store)
	require.NoError(t, err)
	return ref, ok
}

func (h *harness) lastDetection(t *testing.T) bool {
	t.Helper()
	_, ok, err := store.LastDetection(context.Background(), h.store)
	require.NoError(t, err)
	return ok
}

func (h *harness) lastError(t *testing.T) string {
	t.Helper()
	msg, _, err := store.LastError(context.Background(), h.store)
	require.NoError(t, err)
	return msg
}

var index = []string{"a/100-0.zip", "a/100-1.zip", "a/200-0.zip"}

// ============================================================================
// Outcome Tests
// ============================================================================

// TestRunFreshStart: checkpoint absent, every entry is submitted
func TestRunFreshStart(t *testing.T) {
	h := createTestController(t)
	h.keys.publish(index)

	res := h.ctl.Run(context.Background())

	require.Equal(t, types.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 1, h.sim.ProvideCalls())
	ref, ok := h.checkpoint(t)
	require.True(t, ok)
	assert.Equal(t, "a/200-0.zip", ref)
	assert.True(t, h.lastDetection(t))
	assert.Equal(t, StateIdle, h.ctl.State())
}

// TestRunPartialResume: only entries after the checkpoint are submitted
func TestRunPartialResume(t *testing.T) {
	h := createTestController(t)
	ctx := context.Background()
	h.keys.publish(index)
	require.NoError(t, store.SetLastProcessedFile(ctx, h.store, "a/100-1.zip"))

	res := h.ctl.Run(ctx)

	require.Equal(t, types.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Files)
	require.Len(t, h.sim.LastProvidedFiles(), 1)
	ref, _ := h.checkpoint(t)
	assert.Equal(t, "a/200-0.zip", ref)
}

// TestRunRotatedIndex: an unknown checkpoint falls back to the full index
func TestRunRotatedIndex(t *testing.T) {
	h := createTestController(t)
	ctx := context.Background()
	h.keys.publish([]string{"a/300-0.zip"})
	require.NoError(t, store.SetLastProcessedFile(ctx, h.store, "a/000-0.zip"))

	res := h.ctl.Run(ctx)

	require.Equal(t, types.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Files)
	ref, _ := h.checkpoint(t)
	assert.Equal(t, "a/300-0.zip", ref)
}

// TestRunNothingNew: success without calling the engine
func TestRunNothingNew(t *testing.T) {
	h := createTestController(t)
	ctx := context.Background()
	h.keys.publish(index)
	require.Equal(t, types.OutcomeSuccess, h.ctl.Run(ctx).Outcome)

	res := h.ctl.Run(ctx)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 0, res.Files)
	assert.Equal(t, 1, h.sim.ProvideCalls())
}

// TestRunEngineDisabled: soft skip, no submission, last detection updated
func TestRunEngineDisabled(t *testing.T) {
	h := createTestController(t)
	h.keys.publish(index)
	h.sim.SetEnabled(false)

	res := h.ctl.Run(context.Background())

	assert.Equal(t, types.OutcomeSoftSkip, res.Outcome)
	assert.Equal(t, 0, h.sim.ProvideCalls())
	_, ok := h.checkpoint(t)
	assert.False(t, ok)
	assert.True(t, h.lastDetection(t))
	assert.Empty(t, h.lastError(t))
}

// TestRunRateLimited: failure, checkpoint untouched, temp files removed
func TestRunRateLimited(t *testing.T) {
	h := createTestController(t)
	ctx := context.Background()
	h.keys.publish(index)
	require.NoError(t, store.SetLastProcessedFile(ctx, h.store, "a/100-0.zip"))
	h.sim.FailNext(engine.OpProvideDiagnosisKeys, engine.NewError(engine.OpProvideDiagnosisKeys, engine.KindRateLimited, nil))

	res := h.ctl.Run(ctx)

	assert.Equal(t, types.OutcomeFailure, res.Outcome)
	assert.Equal(t, engine.KindRateLimited.String(), res.ErrorKind)
	assert.True(t, engine.IsKind(res.Err(), engine.KindRateLimited))
	ref, _ := h.checkpoint(t)
	assert.Equal(t, "a/100-0.zip", ref)
	assert.False(t, h.lastDetection(t), "failure does not update last detection")
	assert.NotEmpty(t, h.lastError(t))

	matches, err := filepath.Glob(filepath.Join(h.tempDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// TestRunFailureThenSuccessClearsLastError
func TestRunFailureThenSuccessClearsLastError(t *testing.T) {
	h := createTestController(t)
	ctx := context.Background()
	h.keys.publish(index)
	h.keys.drop("a/100-1.zip")

	res := h.ctl.Run(ctx)
	assert.Equal(t, types.OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err(), transport.ErrUnexpectedStatus)
	assert.Contains(t, h.lastError(t), "a/100-1.zip")
	assert.Equal(t, 0, h.sim.ProvideCalls())

	h.keys.publish(index)
	res = h.ctl.Run(ctx)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Empty(t, h.lastError(t))
}

// TestRunPermissionRequired prompts for consent
func TestRunPermissionRequired(t *testing.T) {
	h := createTestController(t)
	h.keys.publish(index)
	h.sim.FailNext(engine.OpProvideDiagnosisKeys, engine.NewError(engine.OpProvideDiagnosisKeys, engine.KindPermissionRequired, nil))

	res := h.ctl.Run(context.Background())

	assert.Equal(t, types.OutcomeFailure, res.Outcome)
	assert.Equal(t, 1, h.notifier.Permissions())
}

// TestRunIsEnabledError is a failure, not a soft skip
func TestRunIsEnabledError(t *testing.T) {
	h := createTestController(t)
	h.sim.FailNext(engine.OpIsEnabled, engine.NewError(engine.OpIsEnabled, engine.KindTimeout, context.DeadlineExceeded))

	res := h.ctl.Run(context.Background())
	assert.Equal(t, types.OutcomeFailure, res.Outcome)
	assert.Equal(t, "timeout", res.ErrorKind)
}

// ============================================================================
// Robustness Tests
// ============================================================================

type panickingFetcher struct{}

func (panickingFetcher) FetchIndex(context.Context) (string, error) { panic("boom") }
func (panickingFetcher) FetchAll(context.Context, []types.KeyFileBatch) ([]types.DownloadedBatch, error) {
	return nil, nil
}

// TestRunRecoversPanic: a panic becomes a failure outcome
func TestRunRecoversPanic(t *testing.T) {
	h := createTestController(t)
	h.ctl.deps.Fetcher = panickingFetcher{}

	var res Result
	require.NotPanics(t, func() { res = h.ctl.Run(context.Background()) })
	assert.Equal(t, types.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, StateIdle, h.ctl.State())
}

type blockingFetcher struct {
	Fetcher
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) FetchIndex(ctx context.Context) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Fetcher.FetchIndex(ctx)
}

// TestRunCoalescesOverlappingCalls: at most one run in flight
func TestRunCoalescesOverlappingCalls(t *testing.T) {
	h := createTestController(t)
	h.keys.publish(index)
	bf := &blockingFetcher{Fetcher: h.ctl.deps.Fetcher, entered: make(chan struct{}, 2), release: make(chan struct{})}
	h.ctl.deps.Fetcher = bf

	results := make(chan Result, 2)
	go func() { results <- h.ctl.Run(context.Background()) }()
	<-bf.entered
	assert.Equal(t, StateResolveBatches, h.ctl.State())

	go func() { results <- h.ctl.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(bf.release)

	r1, r2 := <-results, <-results
	assert.Equal(t, r1.RunID, r2.RunID)
	assert.Equal(t, 1, h.sim.ProvideCalls())
	assert.Len(t, bf.entered, 0, "second caller did not start its own run")
}

type failingRefresh struct{ applied int }

func (f *failingRefresh) Refresh(context.Context) error { return errors.New("config server down") }
func (f *failingRefresh) ApplyDataMapping(context.Context, engine.Engine) error {
	f.applied++
	return errors.New("mapping rejected")
}

// TestRunConfigRefreshIsBestEffort
func TestRunConfigRefreshIsBestEffort(t *testing.T) {
	h := createTestController(t)
	h.keys.publish(index)
	fr := &failingRefresh{}
	h.ctl.deps.ScanConfig = fr

	res := h.ctl.Run(context.Background())
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, fr.applied)
}

// ============================================================================
// Journal Tests
// ============================================================================

// TestRunJournalsStates records every transition before DONE
func TestRunJournalsStates(t *testing.T) {
	h := createTestController(t)
	h.keys.publish(index)
	res := h.ctl.Run(context.Background())
	require.Equal(t, types.OutcomeSuccess, res.Outcome)

	var states []string
	var finished wal.Event
	require.NoError(t, h.journal.Replay(func(e wal.Event) error {
		assert.Equal(t, res.RunID, e.RunID)
		switch e.Type {
		case wal.EventState:
			states = append(states, e.State)
		case wal.EventCheckpoint:
			assert.Equal(t, "a/200-0.zip", e.Detail)
		case wal.EventRunFinished:
			finished = e
		}
		return nil
	}))

	assert.Equal(t, []string{"CHECK_ENABLED", "RESOLVE_BATCHES", "SUBMIT", "AWAIT_ENGINE_SIGNAL", "DONE"}, states)
	assert.Equal(t, "success", finished.Outcome)

	last, ok := h.ctl.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.RunID, last.RunID)
}

// TestStartEngineAsksPermission
func TestStartEngineAsksPermission(t *testing.T) {
	h := createTestController(t)
	cfg := engine.DefaultSimulatorConfig()
	cfg.Enabled = false
	cfg.RequirePermission = true
	sim := engine.NewSimulator(cfg)
	h.ctl.deps.Engine = sim
	ctx := context.Background()

	err := h.ctl.StartEngine(ctx)
	assert.True(t, engine.IsKind(err, engine.KindPermissionRequired))
	assert.Equal(t, 1, h.notifier.Permissions())

	sim.GrantPermission()
	require.NoError(t, h.ctl.StartEngine(ctx))
	enabled, err := sim.IsEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, h.ctl.StopEngine(ctx))
	enabled, _ = sim.IsEnabled(ctx)
	assert.False(t, enabled)
}
