package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/exposure-pipeline/internal/controller"
	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/scheduler"
	"github.com/ChuLiYu/exposure-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

type fakeDetector struct {
	mu       sync.Mutex
	result   controller.Result
	runs     int
	startErr error
	engineOn bool
}

func (f *fakeDetector) Run(context.Context) controller.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.result
}

func (f *fakeDetector) State() controller.State { return controller.StateIdle }

func (f *fakeDetector) LastResult() (controller.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.runs > 0
}

func (f *fakeDetector) StartEngine(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.engineOn = true
	return nil
}

func (f *fakeDetector) StopEngine(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engineOn = false
	return nil
}

func (f *fakeDetector) on() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engineOn
}

type fakeReconciler struct {
	found bool
	err   error
}

func (f fakeReconciler) Run(context.Context) (bool, error) { return f.found, f.err }

type fakeWork []scheduler.Work

func (f fakeWork) List() []scheduler.Work { return f }

type harness struct {
	srv      *httptest.Server
	store    store.Store
	journal  *wal.WAL
	detector *fakeDetector

	mu      sync.Mutex
	toggles []bool
}

func (h *harness) engineToggles() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.toggles...)
}

func newHarness(t *testing.T, rec Reconciler) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQL(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	j, err := wal.NewWAL(filepath.Join(dir, "journal.log"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	h := &harness{
		store:    st,
		journal:  j,
		detector: &fakeDetector{result: controller.Result{RunID: "r1", Outcome: types.OutcomeSuccess, Files: 2}},
	}
	s := New(Deps{
		Detector:   h.detector,
		Reconciler: rec,
		Store:      st,
		Journal:    j,
		Work:       fakeWork{{ID: "w1", Name: "detect", Periodic: true, State: scheduler.StateEnqueued}},
		OnEngine: func(_ context.Context, enabled bool) error {
			h.mu.Lock()
			h.toggles = append(h.toggles, enabled)
			h.mu.Unlock()
			return nil
		},
	})
	h.srv = httptest.NewServer(s.Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStatus(t *testing.T) {
	h := newHarness(t, fakeReconciler{})
	ctx := context.Background()
	require.NoError(t, store.SetLastProcessedFile(ctx, h.store, "keys/3.zip"))
	require.NoError(t, store.SetLastDetection(ctx, h.store, time.UnixMilli(1_700_000_000_000)))
	_, err := h.store.InsertExposuresIfAbsent(ctx, []types.ExposureRecord{{ID: "a", DateMillisSinceEpoch: types.MillisPerDay}})
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[Status](t, resp)

	assert.Equal(t, "IDLE", st.State)
	assert.Equal(t, "keys/3.zip", st.LastProcessedFile)
	require.NotNil(t, st.LastDetection)
	assert.Equal(t, int64(1_700_000_000_000), st.LastDetection.UnixMilli())
	assert.Equal(t, 1, st.Exposures)
	assert.Nil(t, st.LastRun, "no run yet")
}

func TestLastProcessed(t *testing.T) {
	h := newHarness(t, fakeReconciler{})

	resp := h.do(t, http.MethodGet, "/last-processed")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, store.SetLastProcessedFile(context.Background(), h.store, "keys/9.zip"))
	resp = h.do(t, http.MethodGet, "/last-processed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"last_processed_file": "keys/9.zip"}, decode[map[string]string](t, resp))
}

func TestExposuresEmptyIsArray(t *testing.T) {
	h := newHarness(t, fakeReconciler{})
	resp := h.do(t, http.MethodGet, "/exposures")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]types.ExposureRecord](t, resp))
}

func TestDetect(t *testing.T) {
	h := newHarness(t, fakeReconciler{})

	resp := h.do(t, http.MethodPost, "/detect")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[controller.Result](t, resp)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Files)

	resp = h.do(t, http.MethodGet, "/status")
	st := decode[Status](t, resp)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "r1", st.LastRun.RunID)
}

func TestDetectMethodNotAllowed(t *testing.T) {
	h := newHarness(t, fakeReconciler{})
	resp := h.do(t, http.MethodGet, "/detect")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, fakeReconciler{found: true})
	resp := h.do(t, http.MethodPost, "/reconcile")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"new_exposure": true}, decode[map[string]bool](t, resp))
}

func TestReconcileTimeout(t *testing.T) {
	err := engine.NewError(engine.OpGetDailySummaries, engine.KindTimeout, context.DeadlineExceeded)
	h := newHarness(t, fakeReconciler{err: err})
	resp := h.do(t, http.MethodPost, "/reconcile")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestReset(t *testing.T) {
	h := newHarness(t, fakeReconciler{})
	ctx := context.Background()
	require.NoError(t, store.SetLastProcessedFile(ctx, h.store, "keys/3.zip"))
	_, err := h.store.InsertExposuresIfAbsent(ctx, []types.ExposureRecord{{ID: "a", DateMillisSinceEpoch: types.MillisPerDay}})
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/reset")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	recs, err := h.store.ListExposures(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, ok, err := store.LastProcessedFile(ctx, h.store)
	require.NoError(t, err)
	assert.False(t, ok, "reset also clears the checkpoint")
}

func TestEngineToggle(t *testing.T) {
	h := newHarness(t, fakeReconciler{})

	resp := h.do(t, http.MethodPost, "/engine/start")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, h.detector.on())

	resp = h.do(t, http.MethodPost, "/engine/stop")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, h.detector.on())

	assert.Equal(t, []bool{true, false}, h.engineToggles())

	resp = h.do(t, http.MethodPost, "/engine/pause")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEngineStartPermissionRequired(t *testing.T) {
	h := newHarness(t, fakeReconciler{})
	h.detector.mu.Lock()
	h.detector.startErr = engine.NewError(engine.OpStart, engine.KindPermissionRequired, errors.New("consent"))
	h.detector.mu.Unlock()

	resp := h.do(t, http.MethodPost, "/engine/start")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, h.engineToggles(), "schedule untouched when the engine refuses")
}

func TestJournal(t *testing.T) {
	h := newHarness(t, fakeReconciler{})
	for _, d := range []string{"a", "b", "c"} {
		_, err := h.journal.Append(wal.Event{Type: wal.EventReconciled, Detail: d})
		require.NoError(t, err)
	}

	resp := h.do(t, http.MethodGet, "/journal?n=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]wal.Event](t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Detail)
	assert.Equal(t, "c", events[1].Detail)

	resp = h.do(t, http.MethodGet, "/journal?n=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkAndMetrics(t *testing.T) {
	h := newHarness(t, fakeReconciler{})

	resp := h.do(t, http.MethodGet, "/work")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	work := decode[[]scheduler.Work](t, resp)
	require.Len(t, work, 1)
	assert.Equal(t, "detect", work[0].Name)

	resp = h.do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, statusFor(engine.NewError(engine.OpProvideDiagnosisKeys, engine.KindRateLimited, nil)))
	assert.Equal(t, http.StatusConflict, statusFor(engine.NewError(engine.OpIsEnabled, engine.KindDisabled, nil)))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("boom")))
}
