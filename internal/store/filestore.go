package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/exposure-pipeline/internal/snapshot"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// fileState is the whole store as persisted by the snapshot manager.
type fileState struct {
	Values    map[string]string      `json:"values"`
	Exposures []types.ExposureRecord `json:"exposures"`
}

// FileStore keeps all state in memory and rewrites one JSON snapshot on
// every mutation. Each mutation is atomic on disk.
type FileStore struct {
	mu     sync.Mutex
	snap   *snapshot.Manager[fileState]
	state  fileState
	closed bool
}

// OpenFile loads (or initialises) a snapshot-backed store at path.
func OpenFile(path string) (*FileStore, error) {
	fs := &FileStore{snap: snapshot.NewManager[fileState](path)}
	state, _, err := fs.snap.Load()
	if err != nil {
		return nil, err
	}
	fs.state = state
	if fs.state.Values == nil {
		fs.state.Values = make(map[string]string)
	}
	return fs, nil
}

// commitLocked persists next and swaps it in only if the write succeeded.
func (f *FileStore) commitLocked(next fileState) error {
	if f.closed {
		return ErrClosed
	}
	if err := f.snap.Write(next); err != nil {
		return err
	}
	f.state = next
	return nil
}

func (f *FileStore) cloneLocked() fileState {
	next := fileState{
		Values:    make(map[string]string, len(f.state.Values)),
		Exposures: append([]types.ExposureRecord(nil), f.state.Exposures...),
	}
	for k, v := range f.state.Values {
		next.Values[k] = v
	}
	return next
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.state.Values[key]
	return v, ok, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.cloneLocked()
	next.Values[key] = value
	return f.commitLocked(next)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.state.Values[key]; !ok {
		return nil
	}
	next := f.cloneLocked()
	delete(next.Values, key)
	return f.commitLocked(next)
}

func (f *FileStore) ListExposures(_ context.Context) ([]types.ExposureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := append([]types.ExposureRecord(nil), f.state.Exposures...)
	sort.Slice(out, func(i, j int) bool { return out[i].DateMillisSinceEpoch < out[j].DateMillisSinceEpoch })
	return out, nil
}

func (f *FileStore) InsertExposuresIfAbsent(_ context.Context, recs []types.ExposureRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dates := make(map[int64]struct{}, len(f.state.Exposures))
	for _, r := range f.state.Exposures {
		dates[r.DateMillisSinceEpoch] = struct{}{}
	}
	next := f.cloneLocked()
	inserted := 0
	for _, r := range recs {
		if _, ok := dates[r.DateMillisSinceEpoch]; ok {
			continue
		}
		dates[r.DateMillisSinceEpoch] = struct{}{}
		next.Exposures = append(next.Exposures, r)
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}
	if err := f.commitLocked(next); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (f *FileStore) ResetExposures(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.cloneLocked()
	next.Exposures = nil
	delete(next.Values, KeyLastProcessedFile)
	return f.commitLocked(next)
}

func (f *FileStore) PruneExposures(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := before.UnixMilli()
	next := f.cloneLocked()
	kept := next.Exposures[:0]
	for _, r := range next.Exposures {
		if r.DateMillisSinceEpoch >= cutoff {
			kept = append(kept, r)
		}
	}
	removed := len(next.Exposures) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	next.Exposures = kept
	if err := f.commitLocked(next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLStore)(nil)
)
