// Package engine defines the boundary to the on-device Matching Engine and
// ships two implementations: an in-memory Simulator and a gRPC client that
// talks to a Simulator hosted by `enpipe serve-engine`.
package engine

import (
	"context"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// Operation names used in *Error.Op and on the wire.
const (
	OpIsEnabled            = "IsEnabled"
	OpStart                = "Start"
	OpStop                 = "Stop"
	OpProvideDiagnosisKeys = "ProvideDiagnosisKeys"
	OpGetDailySummaries    = "GetDailySummaries"
	OpSetDataMapping       = "SetDiagnosisKeysDataMapping"
	OpWatchStateUpdates    = "WatchStateUpdates"
)

// Engine is everything the pipeline needs from the Matching Engine.
// Every method returns either nil or an *Error.
type Engine interface {
	IsEnabled(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ProvideDiagnosisKeys hands local key files to the engine in one call.
	ProvideDiagnosisKeys(ctx context.Context, files []string) error

	GetDailySummaries(ctx context.Context, cfg types.ScanConfiguration) ([]types.DailySummary, error)

	// SetDiagnosisKeysDataMapping is quota limited to once per 7 days.
	SetDiagnosisKeysDataMapping(ctx context.Context, m types.DataMapping) error
}

// StateWatcher is implemented by engines that raise the asynchronous
// state-updated signal after processing submitted keys.
type StateWatcher interface {
	// WatchStateUpdates calls fn for each signal until ctx is done.
	// Signals that arrive while fn is running are coalesced.
	WatchStateUpdates(ctx context.Context, fn func()) error
}
