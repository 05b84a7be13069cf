package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the run journal event record
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventRunStarted  EventType = "RUN_STARTED"  // Orchestrator run began
	EventState       EventType = "STATE"        // Orchestrator entered a state
	EventCheckpoint  EventType = "CHECKPOINT"   // Processed-file checkpoint moved
	EventRunFinished EventType = "RUN_FINISHED" // Run reached DONE with an outcome
	EventReconciled  EventType = "RECONCILED"   // Reconciler inserted or skipped records
)

// Event represents a journal record
type Event struct {
	Seq       uint64    `json:"seq"`                // Event sequence number (monotonically increasing)
	Type      EventType `json:"type"`               // Event type
	RunID     string    `json:"run_id,omitempty"`   // Orchestrator run the event belongs to
	State     string    `json:"state,omitempty"`    // State name for STATE events
	Outcome   string    `json:"outcome,omitempty"`  // Outcome for RUN_FINISHED events
	Detail    string    `json:"detail,omitempty"`   // Free text: checkpoint ref, error, counts
	Timestamp int64     `json:"timestamp"`          // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error

// Appender is the write side of the journal used by pipeline components.
type Appender interface {
	Append(event Event) (Event, error)
}
