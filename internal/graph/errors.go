// Sentinel error types for the orchestration graph.
package graph

import "fmt"

// ErrThreadBusy is returned when an inbound turn arrives for a thread
// that is already mid-processing. The thread is the unit of
// serialization; callers must retry or queue, never interleave.
var ErrThreadBusy = fmt.Errorf("thread is already processing a turn")

// StateCorruptionError reports a checkpoint whose pending node is not
// reachable from the orchestration graph. The thread requires external
// intervention; it is never auto-repaired.
type StateCorruptionError struct {
	ThreadID string
	Node     string
}

// Error implements the error interface.
func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("thread %s: checkpoint references unknown node %q", e.ThreadID, e.Node)
}
