// Package checkpoint provides durable, thread-keyed snapshots of
// orchestration state, enabling resume after process restart.
package checkpoint

import (
	"time"

	"github.com/openbloom/cryptochat/internal/convo"
)

// Node names persisted in checkpoints. These mirror the orchestration
// graph's states; the graph validates them on load.
const (
	NodeModelCall    = "model_call"
	NodeRoute        = "route"
	NodeToolDispatch = "tool_dispatch"
	NodeResearch     = "research"
	NodeCompact      = "compact"
	NodeTerminal     = "terminal"
)

// Checkpoint is a point-in-time snapshot of a thread's orchestration
// state. One checkpoint exists per thread; every node transition
// overwrites it (last-writer-wins — safe under the single-flight-per-
// thread invariant).
type Checkpoint struct {
	ThreadID    string       `json:"thread_id"`
	State       *convo.State `json:"state"`
	PendingNode string       `json:"pending_node"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// KnownNode reports whether name is a node the orchestration graph can
// resume from. Unknown names indicate state corruption.
func KnownNode(name string) bool {
	switch name {
	case NodeModelCall, NodeRoute, NodeToolDispatch, NodeResearch, NodeCompact, NodeTerminal:
		return true
	}
	return false
}
