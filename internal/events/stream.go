package events

import (
	"context"
	"time"
)

// Consumer-facing event types for a single turn's stream.
const (
	// StreamToken is an incremental content fragment.
	StreamToken = "token"
	// StreamSummaryPoint is one new summary fragment from compaction.
	StreamSummaryPoint = "summary_point"
	// StreamError terminates the stream for the turn.
	StreamError = "error"
)

// SummaryPointDelay is the fixed inter-event pacing applied between
// summary_point events so clients can render them progressively.
const SummaryPointDelay = 200 * time.Millisecond

// StreamEvent is one element of the ordered event sequence a caller
// consumes while a turn is processed.
type StreamEvent struct {
	Type    string `json:"event_type"`
	Payload string `json:"payload"`
}

// Stream is the per-turn adapter between the orchestration graph and
// an external consumer. The graph pushes increments as they arrive;
// the consumer ranges over Events until the channel closes. The
// channel holds at most one increment — the push model intentionally
// applies backpressure rather than buffering a turn's whole output.
type Stream struct {
	ch     chan StreamEvent
	ctx    context.Context
	paceFn func(context.Context)
}

// NewStream creates a stream bound to the caller's context. When the
// context is cancelled (caller disconnect), subsequent pushes are
// dropped instead of blocking the graph.
func NewStream(ctx context.Context) *Stream {
	return &Stream{
		ch:  make(chan StreamEvent, 1),
		ctx: ctx,
		paceFn: func(ctx context.Context) {
			t := time.NewTimer(SummaryPointDelay)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Events returns the ordered consumer sequence for this turn.
func (s *Stream) Events() <-chan StreamEvent {
	return s.ch
}

// Token pushes an incremental content fragment.
func (s *Stream) Token(fragment string) {
	s.push(StreamEvent{Type: StreamToken, Payload: fragment})
}

// SummaryPoints pushes one summary_point event per fragment with the
// fixed pacing delay between them.
func (s *Stream) SummaryPoints(fragments []string) {
	for i, f := range fragments {
		if i > 0 {
			s.paceFn(s.ctx)
		}
		s.push(StreamEvent{Type: StreamSummaryPoint, Payload: f})
	}
}

// Error pushes a terminal error event. The caller must still Close the
// stream.
func (s *Stream) Error(msg string) {
	s.push(StreamEvent{Type: StreamError, Payload: msg})
}

// Close ends the stream. No pushes may follow.
func (s *Stream) Close() {
	close(s.ch)
}

func (s *Stream) push(e StreamEvent) {
	select {
	case s.ch <- e:
	case <-s.ctx.Done():
		// Consumer is gone — discard rather than block the graph.
	}
}
