package ingest

import "context"

// EventKind identifies a progress event.
type EventKind int

const (
	EventParsed   EventKind = iota // document moved to Parsed
	EventChunk                     // one chunk embedded; Current/Total count chunks
	EventEmbedded                  // document moved to Embedded
	EventFailed                    // document moved to ParseFailed
	EventIndexed                   // knowledge base indexes rebuilt
	EventCycleDone
)

func (k EventKind) String() string {
	switch k {
	case EventParsed:
		return "parsed"
	case EventChunk:
		return "chunk"
	case EventEmbedded:
		return "embedded"
	case EventFailed:
		return "failed"
	case EventIndexed:
		return "indexed"
	case EventCycleDone:
		return "cycle_done"
	}
	return "unknown"
}

// Event reports pipeline progress.
type Event struct {
	Kind    EventKind
	DocID   string
	DocName string
	KB      string
	Current int
	Total   int
	Err     error
}

// emit delivers ev to the attached consumer. It blocks until the consumer
// reads it or ctx is done; without a consumer it does nothing.
func (p *Pipeline) emit(ctx context.Context, ev Event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

// Events returns the progress channel, or nil when the pipeline was built
// without WithEvents. The channel is never closed.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}
