package events

import (
	"log"

	"github.com/upstatushq/kuma-client/pkg/types"
)

// Recorder receives client lifecycle events (connects, reconnects, snapshot
// merges, ack timeouts). Implementations must be safe for concurrent use; the
// transport's read loop records events inline.
type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

// LogRecorder writes events through a standard logger.
type LogRecorder struct {
	Logger *log.Logger
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	if event.MonitorUID != "" {
		r.Logger.Printf("event %s conn=%s monitor=%s %v", event.Type, event.ConnectionID, event.MonitorUID, event.Details)
		return
	}
	r.Logger.Printf("event %s conn=%s %v", event.Type, event.ConnectionID, event.Details)
}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}
