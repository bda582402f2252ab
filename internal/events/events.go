// Package events carries sync progress out of the engine without ever
// blocking it. Consumers read from a bounded queue; when nobody keeps
// up, the oldest unread events are dropped and counted. Authoritative
// totals always come from the run summary and the ledger, so dropped
// events cost visibility, not correctness.
package events

import (
	"sync/atomic"
	"time"

	"github.com/espejo-db/espejo/internal/schema"
)

// Type identifies a progress event.
type Type string

const (
	TableStarted          Type = "TableStarted"
	TableSchemaCreated    Type = "TableSchemaCreated"
	TableStrategySelected Type = "TableStrategySelected"
	BatchApplied          Type = "BatchApplied"
	TableCompleted        Type = "TableCompleted"
	TableFailed           Type = "TableFailed"
	RunCompleted          Type = "RunCompleted"
)

// Event is one progress notification. Only the fields relevant to the
// event's Type are populated.
type Event struct {
	Type  Type             `json:"type"`
	Time  time.Time        `json:"time"`
	Table *schema.TableRef `json:"table,omitempty"`

	// TableStrategySelected
	Strategy string `json:"strategy,omitempty"`

	// BatchApplied
	Kind string `json:"kind,omitempty"` // insert, update or delete
	Rows int64  `json:"rows,omitempty"`

	// TableCompleted and RunCompleted
	Inserted int64 `json:"inserted,omitempty"`
	Updated  int64 `json:"updated,omitempty"`
	Deleted  int64 `json:"deleted,omitempty"`

	// RunCompleted
	TablesTotal  int  `json:"tables_total,omitempty"`
	TablesOK     int  `json:"tables_ok,omitempty"`
	TablesFailed int  `json:"tables_failed,omitempty"`
	Canceled     bool `json:"canceled,omitempty"`

	// TableFailed
	Err string `json:"error,omitempty"`
}

// DefaultCapacity bounds the queue when the caller doesn't.
const DefaultCapacity = 1024

// Queue is a bounded, non-blocking event queue. Emit never waits:
// when the buffer is full the oldest unread event is discarded to
// make room. Safe for concurrent emitters and one consumer.
type Queue struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Emit enqueues an event, stamping Time if unset. It never blocks.
func (q *Queue) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case q.ch <- ev:
		return
	default:
	}
	// Full: shed the oldest event, then try once more. Another
	// consumer may have raced us; losing that race just means the
	// queue already has room or sheds a different event.
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// C is the consumer side. It is closed by Close.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Dropped reports how many events were discarded under backpressure.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close ends the stream. The queue's owner calls it after the run has
// fully finished; nothing may Emit afterwards.
func (q *Queue) Close() {
	close(q.ch)
}
