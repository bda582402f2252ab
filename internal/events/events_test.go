package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espejo-db/espejo/internal/schema"
)

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewQueue(8)
	ref := schema.TableRef{Schema: "dbo", Name: "Orders"}
	q.Emit(Event{Type: TableStarted, Table: &ref})
	q.Emit(Event{Type: TableCompleted, Table: &ref, Inserted: 3})
	q.Close()

	var got []Type
	for ev := range q.C() {
		got = append(got, ev.Type)
		assert.False(t, ev.Time.IsZero())
	}
	assert.Equal(t, []Type{TableStarted, TableCompleted}, got)
	assert.Zero(t, q.Dropped())
}

func TestQueueShedsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	q.Emit(Event{Type: TableStarted})
	q.Emit(Event{Type: TableSchemaCreated})
	q.Emit(Event{Type: TableCompleted}) // overflows: TableStarted drops
	q.Close()

	var got []Type
	for ev := range q.C() {
		got = append(got, ev.Type)
	}
	require.Equal(t, []Type{TableSchemaCreated, TableCompleted}, got)
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < DefaultCapacity; i++ {
		q.Emit(Event{Type: BatchApplied})
	}
	assert.Zero(t, q.Dropped())
	q.Emit(Event{Type: BatchApplied})
	assert.Equal(t, uint64(1), q.Dropped())
}
