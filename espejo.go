// Package espejo provides a minimal public API for embedding the sync
// engine in other Go programs.
//
// Most deployments should drive espejo through its CLI. This package
// exports only the types needed to open the two endpoints, describe a
// table plan, run the engine, and consume its event stream
// programmatically.
package espejo

import (
	"context"

	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/engine"
	"github.com/espejo-db/espejo/internal/events"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// Core types for configuring and running a sync
type (
	Endpoint   = mssql.Config
	DB         = mssql.DB
	Options    = config.Options
	TableSync  = config.TableSync
	TableRef   = schema.TableRef
	Engine     = engine.Engine
	RunSummary = engine.RunSummary
	TableError = engine.TableError
	Event      = events.Event
	EventType  = events.Type
	Queue      = events.Queue
)

// Event type constants
const (
	EventTableStarted          = events.TableStarted
	EventTableSchemaCreated    = events.TableSchemaCreated
	EventTableStrategySelected = events.TableStrategySelected
	EventBatchApplied          = events.BatchApplied
	EventTableCompleted        = events.TableCompleted
	EventTableFailed           = events.TableFailed
	EventRunCompleted          = events.RunCompleted
)

// DefaultOptions returns the tuning values an empty configuration
// resolves to.
func DefaultOptions() Options {
	return config.Defaults()
}

// Open connects to one SQL Server endpoint and verifies it answers.
func Open(ctx context.Context, cfg Endpoint) (*DB, error) {
	return mssql.Open(ctx, cfg)
}

// NewQueue builds an event queue for an engine to report progress on.
// The engine never blocks on a full queue; it sheds the oldest event.
func NewQueue(capacity int) *Queue {
	return events.NewQueue(capacity)
}

// New assembles a sync engine over two open endpoints. Pass a nil
// queue to discard progress events.
func New(source, dest *DB, opts Options, queue *Queue) *Engine {
	return engine.New(source, dest, opts, queue)
}
