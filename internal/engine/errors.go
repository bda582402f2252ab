package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/espejo-db/espejo/internal/schema"
)

// Kind classifies table failures for the summary, events and logs.
type Kind string

const (
	ConnectionFailed       Kind = "CONNECTION_FAILED"
	CatalogQueryFailed     Kind = "CATALOG_QUERY_FAILED"
	TableNotFound          Kind = "TABLE_NOT_FOUND"
	NoPrimaryKey           Kind = "NO_PRIMARY_KEY"
	InvalidPKOverride      Kind = "INVALID_PK_OVERRIDE"
	DDLExecutionFailed     Kind = "DDL_EXECUTION_FAILED"
	DeltaComputationFailed Kind = "DELTA_COMPUTATION_FAILED"
	BatchApplyFailed       Kind = "BATCH_APPLY_FAILED"
	LedgerUpdateFailed     Kind = "LEDGER_UPDATE_FAILED"
	Canceled               Kind = "CANCELED"
)

// TableError is one table's failure. Unwrap exposes the cause so
// callers can still reach sentinel errors underneath.
type TableError struct {
	Kind  Kind
	Table schema.TableRef
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Table, e.Kind, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// tableErr wraps err for ref under kind. Cancellation always wins
// over the phase kind, and an already classified error keeps its
// original kind.
func tableErr(kind Kind, ref schema.TableRef, err error) *TableError {
	var te *TableError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = Canceled
	}
	return &TableError{Kind: kind, Table: ref, Err: err}
}
