package delta

import (
	"strings"

	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/schema"
)

// zeroRowversion is the mark used before any incremental sync has
// recorded one: every real rowversion compares greater.
var zeroRowversion = make([]byte, 8)

// Decision is the selected change detection strategy for one table.
type Decision struct {
	Strategy         ledger.Strategy
	RowversionColumn string

	// Initial marks a rowversion table with no usable stored mark:
	// update detection runs against the zero mark, which makes every
	// matched row an update candidate exactly once.
	Initial bool

	// HighWater is the mark updates are detected against. Only set
	// for the rowversion strategy.
	HighWater []byte
}

// Label renders the strategy for logs, events and the ledger summary.
func (d Decision) Label() string {
	if d.Strategy == ledger.StrategyRowversion && d.Initial {
		return "ROWVERSION-INITIAL"
	}
	return string(d.Strategy)
}

// Select picks the strategy for a table given its structure and its
// ledger entry (nil when never synced).
//
// A rowversion column always wins: the server bumps it on every
// write, so update detection reduces to "rowversion > mark". The
// stored mark is only trusted when it was recorded for the same
// column under the same strategy; otherwise the table starts over
// from the zero mark. Tables without a rowversion column fall back
// to hashing both sides.
func Select(tbl *schema.Table, entry *ledger.Entry) Decision {
	rv := tbl.RowversionColumn()
	if rv == nil {
		return Decision{Strategy: ledger.StrategyHash}
	}

	d := Decision{
		Strategy:         ledger.StrategyRowversion,
		RowversionColumn: rv.Name,
	}
	if entry != nil &&
		entry.Strategy == ledger.StrategyRowversion &&
		strings.EqualFold(entry.RowversionColumn, rv.Name) &&
		len(entry.LastRowversionSynced) == len(zeroRowversion) {
		d.HighWater = entry.LastRowversionSynced
		return d
	}
	d.Initial = true
	d.HighWater = zeroRowversion
	return d
}
