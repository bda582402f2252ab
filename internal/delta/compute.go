package delta

import (
	"bytes"
	"context"
	"fmt"

	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// Delta is the computed change set for one table: keys only, in the
// scan order. Row contents are fetched later, batch by batch.
type Delta struct {
	Inserts []Key
	Updates []Key
	Deletes []Key

	// HighWater is the new rowversion mark: the highest source
	// rowversion among inserted and updated rows. nil means no
	// changes were detected and the previous mark stands.
	HighWater []byte
}

// Empty reports whether the delta carries no work.
func (d *Delta) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Counts returns the member counts as ledger counters.
func (d *Delta) Counts() ledger.Counters {
	return ledger.Counters{
		Inserted: int64(len(d.Inserts)),
		Updated:  int64(len(d.Updates)),
		Deleted:  int64(len(d.Deletes)),
	}
}

// checkEvery bounds how many merged rows go by between context
// checks during very large scans.
const checkEvery = 8192

// Compute scans both sides in key order and merges the streams:
// source-only keys become inserts, destination-only keys become
// deletes, and matched keys become updates when the probe says the
// row changed (rowversion above the mark, or differing hashes).
//
// Insert and delete detection is always a full key diff, whatever the
// strategy; the high-water mark only scopes update detection.
func Compute(ctx context.Context, src, dst mssql.Querier, tbl *schema.Table, keyCols []string, filter string, dec Decision) (*Delta, error) {
	var probeExpr string
	switch dec.Strategy {
	case ledger.StrategyRowversion:
		probeExpr = schema.QuoteIdent(dec.RowversionColumn)
	case ledger.StrategyHash:
		probeExpr = HashExpr(tbl.DataColumns())
	default:
		return nil, fmt.Errorf("unknown strategy %q", dec.Strategy)
	}
	query := probeQuery(tbl, keyCols, filter, probeExpr)

	srcScan, err := openProbeScan(ctx, src, query, len(keyCols))
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", tbl.Ref, err)
	}
	defer srcScan.close()

	dstScan, err := openProbeScan(ctx, dst, query, len(keyCols))
	if err != nil {
		return nil, fmt.Errorf("scan destination %s: %w", tbl.Ref, err)
	}
	defer dstScan.close()

	d := &Delta{}
	var maxRV []byte
	noteSourceRow := func(probe []byte) {
		if dec.Strategy != ledger.StrategyRowversion {
			return
		}
		if maxRV == nil || bytes.Compare(probe, maxRV) > 0 {
			maxRV = append([]byte(nil), probe...)
		}
	}

	srcRow, err := srcScan.next()
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", tbl.Ref, err)
	}
	dstRow, err := dstScan.next()
	if err != nil {
		return nil, fmt.Errorf("scan destination %s: %w", tbl.Ref, err)
	}

	for n := 0; srcRow != nil || dstRow != nil; n++ {
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		var cmp int
		switch {
		case dstRow == nil:
			cmp = -1
		case srcRow == nil:
			cmp = 1
		default:
			cmp = CompareKeys(srcRow.key, dstRow.key)
		}

		switch {
		case cmp < 0:
			d.Inserts = append(d.Inserts, srcRow.key)
			noteSourceRow(srcRow.probe)
			if srcRow, err = srcScan.next(); err != nil {
				return nil, fmt.Errorf("scan source %s: %w", tbl.Ref, err)
			}
		case cmp > 0:
			d.Deletes = append(d.Deletes, dstRow.key)
			if dstRow, err = dstScan.next(); err != nil {
				return nil, fmt.Errorf("scan destination %s: %w", tbl.Ref, err)
			}
		default:
			if changed(dec, srcRow.probe, dstRow.probe) {
				d.Updates = append(d.Updates, srcRow.key)
				noteSourceRow(srcRow.probe)
			}
			if srcRow, err = srcScan.next(); err != nil {
				return nil, fmt.Errorf("scan source %s: %w", tbl.Ref, err)
			}
			if dstRow, err = dstScan.next(); err != nil {
				return nil, fmt.Errorf("scan destination %s: %w", tbl.Ref, err)
			}
		}
	}

	if len(d.Inserts) > 0 || len(d.Updates) > 0 {
		d.HighWater = maxRV
	}
	return d, nil
}

// changed decides whether a key present on both sides needs an
// update.
func changed(dec Decision, srcProbe, dstProbe []byte) bool {
	if dec.Strategy == ledger.StrategyRowversion {
		return bytes.Compare(srcProbe, dec.HighWater) > 0
	}
	return !bytes.Equal(srcProbe, dstProbe)
}
