// Package delta decides how a table's changes are detected and
// computes the per-row change sets: which keys to insert, update and
// delete, plus the new rowversion high-water mark.
//
// Both sides are scanned in primary key order (character columns
// forced to a binary collation so the two servers and this process
// all agree on the order) and merged in one streaming pass. Row
// contents are only fetched afterwards, in key batches, for the rows
// that actually changed.
package delta

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Key is one scanned primary key tuple, in key column order.
type Key []any

// Decimal carries a decimal/numeric/money key value in its string
// form. The driver hands these over as strings of digits; ordering
// them numerically (not lexically) keeps the merge aligned with the
// server's ORDER BY.
type Decimal string

// CompareKeys orders two key tuples the way the probe scans do.
// Tuples come from the same table on both sides, so positions have
// identical types; a mismatch means corrupted input and panics are
// avoided by falling back to the string forms.
func CompareKeys(a, b Key) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if c := compareValue(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

func compareValue(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			default:
				return 0
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case Decimal:
		if bv, ok := b.(Decimal); ok {
			return compareDecimal(string(av), string(bv))
		}
	}
	// Mixed types should not happen between two scans of the same
	// column; compare the rendered forms as a last resort.
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// compareDecimal orders decimal strings numerically: sign first, then
// integer digit count, then digit-wise, with fractional parts padded.
func compareDecimal(a, b string) int {
	negA, intA, fracA := splitDecimal(a)
	negB, intB, fracB := splitDecimal(b)

	if negA != negB {
		if negA {
			return -1
		}
		return 1
	}

	c := compareMagnitude(intA, fracA, intB, fracB)
	if negA {
		return -c
	}
	return c
}

func splitDecimal(s string) (neg bool, intPart, fracPart string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	intPart, fracPart, _ = strings.Cut(s, ".")
	intPart = strings.TrimLeft(intPart, "0")
	fracPart = strings.TrimRight(fracPart, "0")
	if intPart == "" && fracPart == "" {
		// Zero: normalize so -0 == 0.
		neg = false
	}
	return neg, intPart, fracPart
}

func compareMagnitude(intA, fracA, intB, fracB string) int {
	if len(intA) != len(intB) {
		if len(intA) < len(intB) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(intA, intB); c != 0 {
		return c
	}
	// Same integer part: the longer fraction is padded implicitly by
	// comparing prefix-wise.
	if c := strings.Compare(fracA, fracB); c != 0 {
		if strings.HasPrefix(fracB, fracA) {
			return -1
		}
		if strings.HasPrefix(fracA, fracB) {
			return 1
		}
		return c
	}
	return 0
}
