package ui

import (
	"fmt"
	"strconv"
	"time"
)

// FormatCount renders n with thousands separators.
func FormatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	start := 0
	if s[0] == '-' {
		start = 1
	}
	digits := len(s) - start
	if digits <= 3 {
		return s
	}

	out := make([]byte, 0, len(s)+digits/3)
	out = append(out, s[:start]...)
	lead := digits % 3
	if lead == 0 {
		lead = 3
	}
	out = append(out, s[start:start+lead]...)
	for i := start + lead; i < len(s); i += 3 {
		out = append(out, ',')
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}

// FormatAge renders a timestamp as a compact relative age for status
// listings. A zero time means the table has never synced.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// FormatRowversion renders a rowversion mark as 0x-prefixed hex, the
// form SSMS shows. nil means no mark recorded.
func FormatRowversion(mark []byte) string {
	if len(mark) == 0 {
		return "-"
	}
	return fmt.Sprintf("0x%X", mark)
}
