package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompareKeysScalar(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	tests := []struct {
		name string
		a, b Key
		want int
	}{
		{"int equal", Key{int64(5)}, Key{int64(5)}, 0},
		{"int less", Key{int64(3)}, Key{int64(5)}, -1},
		{"int greater", Key{int64(9)}, Key{int64(5)}, 1},
		{"string", Key{"alpha"}, Key{"beta"}, -1},
		{"bytes", Key{[]byte{0x01}}, Key{[]byte{0x02}}, -1},
		{"time", Key{t1}, Key{t2}, -1},
		{"bool", Key{false}, Key{true}, -1},
		{"float", Key{2.5}, Key{2.25}, 1},
		{"null sorts first", Key{nil}, Key{int64(1)}, -1},
		{"null equal", Key{nil}, Key{nil}, 0},
		{"decimal numeric order", Key{Decimal("99")}, Key{Decimal("100")}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareKeys(tt.a, tt.b))
		})
	}
}

func TestCompareKeysComposite(t *testing.T) {
	a := Key{int64(1), "a"}
	b := Key{int64(1), "b"}
	c := Key{int64(2), "a"}

	assert.Equal(t, -1, CompareKeys(a, b))
	assert.Equal(t, -1, CompareKeys(b, c))
	assert.Equal(t, 0, CompareKeys(a, Key{int64(1), "a"}))
}

func TestCompareDecimal(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1},
		{"100", "99", 1},
		{"-2", "1", -1},
		{"-3", "-2", -1},
		{"10.5", "10.50", 0},
		{"10.5", "10.05", 1},
		{"1.2", "1.25", -1},
		{"1.3", "1.25", 1},
		{"0.001", "0.01", -1},
		{".5", "0.5", 0},
		{"0", "-0", 0},
		{"0", "0.000", 0},
		{"+7", "7", 0},
	}
	for _, tt := range tests {
		got := compareDecimal(tt.a, tt.b)
		if got != tt.want {
			t.Errorf("compareDecimal(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if tt.want != 0 {
			if back := compareDecimal(tt.b, tt.a); back != -tt.want {
				t.Errorf("compareDecimal(%q, %q) = %d, want %d", tt.b, tt.a, back, -tt.want)
			}
		}
	}
}
