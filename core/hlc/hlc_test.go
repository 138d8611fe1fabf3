package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareOrdersByPhysicalThenLogical(t *testing.T) {
	cases := []struct {
		a, b Hlc
		want int
	}{
		{Hlc{1, 0}, Hlc{2, 0}, -1},
		{Hlc{2, 0}, Hlc{1, 0}, 1},
		{Hlc{1, 0}, Hlc{1, 0}, 0},
		{Hlc{1, 1}, Hlc{1, 2}, -1},
		{Hlc{1, 2}, Hlc{1, 1}, 1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.a.Compare(c.b))
	}
}

func TestBeforeAfter(t *testing.T) {
	a, b := Hlc{1, 0}, Hlc{1, 1}
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.Before(a))
	assert.False(t, a.After(a))
}

func TestMax(t *testing.T) {
	a, b := Hlc{5, 9}, Hlc{5, 2}
	assert.Equal(t, a, Max(a, b))
	assert.Equal(t, a, Max(b, a))
}

func TestStringFormat(t *testing.T) {
	assert.Equal(t, "100.3", (Hlc{100, 3}).String())
}
