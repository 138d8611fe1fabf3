package vvector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neutrinographics/meshsync/core/ids"
)

var (
	alice = ids.NewNodeId("alice")
	bob   = ids.NewNodeId("bob")
)

func TestEmptyVectorGetsZero(t *testing.T) {
	v := New()
	assert.Equal(t, uint64(0), v.Get(alice))
	assert.Empty(t, v.Authors())
}

func TestSetAndGet(t *testing.T) {
	v := New()
	v.Set(alice, 3)
	assert.Equal(t, uint64(3), v.Get(alice))
	assert.Equal(t, uint64(0), v.Get(bob))
}

func TestSetZeroRemovesAuthor(t *testing.T) {
	v := New()
	v.Set(alice, 3)
	v.Set(alice, 0)
	assert.Equal(t, uint64(0), v.Get(alice))
	assert.Empty(t, v.Authors())
}

func TestIncrementStartsAtOne(t *testing.T) {
	v := New()
	assert.Equal(t, uint64(1), v.Increment(alice))
	assert.Equal(t, uint64(2), v.Increment(alice))
}

func TestFromMapDropsZeroEntries(t *testing.T) {
	v := FromMap(map[ids.NodeId]uint64{alice: 2, bob: 0})
	assert.Equal(t, uint64(2), v.Get(alice))
	assert.Equal(t, uint64(0), v.Get(bob))
	assert.ElementsMatch(t, []ids.NodeId{alice}, v.Authors())
}

func TestCloneIsIndependent(t *testing.T) {
	v := New()
	v.Set(alice, 1)
	c := v.Clone()
	v.Set(alice, 2)
	assert.Equal(t, uint64(1), c.Get(alice))
	assert.Equal(t, uint64(2), v.Get(alice))
}

func TestMergeIsPairwiseMax(t *testing.T) {
	a := FromMap(map[ids.NodeId]uint64{alice: 5, bob: 1})
	b := FromMap(map[ids.NodeId]uint64{alice: 2, bob: 7})
	m := Merge(a, b)
	assert.Equal(t, uint64(5), m.Get(alice))
	assert.Equal(t, uint64(7), m.Get(bob))
}

func TestMergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	a := FromMap(map[ids.NodeId]uint64{alice: 5, bob: 1})
	b := FromMap(map[ids.NodeId]uint64{alice: 2, bob: 7})
	c := FromMap(map[ids.NodeId]uint64{bob: 3})

	assert.True(t, Merge(a, b).Equal(Merge(b, a)))
	assert.True(t, Merge(Merge(a, b), c).Equal(Merge(a, Merge(b, c))))
	assert.True(t, Merge(a, a).Equal(a))
}

func TestDiffReturnsOnlyStrictlyGreater(t *testing.T) {
	v := FromMap(map[ids.NodeId]uint64{alice: 2})
	o := FromMap(map[ids.NodeId]uint64{alice: 2, bob: 4})
	d := Diff(v, o)
	assert.Equal(t, map[ids.NodeId]uint64{bob: 4}, d)
}

func TestDominates(t *testing.T) {
	v := FromMap(map[ids.NodeId]uint64{alice: 5, bob: 5})
	o := FromMap(map[ids.NodeId]uint64{alice: 3})
	assert.True(t, v.Dominates(o))
	assert.False(t, o.Dominates(v))

	// An absent author in v but present (non-zero) in o breaks domination.
	o2 := FromMap(map[ids.NodeId]uint64{"carol": 1})
	assert.False(t, v.Dominates(o2))
}

func TestEqual(t *testing.T) {
	a := FromMap(map[ids.NodeId]uint64{alice: 1, bob: 2})
	b := FromMap(map[ids.NodeId]uint64{bob: 2, alice: 1})
	assert.True(t, a.Equal(b))

	c := FromMap(map[ids.NodeId]uint64{alice: 1})
	assert.False(t, a.Equal(c))
}

func TestMapReturnsDefensiveCopy(t *testing.T) {
	v := FromMap(map[ids.NodeId]uint64{alice: 1})
	m := v.Map()
	m[alice] = 99
	assert.Equal(t, uint64(1), v.Get(alice))
}
