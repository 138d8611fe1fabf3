package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNodeIdRoundTrips(t *testing.T) {
	n := NewNodeId("n1")
	assert.Equal(t, "n1", n.String())
}

func TestNewChannelIdRoundTrips(t *testing.T) {
	c := NewChannelId("ch1")
	assert.Equal(t, "ch1", c.String())
}

func TestNewStreamIdRoundTrips(t *testing.T) {
	s := NewStreamId("st1")
	assert.Equal(t, "st1", s.String())
}

func TestNewNodeIdPanicsOnEmpty(t *testing.T) {
	assert.PanicsWithValue(t, ErrEmptyID, func() { NewNodeId("") })
}

func TestNewChannelIdPanicsOnEmpty(t *testing.T) {
	assert.PanicsWithValue(t, ErrEmptyID, func() { NewChannelId("") })
}

func TestNewStreamIdPanicsOnEmpty(t *testing.T) {
	assert.PanicsWithValue(t, ErrEmptyID, func() { NewStreamId("") })
}

func TestIdentifiersCompareByValue(t *testing.T) {
	assert.Equal(t, NewNodeId("a"), NewNodeId("a"))
	assert.NotEqual(t, NewNodeId("a"), NewNodeId("b"))
}
