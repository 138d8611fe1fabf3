package statestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corehlc "github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "state.json"))
}

func TestLoadPeersBeforeAnySaveIsEmpty(t *testing.T) {
	s := tempStore(t)
	peers, err := s.LoadPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestSaveAndLoadPeersRoundTrips(t *testing.T) {
	s := tempStore(t)
	want := []ids.NodeId{ids.NewNodeId("n1"), ids.NewNodeId("n2")}
	require.NoError(t, s.SavePeers(want))

	got, err := s.LoadPeers()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSavePeersOverwritesPreviousSet(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.SavePeers([]ids.NodeId{ids.NewNodeId("n1")}))
	require.NoError(t, s.SavePeers([]ids.NodeId{ids.NewNodeId("n2")}))

	got, err := s.LoadPeers()
	require.NoError(t, err)
	assert.Equal(t, []ids.NodeId{ids.NewNodeId("n2")}, got)
}

func TestClockStateRoundTrips(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadClockState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	h := corehlc.Hlc{PhysicalMs: 12345, Logical: 7}
	require.NoError(t, s.SaveClockState(ctx, h))

	got, ok, err := s.LoadClockState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestIncarnationRoundTrips(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadIncarnation(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveIncarnation(ctx, 9))

	got, ok, err := s.LoadIncarnation(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), got)
}

func TestClockAndIncarnationAndPeersShareOneDocumentWithoutClobbering(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePeers([]ids.NodeId{ids.NewNodeId("n1")}))
	require.NoError(t, s.SaveClockState(ctx, corehlc.Hlc{PhysicalMs: 1, Logical: 1}))
	require.NoError(t, s.SaveIncarnation(ctx, 3))

	peers, err := s.LoadPeers()
	require.NoError(t, err)
	assert.Equal(t, []ids.NodeId{ids.NewNodeId("n1")}, peers)

	h, ok, err := s.LoadClockState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, corehlc.Hlc{PhysicalMs: 1, Logical: 1}, h)

	inc, ok, err := s.LoadIncarnation(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), inc)
}

func TestOpenOnNestedPathCreatesDirectories(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "nested", "dir", "state.json"))
	require.NoError(t, s.SaveIncarnation(context.Background(), 1))
	inc, ok, err := s.LoadIncarnation(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), inc)
}
