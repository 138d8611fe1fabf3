package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrinographics/meshsync/core/events"
	"github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/retention"
	"github.com/neutrinographics/meshsync/core/syncerror"
	"github.com/neutrinographics/meshsync/core/vvector"
	"github.com/neutrinographics/meshsync/node/entrystore"
)

var (
	localNode = ids.NewNodeId("local")
	remote    = ids.NewNodeId("remote")
	chID      = ids.NewChannelId("ch1")
	stID      = ids.NewStreamId("st1")
)

func newTestChannel(t *testing.T) (*Channel, EntryRepository, <-chan events.Event) {
	t.Helper()
	evs := events.NewStream(32, nil)
	errs := syncerror.NewStream(32, nil)
	c := New(chID, localNode, evs, errs)
	require.True(t, c.CreateStream(stID, retention.KeepAll{}))
	ch, _ := evs.Subscribe()
	return c, entrystore.New(), ch
}

func TestNewChannelHasLocalNodeAsSoleMember(t *testing.T) {
	c, _, _ := newTestChannel(t)
	assert.Equal(t, []ids.NodeId{localNode}, c.Members())
	assert.True(t, c.IsMember(localNode))
}

func TestAddRemoveMember(t *testing.T) {
	c, _, _ := newTestChannel(t)
	c.AddMember(remote)
	assert.True(t, c.IsMember(remote))
	c.RemoveMember(remote)
	assert.False(t, c.IsMember(remote))
}

func TestRemoveLocalNodePanics(t *testing.T) {
	c, _, _ := newTestChannel(t)
	assert.PanicsWithValue(t, ErrRemoveLocalNode, func() { c.RemoveMember(localNode) })
}

func TestCreateStreamIsIdempotent(t *testing.T) {
	c, _, _ := newTestChannel(t)
	assert.False(t, c.CreateStream(stID, retention.KeepAll{}))
}

func TestAppendEntryAssignsSequentialSequence(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	e1, err := c.AppendEntry(stID, []byte("a"), hlc.Hlc{PhysicalMs: 1}, repo)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)

	e2, err := c.AppendEntry(stID, []byte("b"), hlc.Hlc{PhysicalMs: 2}, repo)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Sequence)
}

func TestAppendEntryUnknownStreamErrors(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.AppendEntry(ids.NewStreamId("ghost"), []byte("x"), hlc.Hlc{}, repo)
	assert.ErrorIs(t, err, syncerror.ErrStreamNotFound)
}

func TestMergeEntriesAppendsInOrderReadyEntries(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	result, err := c.MergeEntries(stID, []logentry.Entry{
		{Author: remote, Sequence: 1, Timestamp: hlc.Hlc{PhysicalMs: 1}},
		{Author: remote, Sequence: 2, Timestamp: hlc.Hlc{PhysicalMs: 2}},
	}, repo)
	require.NoError(t, err)
	assert.Len(t, result.NewEntries, 2)
	assert.Equal(t, 0, result.OutOfOrder)
	assert.Equal(t, 0, result.Duplicates)
	assert.Equal(t, uint64(2), result.NewVersion.Get(remote))
}

func TestMergeEntriesDetectsDuplicates(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	entry := logentry.Entry{Author: remote, Sequence: 1, Timestamp: hlc.Hlc{PhysicalMs: 1}}
	_, err := c.MergeEntries(stID, []logentry.Entry{entry}, repo)
	require.NoError(t, err)

	result, err := c.MergeEntries(stID, []logentry.Entry{entry}, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Duplicates)
	assert.Empty(t, result.NewEntries)
}

func TestMergeEntriesBuffersOutOfOrderThenDrainsOnArrival(t *testing.T) {
	c, repo, _ := newTestChannel(t)

	// Sequence 2 arrives before sequence 1: buffered, not appended.
	result, err := c.MergeEntries(stID, []logentry.Entry{
		{Author: remote, Sequence: 2, Timestamp: hlc.Hlc{PhysicalMs: 2}},
	}, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OutOfOrder)
	assert.Empty(t, result.NewEntries)
	assert.Equal(t, uint64(0), repo.LatestSequence(chID, stID, remote))

	// Sequence 1 arrives: both 1 and 2 should commit via drain.
	result, err = c.MergeEntries(stID, []logentry.Entry{
		{Author: remote, Sequence: 1, Timestamp: hlc.Hlc{PhysicalMs: 1}},
	}, repo)
	require.NoError(t, err)
	assert.Len(t, result.NewEntries, 2)
	assert.Equal(t, uint64(2), repo.LatestSequence(chID, stID, remote))
}

func TestMergeEntriesRejectsOversizedPayload(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	c.SetBufferLimits(defaultMaxBufferSizePerAuthor, defaultMaxTotalBufferEntries, 4)

	result, err := c.MergeEntries(stID, []logentry.Entry{
		{Author: remote, Sequence: 1, Payload: []byte("way too long")},
	}, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
	assert.Empty(t, result.NewEntries)
}

func TestMergeEntriesUnknownStreamErrors(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.MergeEntries(ids.NewStreamId("ghost"), nil, repo)
	assert.ErrorIs(t, err, syncerror.ErrStreamNotFound)
}

func TestBufferOverflowDropsOldestAndEmitsEvents(t *testing.T) {
	c, repo, evCh := newTestChannel(t)
	c.SetBufferLimits(2, defaultMaxTotalBufferEntries, defaultMaxPayloadBytes)

	// Author's next-expected is 1; feed sequences 2..5 (all out-of-order),
	// the per-author cap of 2 should force drops.
	var incoming []logentry.Entry
	for seq := uint64(2); seq <= 5; seq++ {
		incoming = append(incoming, logentry.Entry{Author: remote, Sequence: seq, Timestamp: hlc.Hlc{PhysicalMs: seq}})
	}
	result, err := c.MergeEntries(stID, incoming, repo)
	require.NoError(t, err)
	assert.Equal(t, 4, result.OutOfOrder)
	assert.Greater(t, result.Dropped, 0)

	sawOverflow := false
	for {
		select {
		case e := <-evCh:
			if _, ok := e.(events.BufferOverflowOccurred); ok {
				sawOverflow = true
			}
		default:
			assert.True(t, sawOverflow, "expected a BufferOverflowOccurred event")
			return
		}
	}
}

func TestComputeDigestReflectsRepositoryVersion(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.MergeEntries(stID, []logentry.Entry{
		{Author: remote, Sequence: 1, Timestamp: hlc.Hlc{PhysicalMs: 1}},
	}, repo)
	require.NoError(t, err)

	d := c.ComputeDigest(repo)
	require.Len(t, d.Streams, 1)
	assert.Equal(t, stID, d.Streams[0].Stream)
	assert.Equal(t, uint64(1), d.Streams[0].Version.Get(remote))
}

func TestComputeDeltaReturnsMissingEntries(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.MergeEntries(stID, []logentry.Entry{
		{Author: remote, Sequence: 1, Timestamp: hlc.Hlc{PhysicalMs: 1}},
		{Author: remote, Sequence: 2, Timestamp: hlc.Hlc{PhysicalMs: 2}},
	}, repo)
	require.NoError(t, err)

	since := vvector.New()
	since.Set(remote, 1)
	delta, err := c.ComputeDelta(stID, since, repo)
	require.NoError(t, err)
	require.Len(t, delta.Entries, 1)
	assert.Equal(t, uint64(2), delta.Entries[0].Sequence)
}

func TestComputeDeltaUnknownStreamErrors(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.ComputeDelta(ids.NewStreamId("ghost"), vvector.New(), repo)
	assert.ErrorIs(t, err, syncerror.ErrStreamNotFound)
}

func TestMaterializerFoldsEntriesInOrder(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	c.RegisterMaterializer(stID, Materializer{
		Init: 0,
		Fold: func(state any, e logentry.Entry) any { return state.(int) + len(e.Payload) },
	})
	_, err := c.AppendEntry(stID, []byte("ab"), hlc.Hlc{PhysicalMs: 1}, repo)
	require.NoError(t, err)
	_, err = c.AppendEntry(stID, []byte("cde"), hlc.Hlc{PhysicalMs: 2}, repo)
	require.NoError(t, err)

	state, err := GetTypedState[int](c, stID, repo)
	require.NoError(t, err)
	assert.Equal(t, 5, state)
}

func TestGetStateWithoutMaterializerErrors(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.GetState(stID, repo)
	assert.Error(t, err)
}

func TestCompactStreamKeepAllRemovesNothing(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	c.RegisterMaterializer(stID, Materializer{Init: 0, Fold: func(s any, _ logentry.Entry) any { return s }})

	for i := 0; i < 3; i++ {
		_, err := c.AppendEntry(stID, []byte("x"), hlc.Hlc{PhysicalMs: uint64(i) * 100}, repo)
		require.NoError(t, err)
	}

	// The test stream was created with KeepAll, so compaction must keep
	// every entry and report the full version vector.
	res, err := c.CompactStream(stID, 1000, repo)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, 3, res.Kept)
	assert.Equal(t, uint64(3), res.NewVersion.Get(localNode))
}

func TestCompactStreamUnknownStreamErrors(t *testing.T) {
	c, repo, _ := newTestChannel(t)
	_, err := c.CompactStream(ids.NewStreamId("ghost"), 0, repo)
	assert.ErrorIs(t, err, syncerror.ErrStreamNotFound)
}
