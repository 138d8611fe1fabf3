package entrystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/vvector"
)

var (
	chA    = ids.NewChannelId("ch-a")
	stA    = ids.NewStreamId("st-a")
	alice  = ids.NewNodeId("alice")
	bob    = ids.NewNodeId("bob")
)

func entry(author ids.NodeId, seq uint64, physMs uint64, payload ...byte) logentry.Entry {
	return logentry.Entry{Author: author, Sequence: seq, Timestamp: hlc.Hlc{PhysicalMs: physMs}, Payload: payload}
}

func TestAppendMaintainsTotalOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(chA, stA, entry(bob, 1, 300)))
	require.NoError(t, s.Append(chA, stA, entry(alice, 1, 100)))
	require.NoError(t, s.Append(chA, stA, entry(alice, 2, 200)))

	got := s.GetAll(chA, stA)
	require.Len(t, got, 3)
	assert.Equal(t, alice, got[0].Author)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, alice, got[1].Author)
	assert.Equal(t, uint64(2), got[1].Sequence)
	assert.Equal(t, bob, got[2].Author)
}

func TestGetAllReturnsDefensiveCopy(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(chA, stA, entry(alice, 1, 100, 0x01)))
	got := s.GetAll(chA, stA)
	got[0].Payload[0] = 0xFF
	got2 := s.GetAll(chA, stA)
	assert.Equal(t, byte(0x01), got2[0].Payload[0])
}

func TestUnknownStreamReturnsZeroValues(t *testing.T) {
	s := New()
	assert.Empty(t, s.GetAll(chA, stA))
	assert.Equal(t, 0, s.EntryCount(chA, stA))
	assert.Equal(t, 0, s.SizeBytes(chA, stA))
	assert.Equal(t, uint64(0), s.LatestSequence(chA, stA, alice))
	assert.True(t, s.GetVersionVector(chA, stA).Equal(vvector.New()))
}

func TestEntriesSinceReturnsOnlyMissingEntries(t *testing.T) {
	s := New()
	require.NoError(t, s.AppendAll(chA, stA, []logentry.Entry{
		entry(alice, 1, 100),
		entry(alice, 2, 200),
		entry(bob, 1, 150),
	}))

	since := vvector.New()
	since.Set(alice, 1)
	missing := s.EntriesSince(chA, stA, since)
	require.Len(t, missing, 2)
	for _, e := range missing {
		assert.False(t, e.Author == alice && e.Sequence == 1)
	}
}

func TestEntriesForAuthorAfter(t *testing.T) {
	s := New()
	require.NoError(t, s.AppendAll(chA, stA, []logentry.Entry{
		entry(alice, 1, 100),
		entry(alice, 2, 200),
		entry(alice, 3, 300),
	}))
	got := s.EntriesForAuthorAfter(chA, stA, alice, 1)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, uint64(3), got[1].Sequence)
}

func TestLatestSequenceTracksHighestPerAuthor(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(chA, stA, entry(alice, 1, 100)))
	require.NoError(t, s.Append(chA, stA, entry(alice, 2, 200)))
	assert.Equal(t, uint64(2), s.LatestSequence(chA, stA, alice))
	assert.Equal(t, uint64(0), s.LatestSequence(chA, stA, bob))
}

func TestGetVersionVectorReflectsLatestSequences(t *testing.T) {
	s := New()
	require.NoError(t, s.AppendAll(chA, stA, []logentry.Entry{
		entry(alice, 1, 100),
		entry(alice, 2, 200),
		entry(bob, 1, 150),
	}))
	vv := s.GetVersionVector(chA, stA)
	assert.Equal(t, uint64(2), vv.Get(alice))
	assert.Equal(t, uint64(1), vv.Get(bob))
}

func TestRemoveEntriesLeavesLatestSequenceIntact(t *testing.T) {
	s := New()
	e1 := entry(alice, 1, 100)
	e2 := entry(alice, 2, 200)
	require.NoError(t, s.AppendAll(chA, stA, []logentry.Entry{e1, e2}))

	require.NoError(t, s.RemoveEntries(chA, stA, []logentry.Id{e1.Id()}))
	got := s.GetAll(chA, stA)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, uint64(2), s.LatestSequence(chA, stA, alice), "compaction must not roll back latest-sequence tracking")
}

func TestSizeBytesTracksPayloadSum(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(chA, stA, entry(alice, 1, 100, 0x01, 0x02)))
	require.NoError(t, s.Append(chA, stA, entry(alice, 2, 200, 0x03)))
	assert.Equal(t, 3, s.SizeBytes(chA, stA))
}

func TestClearStreamRemovesOnlyThatStream(t *testing.T) {
	s := New()
	stB := ids.NewStreamId("st-b")
	require.NoError(t, s.Append(chA, stA, entry(alice, 1, 100)))
	require.NoError(t, s.Append(chA, stB, entry(alice, 1, 100)))

	require.NoError(t, s.ClearStream(chA, stA))
	assert.Empty(t, s.GetAll(chA, stA))
	assert.NotEmpty(t, s.GetAll(chA, stB))
}

func TestClearChannelRemovesAllItsStreams(t *testing.T) {
	s := New()
	stB := ids.NewStreamId("st-b")
	chB := ids.NewChannelId("ch-b")
	require.NoError(t, s.Append(chA, stA, entry(alice, 1, 100)))
	require.NoError(t, s.Append(chA, stB, entry(alice, 1, 100)))
	require.NoError(t, s.Append(chB, stA, entry(alice, 1, 100)))

	require.NoError(t, s.ClearChannel(chA))
	assert.Empty(t, s.GetAll(chA, stA))
	assert.Empty(t, s.GetAll(chA, stB))
	assert.NotEmpty(t, s.GetAll(chB, stA))
}
