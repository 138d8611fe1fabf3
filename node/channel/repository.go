package channel

import (
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/vvector"
)

// EntryRepository is the entry-storage contract consumed by the channel
// aggregate (spec §4.1 "Entry repository contract"). Operations are keyed
// by (channelId, streamId). node/entrystore provides the in-memory
// implementation the spec says "suffices for testing."
type EntryRepository interface {
	Append(channel ids.ChannelId, stream ids.StreamId, entry logentry.Entry) error
	AppendAll(channel ids.ChannelId, stream ids.StreamId, entries []logentry.Entry) error
	GetAll(channel ids.ChannelId, stream ids.StreamId) []logentry.Entry
	EntriesSince(channel ids.ChannelId, stream ids.StreamId, since vvector.VersionVector) []logentry.Entry
	EntriesForAuthorAfter(channel ids.ChannelId, stream ids.StreamId, author ids.NodeId, afterSequence uint64) []logentry.Entry
	LatestSequence(channel ids.ChannelId, stream ids.StreamId, author ids.NodeId) uint64
	EntryCount(channel ids.ChannelId, stream ids.StreamId) int
	SizeBytes(channel ids.ChannelId, stream ids.StreamId) int
	GetVersionVector(channel ids.ChannelId, stream ids.StreamId) vvector.VersionVector
	RemoveEntries(channel ids.ChannelId, stream ids.StreamId, entryIDs []logentry.Id) error
	ClearStream(channel ids.ChannelId, stream ids.StreamId) error
	ClearChannel(channel ids.ChannelId) error
}
