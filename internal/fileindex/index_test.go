package fileindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestUpsertManyAcceptsValidEntries(t *testing.T) {
	idx := New(50 * 1024 * 1024)

	accepted, rejected, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "Song", SizeBytes: 1024, SHA256: validSHA},
	}, false, false)

	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Len(t, accepted, 1)
	assert.Equal(t, "peer1", accepted[0].OwnerPeerID)
	assert.Equal(t, "Alice", accepted[0].OwnerName)
	assert.Equal(t, 1, idx.Count())
}

func TestUpsertManyRejectsOversizedFile(t *testing.T) {
	idx := New(10)

	_, rejected, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "Big", SizeBytes: 999999, SHA256: validSHA},
	}, false, false)

	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, RejectTooLarge, rejected[0].Reason)
	assert.Equal(t, 0, idx.Count())
}

func TestUpsertManyRejectsMalformedSHA256(t *testing.T) {
	idx := New(50 * 1024 * 1024)

	_, rejected, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "Bad hash", SizeBytes: 10, SHA256: "nothex"},
	}, false, false)

	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, RejectBadSHA256, rejected[0].Reason)
}

func TestUpsertManyRejectsIDCollisionFromDifferentOwner(t *testing.T) {
	idx := New(50 * 1024 * 1024)

	_, _, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "Song", SizeBytes: 10, SHA256: validSHA},
	}, false, false)
	require.NoError(t, err)

	_, rejected, err := idx.UpsertMany("peer2", "Bob", []FileDescriptor{
		{FileID: "f1", Title: "Different owner, same id", SizeBytes: 10, SHA256: validSHA},
	}, false, false)

	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, RejectIDCollision, rejected[0].Reason)
}

func TestUpsertManySameOwnerOverwritesExistingEntry(t *testing.T) {
	idx := New(50 * 1024 * 1024)

	_, _, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "v1", SizeBytes: 10, SHA256: validSHA},
	}, false, false)
	require.NoError(t, err)

	accepted, rejected, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "v2", SizeBytes: 20, SHA256: validSHA},
	}, false, false)

	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Len(t, accepted, 1)
	assert.Equal(t, "v2", accepted[0].Title)
	assert.Equal(t, 1, idx.Count())
}

func TestUpsertManyRejectsNonAdminWhenLocked(t *testing.T) {
	idx := New(50 * 1024 * 1024)

	_, _, err := idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "Song", SizeBytes: 10, SHA256: validSHA},
	}, true, false)

	assert.ErrorIs(t, err, ErrRoomLocked)
	assert.Equal(t, 0, idx.Count())
}

func TestUpsertManyAllowsAdminWhenLocked(t *testing.T) {
	idx := New(50 * 1024 * 1024)

	accepted, _, err := idx.UpsertMany("admin", "Host", []FileDescriptor{
		{FileID: "f1", Title: "Song", SizeBytes: 10, SHA256: validSHA},
	}, true, true)

	require.NoError(t, err)
	assert.Len(t, accepted, 1)
}

func TestRemoveManyOnlyRemovesOwnedFiles(t *testing.T) {
	idx := New(50 * 1024 * 1024)
	idx.UpsertMany("peer1", "Alice", []FileDescriptor{{FileID: "f1", Title: "a", SizeBytes: 1, SHA256: validSHA}}, false, false)
	idx.UpsertMany("peer2", "Bob", []FileDescriptor{{FileID: "f2", Title: "b", SizeBytes: 1, SHA256: validSHA}}, false, false)

	removed := idx.RemoveMany("peer1", []string{"f1", "f2"}, false)

	assert.Equal(t, []string{"f1"}, removed)
	assert.Equal(t, 1, idx.Count())
}

func TestRemoveManyAdminRemovesAnyFile(t *testing.T) {
	idx := New(50 * 1024 * 1024)
	idx.UpsertMany("peer1", "Alice", []FileDescriptor{{FileID: "f1", Title: "a", SizeBytes: 1, SHA256: validSHA}}, false, false)

	removed := idx.RemoveMany("admin", []string{"f1"}, true)

	assert.Equal(t, []string{"f1"}, removed)
	assert.Equal(t, 0, idx.Count())
}

func TestPurgeOwnerRemovesEveryEntryForThatPeer(t *testing.T) {
	idx := New(50 * 1024 * 1024)
	idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "a", SizeBytes: 1, SHA256: validSHA},
		{FileID: "f2", Title: "b", SizeBytes: 1, SHA256: validSHA},
	}, false, false)
	idx.UpsertMany("peer2", "Bob", []FileDescriptor{{FileID: "f3", Title: "c", SizeBytes: 1, SHA256: validSHA}}, false, false)

	removed := idx.PurgeOwner("peer1")

	assert.ElementsMatch(t, []string{"f1", "f2"}, removed)
	assert.Equal(t, 1, idx.Count())
	_, ok := idx.Get("f3")
	assert.True(t, ok)
}

func TestFullSnapshotReturnsEveryEntry(t *testing.T) {
	idx := New(50 * 1024 * 1024)
	idx.UpsertMany("peer1", "Alice", []FileDescriptor{
		{FileID: "f1", Title: "a", SizeBytes: 1, SHA256: validSHA},
		{FileID: "f2", Title: "b", SizeBytes: 1, SHA256: validSHA},
	}, false, false)

	snapshot := idx.FullSnapshot()
	assert.Len(t, snapshot, 2)
}
