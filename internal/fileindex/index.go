// Package fileindex implements the File Index (spec.md §4.E): the
// authoritative fileId -> FileDescriptor map, grounded on the teacher's
// internals/room.Room.MediaTracks map-with-mutex shape, generalized from
// media tracks to shared file descriptors.
package fileindex

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// FileDescriptor mirrors spec.md §3's FileDescriptor entity.
type FileDescriptor struct {
	FileID          string
	Title           string
	Artist          string
	Album           string
	DurationSeconds float64
	SizeBytes       uint64
	MimeType        string
	SHA256          string
	OwnerPeerID     string
	OwnerName       string
	AddedAt         time.Time
}

// RejectReason explains why one entry in a batch upsert/remove was refused,
// without failing the whole batch — spec.md §4.E rejects "individual
// entries", not the full SHARE_FILES message.
type RejectReason string

const (
	RejectTooLarge    RejectReason = "FILE_TOO_LARGE"
	RejectBadSHA256   RejectReason = "INVALID_MESSAGE"
	RejectIDCollision RejectReason = "REJECT_ID_COLLISION"
)

type Rejection struct {
	FileID string
	Reason RejectReason
}

// Index is the map fileId -> FileDescriptor plus its mutation operations.
type Index struct {
	mu    sync.RWMutex
	files map[string]FileDescriptor

	maxFileSize uint64
}

func New(maxFileSize uint64) *Index {
	return &Index{
		files:       make(map[string]FileDescriptor),
		maxFileSize: maxFileSize,
	}
}

// ErrRoomLocked is returned by UpsertMany when the caller is not admin and
// the caller passed isLocked=true. RemoveMany takes no lock state; the
// dispatcher checks the lock before calling it.
var ErrRoomLocked = fmt.Errorf("room is locked")

// UpsertMany applies a batch of caller-owned file descriptors. The whole
// call rejects with ErrRoomLocked if isLocked && !isAdmin (spec.md §4.E);
// otherwise individual entries are accepted or rejected independently and
// the accepted subset plus any rejections are returned so the dispatcher
// can broadcast INDEX_UPSERT and reply per-rejection.
func (idx *Index) UpsertMany(ownerPeerID, ownerName string, entries []FileDescriptor, isLocked, isAdmin bool) ([]FileDescriptor, []Rejection, error) {
	if isLocked && !isAdmin {
		return nil, nil, ErrRoomLocked
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var accepted []FileDescriptor
	var rejected []Rejection

	for _, fd := range entries {
		if fd.SizeBytes > idx.maxFileSize {
			rejected = append(rejected, Rejection{FileID: fd.FileID, Reason: RejectTooLarge})
			continue
		}
		if !sha256Pattern.MatchString(fd.SHA256) {
			rejected = append(rejected, Rejection{FileID: fd.FileID, Reason: RejectBadSHA256})
			continue
		}
		if existing, ok := idx.files[fd.FileID]; ok && existing.OwnerPeerID != ownerPeerID {
			rejected = append(rejected, Rejection{FileID: fd.FileID, Reason: RejectIDCollision})
			continue
		}

		fd.OwnerPeerID = ownerPeerID
		fd.OwnerName = ownerName
		fd.AddedAt = time.Now()
		idx.files[fd.FileID] = fd
		accepted = append(accepted, fd)
	}

	return accepted, rejected, nil
}

// RemoveMany removes entries owned by callerPeerID (or any entry, if
// isAdmin). Returns the fileIds actually removed.
func (idx *Index) RemoveMany(callerPeerID string, fileIDs []string, isAdmin bool) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []string
	for _, id := range fileIDs {
		fd, ok := idx.files[id]
		if !ok {
			continue
		}
		if !isAdmin && fd.OwnerPeerID != callerPeerID {
			continue
		}
		delete(idx.files, id)
		removed = append(removed, id)
	}
	return removed
}

// PurgeOwner removes every entry owned by peerID — used by the registry's
// OnTimeout/disconnect path to keep orphan purge atomic with peer removal
// (spec.md §3 invariant 1).
func (idx *Index) PurgeOwner(peerID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []string
	for id, fd := range idx.files {
		if fd.OwnerPeerID == peerID {
			delete(idx.files, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// FullSnapshot returns every entry for INDEX_FULL, taken atomically with
// respect to concurrent mutations (spec.md §4.E ordering guarantee).
func (idx *Index) FullSnapshot() []FileDescriptor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]FileDescriptor, 0, len(idx.files))
	for _, fd := range idx.files {
		out = append(out, fd)
	}
	return out
}

// Get looks up a single descriptor (used by the dispatcher to validate
// REQUEST_FILE and RELAY_PULL; the descriptor found for RELAY_PULL is what
// the relay broker later cross-checks RELAY_PUSH_META against).
func (idx *Index) Get(fileID string) (FileDescriptor, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	fd, ok := idx.files[fileID]
	return fd, ok
}

func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}
