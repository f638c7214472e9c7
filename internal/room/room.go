// Package room implements the Room Manager (spec.md §4.D): the single
// active Room record, its lock flag, and admin authorization, grounded on
// the teacher's internals/room.Room lifecycle (NewRoom/Close/GetStats)
// generalized from a media room to a lock-gated file-sharing room.
package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Room mirrors spec.md §3's Room entity.
type Room struct {
	ID        string
	Name      string
	Locked    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manager holds the single Room record and decides admin status per
// spec.md §4.D / §3 invariant 3.
type Manager struct {
	mu   sync.RWMutex
	room *Room

	hostPeerID string
	adminToken string

	// OnMutated fires after every create/rename/lock change so the
	// dispatcher can re-broadcast ROOM_INFO and the announcer can
	// republish its TXT record, matching spec.md §4.D's "every mutation
	// notifies the Announcer" requirement.
	OnMutated func(*Room)
}

func NewManager(hostPeerID, adminToken string) *Manager {
	return &Manager{hostPeerID: hostPeerID, adminToken: adminToken}
}

// CreateOrUpdate creates the room if none exists yet, or renames/relocks
// the existing one. Exactly zero or one Room exists at any time (spec.md §3).
func (m *Manager) CreateOrUpdate(name string, locked bool) *Room {
	m.mu.Lock()
	now := time.Now()
	if m.room == nil {
		m.room = &Room{
			ID:        uuid.New().String(),
			Name:      name,
			Locked:    locked,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		m.room.Name = name
		m.room.Locked = locked
		m.room.UpdatedAt = now
	}
	snapshot := *m.room
	m.mu.Unlock()

	if m.OnMutated != nil {
		m.OnMutated(&snapshot)
	}
	return &snapshot
}

// SetLock flips the lock flag; the Announcer must reflect it within one
// advertisement interval (spec.md §3 invariant 2 / §4.A).
func (m *Manager) SetLock(locked bool) *Room {
	m.mu.Lock()
	if m.room == nil {
		m.mu.Unlock()
		return nil
	}
	m.room.Locked = locked
	m.room.UpdatedAt = time.Now()
	snapshot := *m.room
	m.mu.Unlock()

	if m.OnMutated != nil {
		m.OnMutated(&snapshot)
	}
	return &snapshot
}

// Get returns a copy of the current room, or nil if none exists yet.
func (m *Manager) Get() *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.room == nil {
		return nil
	}
	snapshot := *m.room
	return &snapshot
}

// IsLocked reports the current lock state (false if no room exists).
func (m *Manager) IsLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.room != nil && m.room.Locked
}

// IsAdmin reports whether peerID may bypass the room lock: either it
// matches the out-of-band configured hostPeerId (phone-hosted mode), or it
// presented the configured adminToken at HELLO (server mode). An empty
// adminToken disables admin-by-token, per spec.md §6 Configuration.
func (m *Manager) IsAdmin(peerID, presentedToken string) bool {
	if m.hostPeerID != "" && peerID == m.hostPeerID {
		return true
	}
	if m.adminToken != "" && presentedToken != "" && presentedToken == m.adminToken {
		return true
	}
	return false
}

// Close tears down the room at host shutdown. Not persisted beyond the
// process lifetime per spec.md §3/§1 non-goals.
func (m *Manager) Close() {
	m.mu.Lock()
	m.room = nil
	m.mu.Unlock()
}
