// Package registry implements the Peer Registry (spec.md §4.C): the live
// set of authenticated peers keyed by peerId, with heartbeat-driven
// liveness, grounded on the teacher's internals/signaling Hub client map
// and internals/state.Manager session bookkeeping.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/metrics"
	"github.com/Matlemad/Pandemic-sub000/internal/transport"
)

// Platform/device metadata captured at HELLO time.
type Meta struct {
	DeviceName string
	Platform   string
	AppVersion string
	JoinedAt   time.Time
}

// Peer is one entry of the registry: a session handle plus metadata and
// the liveness clock, matching spec.md §3's Peer entity.
type Peer struct {
	PeerID   string
	Meta     Meta
	Session  *transport.Session
	lastSeen atomic64
}

type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// LastSeen returns the peer's last heartbeat/registration time.
func (p *Peer) LastSeen() time.Time { return p.lastSeen.get() }

// Registry is the keyed map peerId -> Peer plus the liveness sweep.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	logger           *zap.Logger
	heartbeatTimeout time.Duration
	heartbeatPeriod  time.Duration

	// OnSupersede fires synchronously from Register when an existing
	// session for the same peerId has been replaced, so the dispatcher can
	// close the old session with CloseReplaced. By the time it fires, the
	// new session already holds the map slot.
	OnSupersede func(old *Peer)

	// OnTimeout fires from the liveness sweep for every peer it evicts;
	// the dispatcher uses this to purge the file index and broadcast
	// PEER_LEFT, keeping orphan-purge atomic with peer removal (spec.md §3
	// invariant 1).
	OnTimeout func(p *Peer)

	stopCh chan struct{}
	once   sync.Once
}

func New(heartbeatPeriod, heartbeatTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		peers:            make(map[string]*Peer),
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		heartbeatPeriod:  heartbeatPeriod,
		stopCh:           make(chan struct{}),
	}
}

// Register installs a peer, idempotent-superseding any existing entry for
// the same peerId per spec.md §3 (second HELLO with an existing peerId
// supersedes the previous session).
func (r *Registry) Register(peerID string, meta Meta, session *transport.Session) *Peer {
	r.mu.Lock()
	existing := r.peers[peerID]
	p := &Peer{PeerID: peerID, Meta: meta, Session: session}
	p.lastSeen.set(time.Now())
	r.peers[peerID] = p
	r.mu.Unlock()

	if existing != nil {
		metrics.PeersReplacedTotal.Inc()
		if r.OnSupersede != nil {
			r.OnSupersede(existing)
		}
	} else {
		metrics.PeersRegisteredTotal.Inc()
	}
	metrics.PeersConnected.Set(float64(r.Count()))

	return p
}

// Touch refreshes a peer's liveness clock (HEARTBEAT or any valid message).
func (r *Registry) Touch(peerID string) bool {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	p.lastSeen.set(time.Now())
	return true
}

// Remove deletes a peer unconditionally (explicit LEAVE_ROOM). Socket close
// goes through RemoveIf instead.
func (r *Registry) Remove(peerID string) (*Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()
	if ok {
		metrics.PeersConnected.Set(float64(r.Count()))
	}
	return p, ok
}

// RemoveIf deletes peerID only if its current session still matches sess —
// guards against a late ReadPump teardown racing a Register that already
// superseded this peerId with a newer session.
func (r *Registry) RemoveIf(peerID string, sess *transport.Session) (*Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if ok && p.Session == sess {
		delete(r.peers, peerID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		metrics.PeersConnected.Set(float64(r.Count()))
	}
	return p, ok
}

func (r *Registry) Get(peerID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// Snapshot returns every currently registered peer.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// StartLiveness runs the HEARTBEAT_INTERVAL sweep that evicts peers whose
// lastSeen is older than HEARTBEAT_TIMEOUT (spec.md §4.C).
func (r *Registry) StartLiveness() {
	go func() {
		ticker := time.NewTicker(r.heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []*Peer
	for id, p := range r.peers {
		if p.LastSeen().Before(cutoff) {
			stale = append(stale, p)
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	metrics.PeersConnected.Set(float64(r.Count()))

	for _, p := range stale {
		metrics.PeersTimedOutTotal.Inc()
		r.logger.Info("peer timed out", zap.String("peerID", p.PeerID))
		if r.OnTimeout != nil {
			r.OnTimeout(p)
		}
	}
}

// Stop halts the liveness sweep goroutine.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}
