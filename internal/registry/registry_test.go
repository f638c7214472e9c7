package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/transport"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func TestRegisterAddsNewPeer(t *testing.T) {
	r := New(time.Second, time.Second, testLogger())

	p := r.Register("peer1", Meta{DeviceName: "phone"}, &transport.Session{ID: "s1"})

	assert.Equal(t, "peer1", p.PeerID)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterSupersedesExistingSession(t *testing.T) {
	r := New(time.Second, time.Second, testLogger())
	var superseded *Peer
	r.OnSupersede = func(old *Peer) { superseded = old }

	first := r.Register("peer1", Meta{DeviceName: "phone"}, &transport.Session{ID: "s1"})
	second := r.Register("peer1", Meta{DeviceName: "phone-reconnect"}, &transport.Session{ID: "s2"})

	require.NotNil(t, superseded)
	assert.Equal(t, first, superseded)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("peer1")
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	r := New(time.Second, time.Second, testLogger())
	r.Register("peer1", Meta{}, &transport.Session{ID: "s1"})

	before := time.Now()
	time.Sleep(time.Millisecond)
	assert.True(t, r.Touch("peer1"))

	p, _ := r.Get("peer1")
	assert.True(t, p.LastSeen().After(before))
}

func TestTouchUnknownPeerReturnsFalse(t *testing.T) {
	r := New(time.Second, time.Second, testLogger())
	assert.False(t, r.Touch("ghost"))
}

func TestRemoveDeletesPeer(t *testing.T) {
	r := New(time.Second, time.Second, testLogger())
	r.Register("peer1", Meta{}, &transport.Session{ID: "s1"})

	p, ok := r.Remove("peer1")
	require.True(t, ok)
	assert.Equal(t, "peer1", p.PeerID)
	assert.Equal(t, 0, r.Count())
}

func TestRemoveIfRejectsStaleSession(t *testing.T) {
	r := New(time.Second, time.Second, testLogger())
	oldSess := &transport.Session{ID: "s1"}
	r.Register("peer1", Meta{}, oldSess)
	r.Register("peer1", Meta{}, &transport.Session{ID: "s2"}) // supersedes

	_, ok := r.RemoveIf("peer1", oldSess)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())
}

func TestLivenessSweepEvictsStalePeers(t *testing.T) {
	r := New(10*time.Millisecond, 20*time.Millisecond, testLogger())
	var timedOut []string
	r.OnTimeout = func(p *Peer) { timedOut = append(timedOut, p.PeerID) }

	r.Register("peer1", Meta{}, &transport.Session{ID: "s1"})
	r.StartLiveness()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"peer1"}, timedOut)
}
