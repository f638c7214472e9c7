// Package dispatcher implements the Dispatcher (spec.md §4.G): it routes
// inbound (peerSession, frame) tuples to the component owning the
// affected state, applies admission/lock/size policy, and fans out
// notifications. Grounded on the teacher's internals/sfu.SFU message
// switch (handleSignalingMessage's type switch plus per-client rate
// limiting), generalized from WebRTC signaling verbs to the venue host's
// HELLO/JOIN_ROOM/SHARE_FILES/RELAY_* verbs.
package dispatcher

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Matlemad/Pandemic-sub000/internal/discovery"
	"github.com/Matlemad/Pandemic-sub000/internal/fileindex"
	"github.com/Matlemad/Pandemic-sub000/internal/metrics"
	"github.com/Matlemad/Pandemic-sub000/internal/protocol"
	"github.com/Matlemad/Pandemic-sub000/internal/registry"
	"github.com/Matlemad/Pandemic-sub000/internal/relay"
	"github.com/Matlemad/Pandemic-sub000/internal/room"
	"github.com/Matlemad/Pandemic-sub000/internal/transport"
)

// Dispatcher wires the Peer Registry (C), Room Manager (D), File Index
// (E), and Relay Broker (F) together behind the single message-routing
// entrypoint each session's ReadPump calls into.
type Dispatcher struct {
	logger *zap.Logger

	registry  *registry.Registry
	rooms     *room.Manager
	index     *fileindex.Index
	broker    *relay.Broker
	announcer *discovery.Announcer

	hostID         string
	maxFileMB      int
	roomPort       int
	rateLimitRPS   rate.Limit
	rateLimitBurst int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

type Options struct {
	HostID         string
	MaxFileMB      int
	RoomPort       int
	RateLimitRPS   int
	RateLimitBurst int
}

func New(reg *registry.Registry, rooms *room.Manager, index *fileindex.Index, broker *relay.Broker, announcer *discovery.Announcer, opts Options, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:         logger,
		registry:       reg,
		rooms:          rooms,
		index:          index,
		broker:         broker,
		announcer:      announcer,
		hostID:         opts.HostID,
		maxFileMB:      opts.MaxFileMB,
		roomPort:       opts.RoomPort,
		rateLimitRPS:   rate.Limit(opts.RateLimitRPS),
		rateLimitBurst: opts.RateLimitBurst,
		limiters:       make(map[string]*rate.Limiter),
	}

	reg.OnSupersede = func(old *registry.Peer) {
		// A second HELLO for the same peerId replaces the session, not the
		// peer: by the time this fires the registry already holds the new
		// session live under peerID, so this must NOT purge the index or
		// broadcast PEER_LEFT (that's onPeerGone, reserved for an actual
		// departure) — only the old session's own in-flight transfers are
		// torn down, keyed by session identity rather than peerId.
		old.Session.Close(protocol.CloseReplaced)
		d.broker.CancelForSession(old.Session)
	}
	reg.OnTimeout = func(p *registry.Peer) {
		p.Session.Close(protocol.CloseHeartbeatTimeout)
		d.onPeerGone(p.PeerID)
	}
	rooms.OnMutated = func(r *room.Room) {
		d.republishAnnouncer(r)
		d.broadcastRoomInfo(r)
	}

	return d
}

// BindSession wires a freshly-accepted session's callbacks to the
// dispatcher's routing entrypoints. Must be called before ReadPump/
// WritePump start.
func (d *Dispatcher) BindSession(s *transport.Session) {
	s.OnText = d.handleText
	s.SetBinaryHandler(d.handleBinary)
	s.OnClose = func(sess *transport.Session, code protocol.CloseCode) {
		d.onSessionClosed(sess)
	}
}

func (d *Dispatcher) limiterFor(peerID string) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	l, ok := d.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(d.rateLimitRPS, d.rateLimitBurst)
		d.limiters[peerID] = l
	}
	return l
}

func (d *Dispatcher) dropLimiter(peerID string) {
	d.limitersMu.Lock()
	delete(d.limiters, peerID)
	d.limitersMu.Unlock()
}

// handleText is the Session.OnText callback: one JSON frame in, zero or
// more replies/broadcasts out.
func (d *Dispatcher) handleText(s *transport.Session, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "malformed envelope")
		return
	}

	metrics.RecordMessageReceived(string(env.Type))

	if s.PeerID != "" {
		if !d.limiterFor(s.PeerID).Allow() {
			d.sendError(s, protocol.ErrInvalidMessage, "rate limit exceeded")
			return
		}
	}

	if env.Type != protocol.TypeHello && s.PeerID == "" {
		d.sendError(s, protocol.ErrNotRegistered, "HELLO required before any other message")
		return
	}

	if s.PeerID != "" {
		d.registry.Touch(s.PeerID)
	}

	switch env.Type {
	case protocol.TypeHello:
		d.handleHello(s, env.Data)
	case protocol.TypeJoinRoom:
		d.handleJoinRoom(s, env.Data)
	case protocol.TypeLeaveRoom:
		d.handleLeaveRoom(s)
	case protocol.TypeShareFiles:
		d.handleShareFiles(s, env.Data)
	case protocol.TypeUnshareFiles:
		d.handleUnshareFiles(s, env.Data)
	case protocol.TypeRequestFile:
		d.handleRequestFile(s, env.Data)
	case protocol.TypeRelayPull:
		d.handleRelayPull(s, env.Data)
	case protocol.TypeRelayPushMeta:
		d.handleRelayPushMeta(s, env.Data)
	case protocol.TypeRelayComplete:
		d.handleRelayComplete(s, env.Data)
	case protocol.TypeRelayError:
		d.handleRelayErrorMsg(s, env.Data)
	case protocol.TypeHeartbeat:
		d.registry.Touch(s.PeerID)
	default:
		d.sendError(s, protocol.ErrInvalidMessage, "unknown message type")
	}
}

// handleBinary is the Session.SetBinaryHandler callback: a relay chunk
// frame, routed straight to the broker.
func (d *Dispatcher) handleBinary(s *transport.Session, frame []byte) {
	transferID, payload, err := protocol.DecodeChunk(frame)
	if err != nil {
		d.logger.Debug("malformed binary frame, discarding", zap.Error(err))
		return
	}
	if s.PeerID == "" {
		return
	}
	d.registry.Touch(s.PeerID)
	d.broker.HandleChunk(transferID, s.PeerID, frame, len(payload))
}

func (d *Dispatcher) handleHello(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.Hello](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid HELLO")
		return
	}

	s.PeerID = msg.PeerID
	d.registry.Register(msg.PeerID, registry.Meta{
		DeviceName: msg.DeviceName,
		Platform:   string(msg.Platform),
		AppVersion: msg.AppVersion,
		JoinedAt:   time.Now(),
	}, s)

	s.AdminToken = msg.AdminToken

	d.sendJSON(s, protocol.TypeWelcome, protocol.Welcome{
		HostID: d.hostID,
		Capabilities: protocol.Capabilities{
			Relay:     true,
			MaxFileMB: d.maxFileMB,
		},
		TS: nowMillis(),
	})
}

func (d *Dispatcher) handleJoinRoom(s *transport.Session, data json.RawMessage) {
	if _, err := protocol.Decode[protocol.JoinRoom](data); err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid JOIN_ROOM")
		return
	}

	r := d.rooms.Get()
	if r == nil {
		d.sendError(s, protocol.ErrNoRoom, "no active room")
		return
	}

	d.sendJSON(s, protocol.TypeRoomInfo, roomInfoFor(r, d.hostID, d.registry.Count()))

	snapshot := d.index.FullSnapshot()
	d.sendJSON(s, protocol.TypeIndexFull, protocol.IndexFull{Files: toWireMany(snapshot), TS: nowMillis()})

	if s.PeerID != d.hostID {
		peer, ok := d.registry.Get(s.PeerID)
		if ok {
			d.broadcastExcept(s.PeerID, protocol.TypePeerJoined, protocol.PeerJoined{
				Peer: peerInfoFor(peer, d.sharedCount(s.PeerID)),
				TS:   nowMillis(),
			})
		}
	}
}

func (d *Dispatcher) handleLeaveRoom(s *transport.Session) {
	d.onPeerGone(s.PeerID)
	d.registry.Remove(s.PeerID)
}

func (d *Dispatcher) handleShareFiles(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.ShareFiles](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid SHARE_FILES")
		return
	}

	isAdmin := d.rooms.IsAdmin(s.PeerID, s.AdminToken)
	peer, ok := d.registry.Get(s.PeerID)
	ownerName := ""
	if ok {
		ownerName = peer.Meta.DeviceName
	}

	accepted, rejected, err := d.index.UpsertMany(s.PeerID, ownerName, fromWireMany(msg.Files), d.rooms.IsLocked(), isAdmin)
	if errors.Is(err, fileindex.ErrRoomLocked) {
		d.sendError(s, protocol.ErrRoomLocked, "room is locked")
		return
	}

	for _, rej := range rejected {
		d.sendError(s, protocol.ErrorCode(rej.Reason), "file "+rej.FileID+" rejected")
	}

	if len(accepted) > 0 {
		metrics.RecordIndexMutation("upsert")
		metrics.IndexFiles.Set(float64(d.index.Count()))
		d.broadcastAll(protocol.TypeIndexUpsert, protocol.IndexUpsert{Files: toWireMany(accepted), TS: nowMillis()})
	}
}

func (d *Dispatcher) handleUnshareFiles(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.UnshareFiles](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid UNSHARE_FILES")
		return
	}

	isAdmin := d.rooms.IsAdmin(s.PeerID, s.AdminToken)
	if d.rooms.IsLocked() && !isAdmin {
		d.sendError(s, protocol.ErrRoomLocked, "room is locked")
		return
	}
	removed := d.index.RemoveMany(s.PeerID, msg.FileIDs, isAdmin)
	if len(removed) == 0 {
		return
	}

	metrics.RecordIndexMutation("remove")
	metrics.IndexFiles.Set(float64(d.index.Count()))
	d.broadcastAll(protocol.TypeIndexRemove, protocol.IndexRemove{FileIDs: removed, TS: nowMillis()})
}

func (d *Dispatcher) handleRequestFile(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.RequestFile](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid REQUEST_FILE")
		return
	}

	if _, ok := d.index.Get(msg.FileID); !ok {
		d.sendError(s, protocol.ErrFileNotFound, "file not found")
		return
	}

	d.sendJSON(s, protocol.TypeFileOffer, protocol.FileOffer{
		FileID:      msg.FileID,
		OwnerPeerID: msg.OwnerPeerID,
		Relay:       true,
		TS:          nowMillis(),
	})
}

func (d *Dispatcher) handleRelayPull(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.RelayPull](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid RELAY_PULL")
		return
	}

	fd, ok := d.index.Get(msg.FileID)
	if !ok {
		d.sendError(s, protocol.ErrFileNotFound, "file not found")
		return
	}

	ownerPeer, ok := d.registry.Get(fd.OwnerPeerID)
	if !ok {
		d.sendError(s, protocol.ErrOwnerOffline, "owner not connected")
		return
	}

	_, err = d.broker.HandlePull(fd, msg.TransferID, s.PeerID, s, ownerPeer.Session)
	if errors.Is(err, relay.ErrTransferExists) {
		d.sendError(s, protocol.ErrTransferExists, "duplicate transferId")
		return
	}
}

func (d *Dispatcher) handleRelayPushMeta(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.RelayPushMeta](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid RELAY_PUSH_META")
		return
	}

	_, err = d.broker.HandlePushMeta(msg.TransferID, s.PeerID, msg.Size, msg.MimeType, msg.SHA256)
	switch {
	case errors.Is(err, relay.ErrTransferMissing):
		d.sendError(s, protocol.ErrTransferMissing, "unknown transfer")
	case errors.Is(err, relay.ErrNotOwner), errors.Is(err, relay.ErrWrongState):
		d.sendError(s, protocol.ErrTransferMissing, "transfer not in a state that accepts RELAY_PUSH_META")
	case errors.Is(err, relay.ErrFileTooLarge):
		d.sendError(s, protocol.ErrFileTooLarge, "declared size exceeds maxFileMB")
	case errors.Is(err, relay.ErrSizeMismatch):
		d.sendError(s, protocol.ErrSizeMismatch, "declared metadata disagrees with the index entry")
	}
}

func (d *Dispatcher) handleRelayComplete(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.RelayComplete](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid RELAY_COMPLETE")
		return
	}

	_, err = d.broker.HandleComplete(msg.TransferID, s.PeerID)
	switch {
	case errors.Is(err, relay.ErrTransferMissing):
		d.sendError(s, protocol.ErrTransferMissing, "unknown transfer")
	case errors.Is(err, relay.ErrNotOwner), errors.Is(err, relay.ErrWrongState):
		d.sendError(s, protocol.ErrTransferMissing, "transfer not in UPLOADING")
	}
}

func (d *Dispatcher) handleRelayErrorMsg(s *transport.Session, data json.RawMessage) {
	msg, err := protocol.Decode[protocol.RelayError](data)
	if err != nil {
		d.sendError(s, protocol.ErrInvalidMessage, "invalid RELAY_ERROR")
		return
	}
	if _, err := d.broker.HandleRelayError(msg.TransferID, protocol.ErrCancelled); errors.Is(err, relay.ErrTransferMissing) {
		d.sendError(s, protocol.ErrTransferMissing, "unknown transfer")
	}
}

// onSessionClosed fires when ReadPump exits for any reason (socket error,
// explicit Close). Removes the peer unless it's already been superseded
// by a newer session for the same peerId.
func (d *Dispatcher) onSessionClosed(s *transport.Session) {
	if s.PeerID == "" {
		return
	}
	if _, removed := d.registry.RemoveIf(s.PeerID, s); removed {
		d.onPeerGone(s.PeerID)
	}
}

// onPeerGone implements the atomic "peer removal purges owned files and
// active transfers, then broadcasts PEER_LEFT" chain of spec.md §3
// invariant 1 / §4.C.
func (d *Dispatcher) onPeerGone(peerID string) {
	d.dropLimiter(peerID)
	d.broker.CancelForPeer(peerID)

	removed := d.index.PurgeOwner(peerID)
	if len(removed) > 0 {
		metrics.RecordIndexMutation("purge")
		metrics.IndexFiles.Set(float64(d.index.Count()))
		d.broadcastAll(protocol.TypeIndexRemove, protocol.IndexRemove{FileIDs: removed, TS: nowMillis()})
	}

	d.broadcastAll(protocol.TypePeerLeft, protocol.PeerLeft{PeerID: peerID, TS: nowMillis()})
}

func (d *Dispatcher) republishAnnouncer(r *room.Room) {
	d.announcer.Publish(discovery.Record{
		RoomName: r.Name,
		RoomID:   r.ID,
		Locked:   r.Locked,
		Port:     d.roomPort,
	})
}

func (d *Dispatcher) broadcastRoomInfo(r *room.Room) {
	d.broadcastAll(protocol.TypeRoomInfo, roomInfoFor(r, d.hostID, d.registry.Count()))
}

func (d *Dispatcher) broadcastAll(t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		d.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}
	for _, p := range d.registry.Snapshot() {
		p.Session.SendText(data)
	}
}

func (d *Dispatcher) broadcastExcept(exceptPeerID string, t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		d.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}
	for _, p := range d.registry.Snapshot() {
		if p.PeerID == exceptPeerID {
			continue
		}
		p.Session.SendText(data)
	}
}

func (d *Dispatcher) sendJSON(s *transport.Session, t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		d.logger.Error("failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	s.SendText(data)
}

func (d *Dispatcher) sendError(s *transport.Session, code protocol.ErrorCode, message string) {
	metrics.RecordMessageRejected(string(code))
	d.sendJSON(s, protocol.TypeError, protocol.Error{Code: code, Message: message, TS: nowMillis()})
}

func (d *Dispatcher) sharedCount(peerID string) int {
	count := 0
	for _, fd := range d.index.FullSnapshot() {
		if fd.OwnerPeerID == peerID {
			count++
		}
	}
	return count
}

func roomInfoFor(r *room.Room, hostID string, peerCount int) protocol.RoomInfo {
	return protocol.RoomInfo{
		RoomID:    r.ID,
		RoomName:  r.Name,
		HostID:    hostID,
		PeerCount: peerCount,
		Locked:    r.Locked,
		TS:        nowMillis(),
	}
}

func peerInfoFor(p *registry.Peer, sharedFileCount int) protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID:          p.PeerID,
		DeviceName:      p.Meta.DeviceName,
		Platform:        p.Meta.Platform,
		SharedFileCount: sharedFileCount,
	}
}

func toWireMany(files []fileindex.FileDescriptor) []protocol.FileDescriptorWire {
	out := make([]protocol.FileDescriptorWire, 0, len(files))
	for _, fd := range files {
		out = append(out, protocol.FileDescriptorWire{
			FileID:          fd.FileID,
			Title:           fd.Title,
			Artist:          fd.Artist,
			Album:           fd.Album,
			DurationSeconds: fd.DurationSeconds,
			SizeBytes:       fd.SizeBytes,
			MimeType:        fd.MimeType,
			SHA256:          fd.SHA256,
			OwnerPeerID:     fd.OwnerPeerID,
			OwnerName:       fd.OwnerName,
			AddedAt:         fd.AddedAt.UnixMilli(),
		})
	}
	return out
}

func fromWireMany(files []protocol.FileDescriptorWire) []fileindex.FileDescriptor {
	out := make([]fileindex.FileDescriptor, 0, len(files))
	for _, fd := range files {
		out = append(out, fileindex.FileDescriptor{
			FileID:          fd.FileID,
			Title:           fd.Title,
			Artist:          fd.Artist,
			Album:           fd.Album,
			DurationSeconds: fd.DurationSeconds,
			SizeBytes:       fd.SizeBytes,
			MimeType:        fd.MimeType,
			SHA256:          fd.SHA256,
		})
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
