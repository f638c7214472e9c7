// Package relay implements the Relay Broker (spec.md §4.F): it matches a
// requester's RELAY_PULL to an owner's RELAY_PUSH_META, carries chunk
// bytes between the two sessions, and tracks per-transfer progress and
// terminal state. Grounded on the teacher's internals/sfu track-forwarding
// loop (pull from one peer's track, push to every subscriber), generalized
// from RTP packet forwarding to whole-file chunk forwarding with an
// explicit state machine instead of an always-flowing media stream.
package relay

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/fileindex"
	"github.com/Matlemad/Pandemic-sub000/internal/metrics"
	"github.com/Matlemad/Pandemic-sub000/internal/protocol"
	"github.com/Matlemad/Pandemic-sub000/internal/transport"
)

// State is a Transfer's position in the state machine of spec.md §4.F.
type State string

const (
	StatePending   State = "PENDING"
	StateUploading State = "UPLOADING"
	StateComplete  State = "COMPLETE"
	StateError     State = "ERROR"
	StateCancelled State = "CANCELLED"
)

// Transfer mirrors spec.md §3's Transfer entity plus the bookkeeping the
// broker needs to forward chunks and throttle progress.
type Transfer struct {
	TransferID      string
	FileID          string
	RequesterPeerID string
	OwnerPeerID     string

	Size     uint64
	MimeType string
	SHA256   string

	mu               sync.Mutex
	state            State
	bytesTransferred uint64
	startedAt        time.Time
	lastChunkAt      time.Time
	lastProgressAt   time.Time
	lastProgressBytes  uint64 // bytesTransferred value at the last progress emit

	requesterSession *transport.Session
	ownerSession     *transport.Session

	inFlight chan struct{}

	expectedSize   uint64
	expectedSHA256 string

	timer *time.Timer // linger/removal timer, guarded by broker.mu
}

func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transfer) BytesTransferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesTransferred
}

// Errors returned to the dispatcher so it can map them to wire ErrorCodes.
var (
	ErrTransferExists  = errors.New("transfer already exists")
	ErrTransferMissing = errors.New("transfer not found")
	ErrWrongState      = errors.New("transfer not in expected state")
	ErrNotOwner        = errors.New("caller is not the transfer's owner")
	ErrFileTooLarge    = errors.New("declared size exceeds maximum file size")
	ErrSizeMismatch    = errors.New("declared size or sha256 disagrees with index")
)

// Broker owns every in-flight Transfer.
type Broker struct {
	mu        sync.Mutex
	transfers map[string]*Transfer

	logger *zap.Logger

	idleTimeout      time.Duration
	lingerTimeout    time.Duration
	sendTimeout      time.Duration
	progressInterval time.Duration
	progressBytes    uint64
	maxFileSize      uint64
	chunkSize        uint64
	maxInFlightBytes uint64

	stopCh chan struct{}
	once   sync.Once
}

type Options struct {
	IdleTimeout      time.Duration
	LingerTimeout    time.Duration
	SendTimeout      time.Duration
	ProgressInterval time.Duration
	ProgressBytes    uint64
	MaxFileSize      uint64
	ChunkSize        uint64
	MaxInFlightBytes uint64
}

func New(opts Options, logger *zap.Logger) *Broker {
	return &Broker{
		transfers:        make(map[string]*Transfer),
		logger:           logger,
		idleTimeout:      opts.IdleTimeout,
		lingerTimeout:    opts.LingerTimeout,
		sendTimeout:      opts.SendTimeout,
		progressInterval: opts.ProgressInterval,
		progressBytes:    opts.ProgressBytes,
		maxFileSize:      opts.MaxFileSize,
		chunkSize:        opts.ChunkSize,
		maxInFlightBytes: opts.MaxInFlightBytes,
		stopCh:           make(chan struct{}),
	}
}

// HandlePull implements spec.md §4.F step 1-2: validates there's no
// conflicting transferId, records a PENDING Transfer, and forwards
// RELAY_PULL to the owner's session. The caller (dispatcher) is expected
// to have already checked that fd exists in the index and the owner is
// live; HandlePull only owns the transferId-uniqueness check, which is
// broker-local state.
func (b *Broker) HandlePull(fd fileindex.FileDescriptor, transferID, requesterPeerID string, requesterSession, ownerSession *transport.Session) (*Transfer, error) {
	b.mu.Lock()
	if _, exists := b.transfers[transferID]; exists {
		b.mu.Unlock()
		return nil, ErrTransferExists
	}

	capacity := int(b.maxInFlightBytes / b.chunkSize)
	if capacity < 1 {
		capacity = 1
	}

	tr := &Transfer{
		TransferID:       transferID,
		FileID:           fd.FileID,
		RequesterPeerID:  requesterPeerID,
		OwnerPeerID:      fd.OwnerPeerID,
		state:            StatePending,
		requesterSession: requesterSession,
		ownerSession:     ownerSession,
		inFlight:         make(chan struct{}, capacity),
		expectedSize:     fd.SizeBytes,
		expectedSHA256:   fd.SHA256,
	}
	b.transfers[transferID] = tr
	b.mu.Unlock()

	metrics.TransfersActive.Inc()

	b.sendJSON(ownerSession, protocol.TypeRelayPull, protocol.RelayPull{
		FileID:          fd.FileID,
		TransferID:      transferID,
		RequesterPeerID: requesterPeerID,
		TS:              nowMillis(),
	})

	return tr, nil
}

// HandlePushMeta implements spec.md §4.F step 3: the owner declares the
// transfer's metadata. It must cross-check cleanly against the index
// entry captured at pull time and against MAX_FILE_SIZE.
func (b *Broker) HandlePushMeta(transferID, callerPeerID string, size uint64, mimeType, sha256 string) (*Transfer, error) {
	tr, err := b.get(transferID)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	if tr.state != StatePending {
		tr.mu.Unlock()
		return tr, ErrWrongState
	}
	if tr.OwnerPeerID != callerPeerID {
		tr.mu.Unlock()
		return tr, ErrNotOwner
	}

	if size > b.maxFileSize {
		tr.state = StateError
		tr.mu.Unlock()
		b.scheduleRemoval(transferID)
		metrics.RecordTransferTerminal("error")
		return tr, ErrFileTooLarge
	}
	if size != tr.expectedSize || sha256 != tr.expectedSHA256 {
		tr.state = StateError
		tr.mu.Unlock()
		b.scheduleRemoval(transferID)
		metrics.RecordTransferTerminal("error")
		return tr, ErrSizeMismatch
	}

	now := time.Now()
	tr.Size = size
	tr.MimeType = mimeType
	tr.SHA256 = sha256
	tr.state = StateUploading
	tr.startedAt = now
	tr.lastChunkAt = now
	tr.lastProgressAt = now
	tr.mu.Unlock()

	b.sendJSON(tr.requesterSession, protocol.TypeTransferStart, protocol.TransferStart{
		TransferID: transferID,
		FileID:     tr.FileID,
		Size:       size,
		MimeType:   mimeType,
		TS:         nowMillis(),
	})

	return tr, nil
}

// HandleChunk implements spec.md §4.F step 4: forwards one binary chunk
// frame verbatim to the requester, applying MAX_IN_FLIGHT_BYTES
// backpressure and throttled TRANSFER_PROGRESS emission. Called
// synchronously from the owner's ReadPump, so blocking here (because the
// requester's queue is full) naturally stops the broker from reading
// further owner chunks, per spec.md §5.
func (b *Broker) HandleChunk(transferID, senderPeerID string, frame []byte, payloadLen int) {
	tr, err := b.get(transferID)
	if err != nil {
		b.logger.Debug("chunk for unknown transfer, discarding", zap.String("transferID", transferID))
		return
	}

	tr.mu.Lock()
	if tr.state != StateUploading || tr.OwnerPeerID != senderPeerID {
		tr.mu.Unlock()
		b.logger.Debug("chunk for transfer not in UPLOADING or wrong sender, discarding",
			zap.String("transferID", transferID), zap.String("state", string(tr.state)))
		return
	}
	requester := tr.requesterSession
	tr.mu.Unlock()

	select {
	case tr.inFlight <- struct{}{}:
	case <-time.After(b.idleTimeout):
		b.terminate(tr, StateError, protocol.ErrStalled)
		return
	}

	err = requester.SendBinaryBlocking(frame, b.sendTimeout)
	<-tr.inFlight

	if err != nil {
		b.logger.Warn("requester send failed, terminating transfer", zap.String("transferID", transferID), zap.Error(err))
		b.terminate(tr, StateError, protocol.ErrRequesterGone)
		return
	}

	tr.mu.Lock()
	tr.bytesTransferred += uint64(payloadLen)
	tr.lastChunkAt = time.Now()
	bytesSinceProgress := tr.bytesTransferred - tr.lastProgressBytes
	dueByTime := time.Since(tr.lastProgressAt) >= b.progressInterval
	dueByBytes := bytesSinceProgress >= b.progressBytes
	var emit bool
	if dueByTime || dueByBytes {
		emit = true
		tr.lastProgressAt = time.Now()
		tr.lastProgressBytes = tr.bytesTransferred
	}
	transferred := tr.bytesTransferred
	tr.mu.Unlock()

	metrics.BytesRelayedTotal.Add(float64(payloadLen))

	if emit {
		b.sendJSON(requester, protocol.TypeTransferProg, protocol.TransferProgress{
			TransferID:       transferID,
			BytesTransferred: transferred,
			TS:               nowMillis(),
		})
	}
}

// HandleComplete implements spec.md §4.F step 5: the owner declares the
// upload finished. Transitions to COMPLETE iff bytesTransferred == size.
func (b *Broker) HandleComplete(transferID, callerPeerID string) (*Transfer, error) {
	tr, err := b.get(transferID)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	if tr.state != StateUploading {
		tr.mu.Unlock()
		return tr, ErrWrongState
	}
	if tr.OwnerPeerID != callerPeerID {
		tr.mu.Unlock()
		return tr, ErrNotOwner
	}

	ok := tr.bytesTransferred == tr.Size
	if ok {
		tr.state = StateComplete
	} else {
		tr.state = StateError
	}
	requester := tr.requesterSession
	sha := tr.SHA256
	fileID := tr.FileID
	tr.mu.Unlock()

	b.scheduleRemoval(transferID)

	if ok {
		b.sendJSON(requester, protocol.TypeTransferDone, protocol.TransferComplete{
			TransferID: transferID,
			FileID:     fileID,
			SHA256:     sha,
			TS:         nowMillis(),
		})
		metrics.RecordTransferTerminal("complete")
		return tr, nil
	}

	b.sendJSON(requester, protocol.TypeError, protocol.Error{
		Code:    protocol.ErrSizeMismatch,
		Message: "owner reported completion with mismatched byte count",
		TS:      nowMillis(),
	})
	metrics.RecordTransferTerminal("error")
	return tr, ErrSizeMismatch
}

// HandleRelayError implements "RELAY_ERROR | transfer exists | terminates
// transfer ERROR": the owner (or requester) signals a failure out of band.
func (b *Broker) HandleRelayError(transferID string, reason protocol.ErrorCode) (*Transfer, error) {
	tr, err := b.get(transferID)
	if err != nil {
		return nil, err
	}
	b.terminate(tr, StateError, reason)
	return tr, nil
}

// CancelForPeer tears down every transfer in which peerID is a party,
// notifying the counterparty, matching spec.md §4.F's "owner disconnects"
// / "requester disconnects" failure policy.
func (b *Broker) CancelForPeer(peerID string) {
	b.mu.Lock()
	var affected []*Transfer
	for _, tr := range b.transfers {
		tr.mu.Lock()
		isOwner := tr.OwnerPeerID == peerID
		isRequester := tr.RequesterPeerID == peerID
		active := tr.state == StatePending || tr.state == StateUploading
		tr.mu.Unlock()
		if active && (isOwner || isRequester) {
			affected = append(affected, tr)
		}
	}
	b.mu.Unlock()

	for _, tr := range affected {
		tr.mu.Lock()
		isOwner := tr.OwnerPeerID == peerID
		counterparty := tr.requesterSession
		reason := protocol.ErrOwnerGone
		if !isOwner {
			counterparty = tr.ownerSession
			reason = protocol.ErrRequesterGone
		}
		tr.mu.Unlock()

		state := StateCancelled
		if isOwner {
			state = StateError
		}
		b.terminateNotify(tr, state, reason, counterparty, isOwner)
	}
}

// CancelForSession tears down every transfer in which sess is the owner or
// requester session, keyed on session identity rather than peerId. Used for
// a reconnect (HELLO supersession): the old session is gone but the peerId
// is immediately live again under the new session, so matching by peerId
// would wrongly cancel the reconnecting peer's brand-new transfers too.
func (b *Broker) CancelForSession(sess *transport.Session) {
	b.mu.Lock()
	var affected []*Transfer
	for _, tr := range b.transfers {
		tr.mu.Lock()
		isOwner := tr.ownerSession == sess
		isRequester := tr.requesterSession == sess
		active := tr.state == StatePending || tr.state == StateUploading
		tr.mu.Unlock()
		if active && (isOwner || isRequester) {
			affected = append(affected, tr)
		}
	}
	b.mu.Unlock()

	for _, tr := range affected {
		tr.mu.Lock()
		isOwner := tr.ownerSession == sess
		counterparty := tr.requesterSession
		reason := protocol.ErrOwnerGone
		if !isOwner {
			counterparty = tr.ownerSession
			reason = protocol.ErrRequesterGone
		}
		tr.mu.Unlock()

		state := StateCancelled
		if isOwner {
			state = StateError
		}
		b.terminateNotify(tr, state, reason, counterparty, isOwner)
	}
}

func (b *Broker) terminate(tr *Transfer, state State, reason protocol.ErrorCode) {
	tr.mu.Lock()
	if tr.state != StatePending && tr.state != StateUploading {
		tr.mu.Unlock()
		return
	}
	tr.state = state
	requester := tr.requesterSession
	ownerSess := tr.ownerSession
	tr.mu.Unlock()

	b.sendJSON(requester, protocol.TypeError, protocol.Error{Code: reason, Message: string(reason), TS: nowMillis()})
	b.sendJSON(ownerSess, protocol.TypeRelayError, protocol.RelayError{TransferID: tr.TransferID, Error: reason, TS: nowMillis()})

	metrics.RecordTransferTerminal(metricState(state))
	b.scheduleRemoval(tr.TransferID)
}

// terminateNotify tells only the counterparty of the departed peer.
// Per spec.md's failure policy, an owner-gone transfer reports ERROR to the
// requester (it was waiting on a reply, not a relay message), while a
// requester-gone transfer reports RELAY_ERROR to the owner (it was mid
// push, and RELAY_ERROR is the owner-side transfer channel).
func (b *Broker) terminateNotify(tr *Transfer, state State, reason protocol.ErrorCode, counterparty *transport.Session, ownerGone bool) {
	tr.mu.Lock()
	if tr.state != StatePending && tr.state != StateUploading {
		tr.mu.Unlock()
		return
	}
	tr.state = state
	tr.mu.Unlock()

	if ownerGone {
		b.sendJSON(counterparty, protocol.TypeError, protocol.Error{Code: reason, Message: string(reason), TS: nowMillis()})
	} else {
		b.sendJSON(counterparty, protocol.TypeRelayError, protocol.RelayError{TransferID: tr.TransferID, Error: reason, TS: nowMillis()})
	}
	metrics.RecordTransferTerminal(metricState(state))
	b.scheduleRemoval(tr.TransferID)
}

func metricState(s State) string {
	switch s {
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// scheduleRemoval implements the TRANSFER_LINGER_MS grace period: terminal
// transfers stay lookup-able for a short window so a late duplicate chunk
// or cancel is rejected rather than silently creating a fresh transfer.
func (b *Broker) scheduleRemoval(transferID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.transfers[transferID]
	if !ok {
		return
	}
	if tr.timer != nil {
		return
	}
	tr.timer = time.AfterFunc(b.lingerTimeout, func() {
		b.mu.Lock()
		delete(b.transfers, transferID)
		b.mu.Unlock()
		metrics.TransfersActive.Dec()
	})
}

func (b *Broker) get(transferID string) (*Transfer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.transfers[transferID]
	if !ok {
		return nil, ErrTransferMissing
	}
	return tr, nil
}

// StartIdleSweep runs the IDLE_TRANSFER_TIMEOUT watchdog: an UPLOADING
// transfer that hasn't seen a chunk in idleTimeout is terminated STALLED.
func (b *Broker) StartIdleSweep() {
	go func() {
		ticker := time.NewTicker(b.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.sweepIdle()
			}
		}
	}()
}

func (b *Broker) sweepIdle() {
	cutoff := time.Now().Add(-b.idleTimeout)

	b.mu.Lock()
	var stale []*Transfer
	for _, tr := range b.transfers {
		tr.mu.Lock()
		if tr.state == StateUploading && tr.lastChunkAt.Before(cutoff) {
			stale = append(stale, tr)
		}
		tr.mu.Unlock()
	}
	b.mu.Unlock()

	for _, tr := range stale {
		b.terminate(tr, StateError, protocol.ErrStalled)
	}
}

func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

func (b *Broker) sendJSON(s *transport.Session, t protocol.MessageType, payload any) {
	if s == nil {
		return
	}
	data, err := protocol.Encode(t, payload)
	if err != nil {
		b.logger.Error("failed to encode relay message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	s.SendText(data)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
