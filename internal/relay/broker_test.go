package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/fileindex"
	"github.com/Matlemad/Pandemic-sub000/internal/protocol"
	"github.com/Matlemad/Pandemic-sub000/internal/transport"
)

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func fakeSession() *transport.Session {
	return &transport.Session{ID: "fake", Send: make(chan transport.Frame, 32)}
}

func testBroker() *Broker {
	return New(Options{
		IdleTimeout:      50 * time.Millisecond,
		LingerTimeout:    10 * time.Millisecond,
		SendTimeout:      time.Second,
		ProgressInterval: time.Hour,    // suppress time-based progress emission in tests
		ProgressBytes:    1_000_000_000, // suppress byte-based progress emission in tests
		MaxFileSize:      1024,
		ChunkSize:        64,
		MaxInFlightBytes: 256,
	}, zap.NewNop())
}

func drainText[T any](t *testing.T, s *transport.Session, wantType protocol.MessageType) T {
	t.Helper()
	select {
	case f := <-s.Send:
		require.False(t, f.Binary)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f.Data, &env))
		require.Equal(t, wantType, env.Type)
		var out T
		require.NoError(t, json.Unmarshal(env.Data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", wantType)
		var zero T
		return zero
	}
}

func testFD() fileindex.FileDescriptor {
	return fileindex.FileDescriptor{
		FileID:      "file1",
		OwnerPeerID: "owner1",
		SizeBytes:   10,
		SHA256:      testSHA,
	}
}

func TestHandlePullCreatesPendingAndForwardsToOwner(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()

	tr, err := b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)

	require.NoError(t, err)
	assert.Equal(t, StatePending, tr.State())

	pull := drainText[protocol.RelayPull](t, owner, protocol.TypeRelayPull)
	assert.Equal(t, "xfer1", pull.TransferID)
	assert.Equal(t, "requester1", pull.RequesterPeerID)
}

func TestHandlePullRejectsDuplicateTransferID(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()

	_, err := b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	require.NoError(t, err)

	_, err = b.HandlePull(testFD(), "xfer1", "requester2", fakeSession(), owner)
	assert.ErrorIs(t, err, ErrTransferExists)
}

func TestHandlePushMetaTransitionsToUploading(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send // drain RELAY_PULL

	tr, err := b.HandlePushMeta("xfer1", "owner1", 10, "audio/mpeg", testSHA)

	require.NoError(t, err)
	assert.Equal(t, StateUploading, tr.State())

	start := drainText[protocol.TransferStart](t, requester, protocol.TypeTransferStart)
	assert.Equal(t, uint64(10), start.Size)
}

func TestHandlePushMetaRejectsSizeMismatch(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send

	tr, err := b.HandlePushMeta("xfer1", "owner1", 999, "audio/mpeg", testSHA)

	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Equal(t, StateError, tr.State())
}

func TestHandlePushMetaRejectsWrongOwner(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send

	_, err := b.HandlePushMeta("xfer1", "impostor", 10, "audio/mpeg", testSHA)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestHandleChunkForwardsVerbatimAndTracksProgress(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send
	tr, _ := b.HandlePushMeta("xfer1", "owner1", 10, "audio/mpeg", testSHA)
	<-requester.Send // drain TRANSFER_START

	frame := protocol.EncodeChunk("xfer1", []byte("0123456789"))
	b.HandleChunk("xfer1", "owner1", frame, 10)

	select {
	case f := <-requester.Send:
		assert.True(t, f.Binary)
		assert.Equal(t, frame, f.Data)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded chunk frame")
	}
	assert.Equal(t, uint64(10), tr.BytesTransferred())
}

func TestHandleChunkDiscardsFromNonOwner(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send
	b.HandlePushMeta("xfer1", "owner1", 10, "audio/mpeg", testSHA)
	<-requester.Send

	frame := protocol.EncodeChunk("xfer1", []byte("bogus"))
	b.HandleChunk("xfer1", "not-the-owner", frame, 5)

	select {
	case <-requester.Send:
		t.Fatal("chunk from non-owner must not be forwarded")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleCompleteTransitionsToCompleteOnMatchingBytes(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send
	b.HandlePushMeta("xfer1", "owner1", 10, "audio/mpeg", testSHA)
	<-requester.Send

	frame := protocol.EncodeChunk("xfer1", []byte("0123456789"))
	b.HandleChunk("xfer1", "owner1", frame, 10)
	<-requester.Send // drain forwarded chunk

	tr, err := b.HandleComplete("xfer1", "owner1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, tr.State())

	done := drainText[protocol.TransferComplete](t, requester, protocol.TypeTransferDone)
	assert.Equal(t, testSHA, done.SHA256)
}

func TestHandleCompleteErrorsOnByteCountMismatch(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send
	b.HandlePushMeta("xfer1", "owner1", 10, "audio/mpeg", testSHA)
	<-requester.Send

	_, err := b.HandleComplete("xfer1", "owner1")
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestCancelForPeerNotifiesCounterpartyOnOwnerGone(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send

	b.CancelForPeer("owner1")

	errMsg := drainText[protocol.Error](t, requester, protocol.TypeError)
	assert.Equal(t, protocol.ErrOwnerGone, errMsg.Code)
}

func TestCancelForPeerNotifiesOwnerOnRequesterGone(t *testing.T) {
	b := testBroker()
	owner := fakeSession()
	requester := fakeSession()
	b.HandlePull(testFD(), "xfer1", "requester1", requester, owner)
	<-owner.Send // drain initial RELAY_PULL

	b.CancelForPeer("requester1")

	relayErr := drainText[protocol.RelayError](t, owner, protocol.TypeRelayError)
	assert.Equal(t, protocol.ErrRequesterGone, relayErr.Error)
}
