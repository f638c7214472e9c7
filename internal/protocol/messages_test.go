package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHelloValid(t *testing.T) {
	raw := json.RawMessage(`{"peerId":"p1","deviceName":"Phone","platform":"android","ts":123}`)

	msg, err := Decode[Hello](raw)

	require.NoError(t, err)
	assert.Equal(t, "p1", msg.PeerID)
	assert.Equal(t, PlatformAndroid, msg.Platform)
}

func TestDecodeHelloRejectsBadPlatform(t *testing.T) {
	raw := json.RawMessage(`{"peerId":"p1","deviceName":"Phone","platform":"toaster","ts":123}`)

	_, err := Decode[Hello](raw)

	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeHelloRejectsMissingRequiredFields(t *testing.T) {
	raw := json.RawMessage(`{"ts":123}`)

	_, err := Decode[Hello](raw)

	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeShareFilesValidatesSHA256(t *testing.T) {
	raw := json.RawMessage(`{"files":[{"id":"f1","title":"t","sizeBytes":10,"mimeType":"audio/mpeg","sha256":"not-hex"}],"ts":1}`)

	_, err := Decode[ShareFiles](raw)

	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeWrapsPayloadInEnvelope(t *testing.T) {
	data, err := Encode(TypeHeartbeat, Heartbeat{TS: 42})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeHeartbeat, env.Type)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(env.Data, &hb))
	assert.Equal(t, int64(42), hb.TS)
}
