package protocol

import (
	"encoding/binary"
	"fmt"
)

// ChunkHeaderLen is the 4-byte big-endian transferIdLen prefix of spec.md §4.B.
const ChunkHeaderLen = 4

// EncodeChunk builds a binary relay frame: 4-byte big-endian transferIdLen,
// the ASCII transferId, then the chunk payload.
func EncodeChunk(transferID string, payload []byte) []byte {
	buf := make([]byte, ChunkHeaderLen+len(transferID)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(transferID)))
	copy(buf[4:], transferID)
	copy(buf[4+len(transferID):], payload)
	return buf
}

// DecodeChunk splits a binary relay frame back into its transferId and payload.
func DecodeChunk(frame []byte) (transferID string, payload []byte, err error) {
	if len(frame) < ChunkHeaderLen {
		return "", nil, fmt.Errorf("chunk frame shorter than header")
	}
	idLen := binary.BigEndian.Uint32(frame[0:4])
	if uint64(ChunkHeaderLen)+uint64(idLen) > uint64(len(frame)) {
		return "", nil, fmt.Errorf("chunk frame transferId length exceeds frame size")
	}
	transferID = string(frame[ChunkHeaderLen : ChunkHeaderLen+idLen])
	payload = frame[ChunkHeaderLen+idLen:]
	return transferID, payload, nil
}
