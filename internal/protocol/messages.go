// Package protocol defines the venue host wire protocol: the discriminated
// JSON message set of spec.md §6 and the binary relay chunk frame of §4.B.
//
// Per the redesign notes in spec.md §9, each message is modeled as its own
// Go struct with validate tags rather than parsed with runtime "as any"
// casts; Decode turns a schema violation into an INVALID_MESSAGE ErrorCode
// instead of a panic.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MessageType is the discriminant carried by every text frame.
type MessageType string

const (
	TypeHello         MessageType = "HELLO"
	TypeWelcome       MessageType = "WELCOME"
	TypeJoinRoom      MessageType = "JOIN_ROOM"
	TypeLeaveRoom     MessageType = "LEAVE_ROOM"
	TypeRoomInfo      MessageType = "ROOM_INFO"
	TypePeerJoined    MessageType = "PEER_JOINED"
	TypePeerLeft      MessageType = "PEER_LEFT"
	TypeShareFiles    MessageType = "SHARE_FILES"
	TypeUnshareFiles  MessageType = "UNSHARE_FILES"
	TypeIndexFull     MessageType = "INDEX_FULL"
	TypeIndexUpsert   MessageType = "INDEX_UPSERT"
	TypeIndexRemove   MessageType = "INDEX_REMOVE"
	TypeRequestFile   MessageType = "REQUEST_FILE"
	TypeFileOffer     MessageType = "FILE_OFFER"
	TypeRelayPull     MessageType = "RELAY_PULL"
	TypeRelayPushMeta MessageType = "RELAY_PUSH_META"
	TypeRelayComplete MessageType = "RELAY_COMPLETE"
	TypeRelayError    MessageType = "RELAY_ERROR"
	TypeTransferStart MessageType = "TRANSFER_START"
	TypeTransferProg  MessageType = "TRANSFER_PROGRESS"
	TypeTransferDone  MessageType = "TRANSFER_COMPLETE"
	TypeHeartbeat     MessageType = "HEARTBEAT"
	TypeError         MessageType = "ERROR"
)

// Envelope is the outer shape every text frame has on the wire: a type
// discriminant plus a raw payload decoded into the matching struct below.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrorCode enumerates the wire `code` values of spec.md §7.
type ErrorCode string

const (
	ErrNotRegistered   ErrorCode = "NOT_REGISTERED"
	ErrNoRoom          ErrorCode = "NO_ROOM"
	ErrRoomLocked      ErrorCode = "ROOM_LOCKED"
	ErrFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	ErrOwnerOffline    ErrorCode = "OWNER_OFFLINE"
	ErrTransferExists  ErrorCode = "TRANSFER_EXISTS"
	ErrTransferMissing ErrorCode = "TRANSFER_NOT_FOUND"
	ErrSizeMismatch    ErrorCode = "SIZE_MISMATCH"
	ErrFileTooLarge    ErrorCode = "FILE_TOO_LARGE"
	ErrInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	ErrFrameTooLarge   ErrorCode = "FRAME_TOO_LARGE"
	ErrStalled         ErrorCode = "STALLED"
	ErrPeerGone        ErrorCode = "PEER_GONE"
	ErrRequesterGone   ErrorCode = "REQUESTER_GONE"
	ErrOwnerGone       ErrorCode = "OWNER_GONE"
	ErrCancelled       ErrorCode = "CANCELLED"
	ErrIDCollision     ErrorCode = "REJECT_ID_COLLISION"
)

// CloseCode enumerates the transport close codes of spec.md §6.
type CloseCode string

const (
	CloseNormal           CloseCode = "NORMAL"
	CloseReplaced         CloseCode = "REPLACED"
	CloseFrameTooLarge    CloseCode = "FRAME_TOO_LARGE"
	CloseProtocolError    CloseCode = "PROTOCOL_ERROR"
	CloseHeartbeatTimeout CloseCode = "HEARTBEAT_TIMEOUT"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// Hello is HELLO {peerId, deviceName, platform, appVersion?, ts}.
type Hello struct {
	PeerID     string   `json:"peerId" validate:"required,max=128"`
	DeviceName string   `json:"deviceName" validate:"required,max=128"`
	Platform   Platform `json:"platform" validate:"required,oneof=android ios web unknown"`
	AppVersion string   `json:"appVersion,omitempty" validate:"max=32"`
	AdminToken string   `json:"adminToken,omitempty" validate:"max=256"`
	TS         int64    `json:"ts" validate:"required"`
}

type Capabilities struct {
	Relay     bool `json:"relay"`
	MaxFileMB int  `json:"maxFileMB"`
}

// Welcome is WELCOME {hostId, capabilities, ts}.
type Welcome struct {
	HostID       string       `json:"hostId"`
	Capabilities Capabilities `json:"capabilities"`
	TS           int64        `json:"ts"`
}

// JoinRoom is JOIN_ROOM {roomId?, ts}.
type JoinRoom struct {
	RoomID string `json:"roomId,omitempty" validate:"omitempty,max=128"`
	TS     int64  `json:"ts" validate:"required"`
}

// LeaveRoom is LEAVE_ROOM {ts}.
type LeaveRoom struct {
	TS int64 `json:"ts"`
}

// RoomInfo is ROOM_INFO {roomId, roomName, hostId, peerCount, locked, ts}.
type RoomInfo struct {
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	HostID    string `json:"hostId"`
	PeerCount int    `json:"peerCount"`
	Locked    bool   `json:"locked"`
	TS        int64  `json:"ts"`
}

type PeerInfo struct {
	PeerID          string `json:"peerId"`
	DeviceName      string `json:"deviceName"`
	Platform        string `json:"platform"`
	SharedFileCount int    `json:"sharedFileCount"`
}

// PeerJoined is PEER_JOINED {peer, ts}.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
	TS   int64    `json:"ts"`
}

// PeerLeft is PEER_LEFT {peerId, ts}.
type PeerLeft struct {
	PeerID string `json:"peerId"`
	TS     int64  `json:"ts"`
}

// FileDescriptorWire is a FileDescriptor as carried on the wire. SHARE_FILES
// omits owner fields (the client cannot assert its own identity); the host
// fills ownerPeerId/ownerName/addedAt before it appears in any broadcast.
type FileDescriptorWire struct {
	FileID          string  `json:"id" validate:"required,max=256"`
	Title           string  `json:"title" validate:"required,max=512"`
	Artist          string  `json:"artist,omitempty"`
	Album           string  `json:"album,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	SizeBytes       uint64  `json:"sizeBytes" validate:"required"`
	MimeType        string  `json:"mimeType" validate:"required,max=128"`
	SHA256          string  `json:"sha256" validate:"required,hexadecimal,len=64"`
	OwnerPeerID     string  `json:"ownerPeerId,omitempty"`
	OwnerName       string  `json:"ownerName,omitempty"`
	AddedAt         int64   `json:"addedAt,omitempty"`
}

// ShareFiles is SHARE_FILES {files, ts}.
type ShareFiles struct {
	Files []FileDescriptorWire `json:"files" validate:"required,dive"`
	TS    int64                `json:"ts"`
}

// UnshareFiles is UNSHARE_FILES {fileIds, ts}.
type UnshareFiles struct {
	FileIDs []string `json:"fileIds" validate:"required,dive,required"`
	TS      int64    `json:"ts"`
}

// IndexFull is INDEX_FULL {files, ts}.
type IndexFull struct {
	Files []FileDescriptorWire `json:"files"`
	TS    int64                `json:"ts"`
}

// IndexUpsert is INDEX_UPSERT {files, ts}.
type IndexUpsert struct {
	Files []FileDescriptorWire `json:"files"`
	TS    int64                `json:"ts"`
}

// IndexRemove is INDEX_REMOVE {fileIds, ts}.
type IndexRemove struct {
	FileIDs []string `json:"fileIds"`
	TS      int64    `json:"ts"`
}

// RequestFile is REQUEST_FILE {fileId, ownerPeerId, ts}.
type RequestFile struct {
	FileID      string `json:"fileId" validate:"required"`
	OwnerPeerID string `json:"ownerPeerId" validate:"required"`
	TS          int64  `json:"ts"`
}

// FileOffer is FILE_OFFER {fileId, ownerPeerId, relay:true, ts}.
type FileOffer struct {
	FileID      string `json:"fileId"`
	OwnerPeerID string `json:"ownerPeerId"`
	Relay       bool   `json:"relay"`
	TS          int64  `json:"ts"`
}

// RelayPull is RELAY_PULL {fileId, transferId, requesterPeerId?, ts}.
type RelayPull struct {
	FileID          string `json:"fileId" validate:"required"`
	TransferID      string `json:"transferId" validate:"required,max=128"`
	RequesterPeerID string `json:"requesterPeerId,omitempty"`
	TS              int64  `json:"ts"`
}

// RelayPushMeta is RELAY_PUSH_META {transferId, fileId, size, mimeType, sha256, ts}.
type RelayPushMeta struct {
	TransferID string `json:"transferId" validate:"required"`
	FileID     string `json:"fileId" validate:"required"`
	Size       uint64 `json:"size" validate:"required"`
	MimeType   string `json:"mimeType" validate:"required"`
	SHA256     string `json:"sha256" validate:"required,hexadecimal,len=64"`
	TS         int64  `json:"ts"`
}

// RelayComplete is RELAY_COMPLETE {transferId, fileId, ts}.
type RelayComplete struct {
	TransferID string `json:"transferId" validate:"required"`
	FileID     string `json:"fileId" validate:"required"`
	TS         int64  `json:"ts"`
}

// RelayError is RELAY_ERROR {transferId, error, ts}.
type RelayError struct {
	TransferID string    `json:"transferId" validate:"required"`
	Error      ErrorCode `json:"error"`
	TS         int64     `json:"ts"`
}

// TransferStart is TRANSFER_START {transferId, fileId, size, mimeType, ts}.
type TransferStart struct {
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	Size       uint64 `json:"size"`
	MimeType   string `json:"mimeType"`
	TS         int64  `json:"ts"`
}

// TransferProgress is TRANSFER_PROGRESS {transferId, bytesTransferred, ts}.
type TransferProgress struct {
	TransferID       string `json:"transferId"`
	BytesTransferred uint64 `json:"bytesTransferred"`
	TS               int64  `json:"ts"`
}

// TransferComplete is TRANSFER_COMPLETE {transferId, fileId, sha256, ts}.
type TransferComplete struct {
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	SHA256     string `json:"sha256"`
	TS         int64  `json:"ts"`
}

// Heartbeat is HEARTBEAT {ts}.
type Heartbeat struct {
	TS int64 `json:"ts"`
}

// Error is ERROR {code, message, ts}.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	TS      int64     `json:"ts"`
}

var validate = validator.New()

// Decode unmarshals data into a fresh T and runs struct validation tags,
// returning ErrInvalidMessage-flavoured errors the dispatcher can turn
// straight into an ERROR{code:INVALID_MESSAGE} reply.
func Decode[T any](data json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// ErrDecode sentinel-wraps every decode/validation failure.
var ErrDecode = fmt.Errorf("invalid message")

// Encode wraps a typed payload in its Envelope for writing to the wire.
func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}
