// Package wire implements the obsync wire protocol: request framing for
// COPY, TAKE, SYNC, and DELETE, the object stream format, and the structural
// limits every request is validated against before any store or network work
// begins.
package wire

import "fmt"

// Hard structural limits. Declared frame lengths are checked against these
// bounds before any payload byte is trusted.
const (
	MaxMetaSize  = 65_536  // 64 KiB
	MaxDataSize  = 1 << 44 // 16 TiB
	MaxObjectIDs = 65_536  // ids per COPY/TAKE/DELETE
	MaxSyncPeers = 1024    // peer requests per SYNC
)

// Kind is the request type tag on the wire.
type Kind byte

const (
	KindSync   Kind = 1
	KindCopy   Kind = 2
	KindTake   Kind = 3
	KindDelete Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "SYNC"
	case KindCopy:
		return "COPY"
	case KindTake:
		return "TAKE"
	case KindDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(k))
	}
}

// address family tags
const (
	addrIPv4 byte = 4
	addrIPv6 byte = 6
)

// Status codes carried on the response side of the protocol. A transfer
// response opens with StatusBegin or a request-level error; each object in
// the stream is prefixed with its own status.
type Status byte

const (
	StatusBegin               Status = 0x00
	StatusInvalidRequest      Status = 0x40
	StatusSuccess             Status = 0x41
	StatusMetaTooLarge        Status = 0x50
	StatusDataTooLarge        Status = 0x51
	StatusZeroLengthData      Status = 0x52
	StatusStoreError          Status = 0x60
	StatusPeerStoreError      Status = 0x61
	StatusPeerRequestPanicked Status = 0x62
	StatusDeletionScheduled   Status = 0x70
	StatusNotFound            Status = 0x71
	StatusAlreadyReceiving    Status = 0x80
	StatusAlreadyInStore      Status = 0x81
	StatusPeerConnection      Status = 0x90
	StatusClientConnection    Status = 0x91
)

// OK reports whether the status indicates success.
func (s Status) OK() bool { return s == StatusSuccess }

func (s Status) String() string {
	switch s {
	case StatusBegin:
		return "begin"
	case StatusInvalidRequest:
		return "invalid request structure"
	case StatusSuccess:
		return "success"
	case StatusMetaTooLarge:
		return "object metadata exceeds 64 KiB"
	case StatusDataTooLarge:
		return "object data exceeds 16 TiB"
	case StatusZeroLengthData:
		return "zero-length object data"
	case StatusStoreError:
		return "local store error"
	case StatusPeerStoreError:
		return "peer store error"
	case StatusPeerRequestPanicked:
		return "peer request panicked"
	case StatusDeletionScheduled:
		return "object scheduled for deletion"
	case StatusNotFound:
		return "object not found"
	case StatusAlreadyReceiving:
		return "object already being received"
	case StatusAlreadyInStore:
		return "object already in store"
	case StatusPeerConnection:
		return "connection to peer failed"
	case StatusClientConnection:
		return "client connection failed"
	default:
		return fmt.Sprintf("unknown status 0x%02x", byte(s))
	}
}
