package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/obstack/obsync/oid"
)

var (
	ErrMalformed    = errors.New("malformed request")
	ErrEmptyIDList  = errors.New("object id list is empty")
	ErrTooManyIDs   = errors.New("object id list exceeds 65536 entries")
	ErrDuplicateID  = errors.New("duplicate object id in request")
	ErrEmptySync    = errors.New("sync request has no peer requests")
	ErrTooManyPeers = errors.New("sync request exceeds 1024 peer requests")
)

// Request is a single decoded protocol request. IDs is populated for COPY,
// TAKE, and DELETE; Peers for SYNC.
type Request struct {
	Kind  Kind
	IDs   []oid.ID
	Peers []PeerRequest
}

// PeerRequest is one line of a SYNC: transfer the listed objects from the
// store behind Addr, copying or taking them.
type PeerRequest struct {
	Kind Kind // KindCopy or KindTake
	Addr netip.AddrPort
	IDs  []oid.ID
}

// ReadRequest decodes one request from r. A cleanly closed connection is
// reported as io.EOF. Count fields are checked against the structural limits
// before any id bytes are allocated or read.
func ReadRequest(r io.Reader) (*Request, error) {
	kind, err := readByte(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read request type: %w", err)
	}

	switch Kind(kind) {
	case KindSync:
		n, err := readUint16(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read peer request count: %w", err)
		}
		if n == 0 {
			return nil, ErrEmptySync
		}
		if int(n) > MaxSyncPeers {
			return nil, fmt.Errorf("%w: %d entries", ErrTooManyPeers, n)
		}
		peers := make([]PeerRequest, 0, n)
		for i := 0; i < int(n); i++ {
			pr, err := readPeerRequest(r)
			if err != nil {
				return nil, err
			}
			peers = append(peers, pr)
		}
		return &Request{Kind: KindSync, Peers: peers}, nil

	case KindCopy, KindTake, KindDelete:
		ids, err := readIDList(r)
		if err != nil {
			return nil, err
		}
		return &Request{Kind: Kind(kind), IDs: ids}, nil

	default:
		return nil, fmt.Errorf("%w: unknown request type %d", ErrMalformed, kind)
	}
}

// WriteTo encodes the request into w as a single write.
func (r *Request) WriteTo(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind))
	switch r.Kind {
	case KindSync:
		writeUint16(&buf, uint16(len(r.Peers)))
		for i := range r.Peers {
			r.Peers[i].writeTo(&buf)
		}
	default:
		writeIDList(&buf, r.IDs)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s request: %w", r.Kind, err)
	}
	return nil
}

// Validate checks the request against the structural limits and rejects
// duplicate object ids. For SYNC the duplicate check spans every peer
// request: the union of ids across all entries must be duplicate free.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindSync:
		if len(r.Peers) == 0 {
			return ErrEmptySync
		}
		if len(r.Peers) > MaxSyncPeers {
			return fmt.Errorf("%w: %d entries", ErrTooManyPeers, len(r.Peers))
		}
		seen := make(map[oid.ID]struct{})
		for i := range r.Peers {
			if err := r.Peers[i].validate(seen); err != nil {
				return err
			}
		}
		return nil
	case KindCopy, KindTake, KindDelete:
		return validateIDs(r.IDs, make(map[oid.ID]struct{}))
	default:
		return fmt.Errorf("%w: unknown request type %d", ErrMalformed, byte(r.Kind))
	}
}

// Validate checks a standalone peer request.
func (pr *PeerRequest) Validate() error {
	return pr.validate(make(map[oid.ID]struct{}))
}

func (pr *PeerRequest) validate(seen map[oid.ID]struct{}) error {
	if pr.Kind != KindCopy && pr.Kind != KindTake {
		return fmt.Errorf("%w: invalid peer request type %d", ErrMalformed, byte(pr.Kind))
	}
	if !pr.Addr.IsValid() {
		return fmt.Errorf("%w: invalid peer address", ErrMalformed)
	}
	return validateIDs(pr.IDs, seen)
}

func (pr *PeerRequest) writeTo(buf *bytes.Buffer) {
	buf.WriteByte(byte(pr.Kind))
	writeAddrPort(buf, pr.Addr)
	writeIDList(buf, pr.IDs)
}

func validateIDs(ids []oid.ID, seen map[oid.ID]struct{}) error {
	if len(ids) == 0 {
		return ErrEmptyIDList
	}
	if len(ids) > MaxObjectIDs {
		return fmt.Errorf("%w: %d entries", ErrTooManyIDs, len(ids))
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// HELPER READERS

func readPeerRequest(r io.Reader) (PeerRequest, error) {
	kind, err := readByte(r)
	if err != nil {
		return PeerRequest{}, fmt.Errorf("failed to read peer request type: %w", err)
	}
	if Kind(kind) != KindCopy && Kind(kind) != KindTake {
		return PeerRequest{}, fmt.Errorf("%w: invalid peer request type %d", ErrMalformed, kind)
	}
	addr, err := readAddrPort(r)
	if err != nil {
		return PeerRequest{}, err
	}
	ids, err := readIDList(r)
	if err != nil {
		return PeerRequest{}, err
	}
	return PeerRequest{Kind: Kind(kind), Addr: addr, IDs: ids}, nil
}

func readAddrPort(r io.Reader) (netip.AddrPort, error) {
	family, err := readByte(r)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read peer address family: %w", err)
	}
	port, err := readUint16(r)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read peer port: %w", err)
	}
	switch family {
	case addrIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to read peer address: %w", err)
		}
		return netip.AddrPortFrom(netip.AddrFrom4(b), port), nil
	case addrIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to read peer address: %w", err)
		}
		return netip.AddrPortFrom(netip.AddrFrom16(b), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: invalid peer address family %d", ErrMalformed, family)
	}
}

func readIDList(r io.Reader) ([]oid.ID, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object id count: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyIDList
	}
	if n > MaxObjectIDs {
		return nil, fmt.Errorf("%w: %d entries", ErrTooManyIDs, n)
	}
	buf := make([]byte, int(n)*oid.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read object ids: %w", err)
	}
	ids := make([]oid.ID, n)
	for i := range ids {
		copy(ids[i][:], buf[i*oid.Size:])
	}
	return ids, nil
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// HELPER WRITERS

func writeAddrPort(buf *bytes.Buffer, ap netip.AddrPort) {
	a := ap.Addr()
	if a.Is4() || a.Is4In6() {
		buf.WriteByte(addrIPv4)
		writeUint16(buf, ap.Port())
		b := a.As4()
		buf.Write(b[:])
		return
	}
	buf.WriteByte(addrIPv6)
	writeUint16(buf, ap.Port())
	b := a.As16()
	buf.Write(b[:])
}

func writeIDList(buf *bytes.Buffer, ids []oid.ID) {
	writeUint32(buf, uint32(len(ids)))
	for i := range ids {
		buf.Write(ids[i][:])
	}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
