package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMetaBound = errors.New("declared metadata length exceeds the 64 KiB bound")
	ErrDataBound = errors.New("declared data length exceeds the 16 TiB bound")
	ErrZeroData  = errors.New("declared data length is zero")
)

// ObjectHeader declares the metadata and data body lengths of one streamed
// object. It travels ahead of the bodies so the receiver can size-check and
// start store writes before the payload arrives.
type ObjectHeader struct {
	MetaLen uint32
	DataLen uint64
}

const objectHeaderSize = 12

func (h ObjectHeader) validate() error {
	if h.MetaLen > MaxMetaSize {
		return fmt.Errorf("%w: %d bytes", ErrMetaBound, h.MetaLen)
	}
	if h.DataLen == 0 {
		return ErrZeroData
	}
	if h.DataLen > MaxDataSize {
		return fmt.Errorf("%w: %d bytes", ErrDataBound, h.DataLen)
	}
	return nil
}

// WriteObjectHeader encodes h, refusing out-of-bound declarations.
func WriteObjectHeader(w io.Writer, h ObjectHeader) error {
	if err := h.validate(); err != nil {
		return err
	}
	var b [objectHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.MetaLen)
	binary.LittleEndian.PutUint64(b[4:12], h.DataLen)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("failed to write object header: %w", err)
	}
	return nil
}

// ReadObjectHeader decodes the declared body lengths and checks them against
// the size bounds before a single body byte is read off the wire.
func ReadObjectHeader(r io.Reader) (ObjectHeader, error) {
	var b [objectHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ObjectHeader{}, fmt.Errorf("failed to read object header: %w", err)
	}
	h := ObjectHeader{
		MetaLen: binary.LittleEndian.Uint32(b[0:4]),
		DataLen: binary.LittleEndian.Uint64(b[4:12]),
	}
	if err := h.validate(); err != nil {
		return h, err
	}
	return h, nil
}

// WriteStatus writes a single status byte.
func WriteStatus(w io.Writer, s Status) error {
	if _, err := w.Write([]byte{byte(s)}); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// ReadStatus reads a single status byte.
func ReadStatus(r io.Reader) (Status, error) {
	b, err := readByte(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read status: %w", err)
	}
	return Status(b), nil
}

// PeerOutcome is the per-peer-request result of a SYNC, reported in the
// original request order. Deleted is meaningful for TAKE only and reflects
// whether every best-effort delete instruction was acknowledged; it never
// affects transfer success.
type PeerOutcome struct {
	Status      Status
	Transferred uint32
	Deleted     bool
}

// OK reports whether the peer request succeeded.
func (o PeerOutcome) OK() bool { return o.Status.OK() }

const outcomeSize = 6

// WriteSyncOutcomes encodes one outcome record per peer request as a single
// write.
func WriteSyncOutcomes(w io.Writer, outs []PeerOutcome) error {
	buf := make([]byte, len(outs)*outcomeSize)
	for i, o := range outs {
		rec := buf[i*outcomeSize:]
		rec[0] = byte(o.Status)
		binary.LittleEndian.PutUint32(rec[1:5], o.Transferred)
		if o.Deleted {
			rec[5] = 1
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write sync outcomes: %w", err)
	}
	return nil
}

// ReadSyncOutcomes decodes exactly n outcome records.
func ReadSyncOutcomes(r io.Reader, n int) ([]PeerOutcome, error) {
	buf := make([]byte, n*outcomeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read sync outcomes: %w", err)
	}
	outs := make([]PeerOutcome, n)
	for i := range outs {
		rec := buf[i*outcomeSize:]
		outs[i] = PeerOutcome{
			Status:      Status(rec[0]),
			Transferred: binary.LittleEndian.Uint32(rec[1:5]),
			Deleted:     rec[5] == 1,
		}
	}
	return outs, nil
}
