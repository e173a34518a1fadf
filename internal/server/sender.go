package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/obstack/obsync/oid"
	"github.com/obstack/obsync/store"
	"github.com/obstack/obsync/wire"
)

const copyBufferSize = 1 << 20

// sender streams objects out of the local store in answer to an inbound
// COPY or TAKE. Per-object problems (not found, deletion scheduled, size
// bound) are reported as per-object statuses inside the stream; only a
// broken connection or a dead context aborts the transfer.
type sender struct {
	srv             *Server
	ids             []oid.ID
	deleteAfterSend bool
	log             *slog.Logger
}

func newSender(s *Server, ids []oid.ID, deleteAfterSend bool, log *slog.Logger) *sender {
	return &sender{srv: s, ids: ids, deleteAfterSend: deleteAfterSend, log: log}
}

func (s *sender) run(ctx context.Context, conn *wire.Conn) error {
	// For TAKE, claim ids in the deleting guard up front so two concurrent
	// TAKEs cannot race the same object; ids another transfer already
	// claimed are refused per object.
	var claimed []oid.ID
	defer func() {
		for _, id := range claimed {
			s.srv.deleting.release(id)
		}
	}()

	scheduled := make(map[oid.ID]bool)
	for _, id := range s.ids {
		if s.deleteAfterSend {
			if s.srv.deleting.tryAcquire(id) {
				claimed = append(claimed, id)
			} else {
				scheduled[id] = true
			}
		} else if s.srv.deleting.held(id) {
			scheduled[id] = true
		}
	}

	if err := wire.WriteStatus(conn, wire.StatusBegin); err != nil {
		return err
	}

	buf := make([]byte, copyBufferSize)
	var sent []oid.ID
	var bytesSent int64
	for _, id := range s.ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if scheduled[id] {
			if err := wire.WriteStatus(conn, wire.StatusDeletionScheduled); err != nil {
				return err
			}
			continue
		}

		obj, err := s.srv.st.Get(ctx, id, s.srv.cfg.StoreTimeout)
		if err != nil {
			st := wire.StatusStoreError
			if errors.Is(err, store.ErrNotFound) {
				st = wire.StatusNotFound
			}
			s.log.Warn("cannot serve object", "id", id, "error", err)
			if err := wire.WriteStatus(conn, st); err != nil {
				return err
			}
			continue
		}

		ok, err := s.sendObject(conn, obj, buf)
		if err != nil {
			return err
		}
		if ok {
			sent = append(sent, id)
			bytesSent += obj.Size
		}
	}
	s.log.Info("served objects", "requested", len(s.ids), "sent", len(sent), "bytes", bytesSent)

	// Deletion after a TAKE is best effort: failures are logged and the
	// transfer result is unaffected.
	if s.deleteAfterSend {
		for _, id := range sent {
			if err := s.srv.st.Delete(ctx, id); err != nil {
				s.log.Warn("failed to delete object after take", "id", id, "error", err)
			}
		}
	}
	return nil
}

// sendObject writes one object frame. Size-bound violations become
// per-object statuses; the returned error is non-nil only for connection
// failures, which poison the stream.
func (s *sender) sendObject(conn *wire.Conn, obj *store.Object, buf []byte) (bool, error) {
	defer obj.Data.Close()

	var st wire.Status
	switch {
	case int64(len(obj.Meta)) > wire.MaxMetaSize:
		st = wire.StatusMetaTooLarge
	case obj.Size > wire.MaxDataSize:
		st = wire.StatusDataTooLarge
	case obj.Size == 0:
		st = wire.StatusZeroLengthData
	}
	if st != 0 {
		s.log.Warn("object violates size bounds", "id", obj.ID, "size", obj.Size, "metaSize", len(obj.Meta))
		return false, wire.WriteStatus(conn, st)
	}

	if err := wire.WriteStatus(conn, wire.StatusSuccess); err != nil {
		return false, err
	}
	hdr := wire.ObjectHeader{MetaLen: uint32(len(obj.Meta)), DataLen: uint64(obj.Size)}
	if err := wire.WriteObjectHeader(conn, hdr); err != nil {
		return false, err
	}
	if len(obj.Meta) > 0 {
		if _, err := conn.Write(obj.Meta); err != nil {
			return false, fmt.Errorf("failed to write object metadata: %w", err)
		}
	}
	n, err := io.CopyBuffer(conn, io.LimitReader(obj.Data, obj.Size), buf)
	if err != nil {
		return false, fmt.Errorf("failed to write object data: %w", err)
	}
	if n != obj.Size {
		return false, fmt.Errorf("object %s truncated: sent %d of %d bytes", obj.ID, n, obj.Size)
	}
	s.log.Debug("sent object", "id", obj.ID, "bytes", n)
	return true, nil
}
