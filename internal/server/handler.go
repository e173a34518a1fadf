package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/obstack/obsync/wire"
)

// handler owns one accepted connection and serves requests from it until
// the peer closes the socket or a protocol error occurs. Teardown always
// releases the connection slot.
type handler struct {
	srv  *Server
	conn *wire.Conn
	log  *slog.Logger
}

func newHandler(s *Server, raw net.Conn) *handler {
	s.live.Add(1)
	return &handler{
		srv:  s,
		conn: wire.NewConn(raw, s.cfg.NetTimeout),
		log:  s.logger.With("conn", uuid.NewString(), "remote", raw.RemoteAddr().String()),
	}
}

func (h *handler) run(ctx context.Context) {
	defer func() {
		h.conn.Close()
		h.srv.live.Add(-1)
		h.srv.slots.Release(1)
		h.log.Debug("closed connection")
	}()
	h.log.Debug("accepted connection")

	for {
		req, err := wire.ReadRequest(h.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			h.log.Warn("rejecting request", "error", err)
			_ = wire.WriteStatus(h.conn, wire.StatusInvalidRequest)
			return
		}

		// structural violations reject the whole request before any store
		// or network work starts
		if err := req.Validate(); err != nil {
			h.log.Warn("rejecting request", "kind", req.Kind.String(), "error", err)
			_ = wire.WriteStatus(h.conn, wire.StatusInvalidRequest)
			return
		}
		h.log.Debug("received request", "kind", req.Kind.String())

		switch req.Kind {
		case wire.KindCopy:
			snd := newSender(h.srv, req.IDs, false, h.log)
			if err := snd.run(ctx, h.conn); err != nil {
				h.log.Error("transfer aborted", "error", err)
				return
			}
		case wire.KindTake:
			snd := newSender(h.srv, req.IDs, true, h.log)
			if err := snd.run(ctx, h.conn); err != nil {
				h.log.Error("transfer aborted", "error", err)
				return
			}
		case wire.KindDelete:
			if err := h.serveDelete(ctx, req); err != nil {
				h.log.Error("delete reply failed", "error", err)
				return
			}
		case wire.KindSync:
			d := &dispatcher{srv: h.srv, log: h.log}
			if err := d.run(ctx, req.Peers, h.conn); err != nil {
				h.log.Error("sync aborted", "error", err)
				return
			}
		}
	}
}

// serveDelete performs best-effort local deletes and acknowledges with a
// single status byte.
func (h *handler) serveDelete(ctx context.Context, req *wire.Request) error {
	st := wire.StatusSuccess
	for _, id := range req.IDs {
		if err := h.srv.st.Delete(ctx, id); err != nil {
			h.log.Warn("failed to delete object", "id", id, "error", err)
			st = wire.StatusStoreError
		}
	}
	return wire.WriteStatus(h.conn, st)
}
