package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/obstack/obsync/client"
	"github.com/obstack/obsync/oid"
	"github.com/obstack/obsync/wire"
)

// receiver executes one SYNC peer request: it fetches objects from the peer
// through the peer client and materializes each into the local store as it
// streams in. Objects already present locally, or already claimed by a
// concurrent transfer, are skipped before any network traffic.
type receiver struct {
	srv  *Server
	peer netip.AddrPort
	ids  []oid.ID
	log  *slog.Logger
}

// run executes the peer request end to end and reports its outcome. It
// never returns transport or store errors: they are folded into the
// outcome so sibling peer requests are unaffected.
func (r *receiver) run(ctx context.Context, kind wire.Kind) wire.PeerOutcome {
	var claimed []oid.ID
	defer func() {
		for _, id := range claimed {
			r.srv.receiving.release(id)
		}
	}()

	var want []oid.ID
	for _, id := range r.ids {
		ok, err := r.srv.st.Contains(ctx, id)
		if err != nil {
			r.log.Error("store contains check failed", "id", id, "error", err)
			return wire.PeerOutcome{Status: wire.StatusStoreError}
		}
		if ok {
			// sealed objects are immutable, so a present id cannot differ
			// from the remote copy; skip it and stay successful
			r.log.Debug("object already in store", "id", id)
			continue
		}
		if !r.srv.receiving.tryAcquire(id) {
			r.log.Debug("object already being received", "id", id)
			continue
		}
		claimed = append(claimed, id)
		want = append(want, id)
	}
	if len(want) == 0 {
		return wire.PeerOutcome{Status: wire.StatusSuccess, Deleted: kind == wire.KindTake}
	}

	cl, err := client.Connect(&client.Config{
		Address: r.peer.String(),
		Timeout: r.srv.cfg.NetTimeout,
		Logger:  r.log,
	})
	if err != nil {
		r.log.Warn("cannot reach peer", "error", err)
		return wire.PeerOutcome{Status: wire.StatusPeerConnection}
	}
	defer cl.Close()

	materialized := 0
	fn := func(res *client.ObjectResult) error {
		if res.Err != nil {
			r.log.Warn("peer could not serve object", "id", res.ID, "error", res.Err)
			return nil
		}
		if err := r.materialize(ctx, res); err != nil {
			r.log.Warn("failed to materialize object", "id", res.ID, "error", err)
			return fmt.Errorf("%w: %v", client.ErrObject, err)
		}
		materialized++
		return nil
	}

	var transferErr error
	deleted := false
	switch kind {
	case wire.KindCopy:
		_, transferErr = cl.Copy(ctx, want, fn)
	case wire.KindTake:
		_, deleted, transferErr = cl.Take(ctx, want, fn)
	}
	if transferErr != nil {
		r.log.Warn("peer request failed", "kind", kind.String(), "error", transferErr)
		return wire.PeerOutcome{Status: wire.StatusPeerConnection, Transferred: uint32(materialized)}
	}

	r.log.Info("peer request complete", "kind", kind.String(), "requested", len(r.ids), "transferred", materialized)
	return wire.PeerOutcome{Status: wire.StatusSuccess, Transferred: uint32(materialized), Deleted: deleted}
}

// materialize writes one streamed object into the local store and seals
// it. The caller drains whatever is left of the body on failure, so a
// create conflict or store error never desynchronizes the stream.
func (r *receiver) materialize(ctx context.Context, res *client.ObjectResult) error {
	h, err := r.srv.st.Create(ctx, res.ID, res.Size, res.Meta)
	if err != nil {
		return err
	}
	n, err := io.Copy(h, res.Data)
	if err != nil {
		h.Abort()
		return err
	}
	if n != res.Size {
		h.Abort()
		return fmt.Errorf("received %d of %d declared bytes", n, res.Size)
	}
	if err := h.Seal(); err != nil {
		h.Abort()
		return err
	}
	return nil
}
