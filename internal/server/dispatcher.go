package server

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/obstack/obsync/wire"
)

// dispatcher fans a SYNC out to its peers. Every peer request runs in its
// own goroutine with no completion-order guarantee; outcomes are collected
// into an indexed slice and written back in the original request order once
// all of them have finished.
type dispatcher struct {
	srv *Server
	log *slog.Logger
}

func (d *dispatcher) run(ctx context.Context, peers []wire.PeerRequest, conn *wire.Conn) error {
	// the address this server answers on, used to refuse requests that
	// would stream objects from ourselves
	var local netip.AddrPort
	if ta, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		local = ta.AddrPort()
	}

	results := make([]wire.PeerOutcome, len(peers))
	var wg sync.WaitGroup
	for i := range peers {
		if isSelf(peers[i].Addr, local) {
			d.log.Warn("refusing peer request for own address", "peer", peers[i].Addr.String())
			results[i] = wire.PeerOutcome{Status: wire.StatusPeerConnection}
			continue
		}

		wg.Add(1)
		go func(i int, pr wire.PeerRequest) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					d.log.Error("peer request panicked", "peer", pr.Addr.String(), "panic", rec)
					results[i] = wire.PeerOutcome{Status: wire.StatusPeerRequestPanicked}
				}
			}()
			rcv := &receiver{
				srv:  d.srv,
				peer: pr.Addr,
				ids:  pr.IDs,
				log:  d.log.With("peer", pr.Addr.String()),
			}
			results[i] = rcv.run(ctx, pr.Kind)
		}(i, peers[i])
	}
	wg.Wait()

	return wire.WriteSyncOutcomes(conn, results)
}

func isSelf(peer, local netip.AddrPort) bool {
	if !local.IsValid() {
		return false
	}
	return peer.Addr().Unmap() == local.Addr().Unmap() && peer.Port() == local.Port()
}
