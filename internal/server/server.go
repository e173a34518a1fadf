// Package server implements the obsync connection acceptor, the per
// connection request handlers, and the SYNC orchestration that fans peer
// requests out over the peer client and materializes streamed objects into
// the local store.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/obstack/obsync/config"
	"github.com/obstack/obsync/store"
)

// Server owns the listening socket and bounds concurrent connections.
//
// Slot policy: a slot is acquired before accept, so at maxConnections the
// server simply stops accepting and further connections queue in the kernel
// backlog until a handler finishes.
type Server struct {
	cfg     *config.Server
	st      store.Store
	logger  *slog.Logger
	slots   *semaphore.Weighted
	limiter *rate.Limiter
	live    atomic.Int64

	// ids currently being received from, or scheduled for deletion by, some
	// transfer; the only state shared across connection handlers besides
	// the store handle
	receiving *guard
	deleting  *guard

	ln net.Listener
}

func New(cfg *config.Server, st store.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		st:        st,
		logger:    logger.WithGroup("server"),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		limiter:   cfg.AcceptLimiter(),
		receiving: newGuard(cfg.GuardTTL),
		deleting:  newGuard(cfg.GuardTTL),
	}
}

// Listen binds the configured address without accepting yet. Serve calls it
// implicitly; tests call it first to learn the bound address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Bind, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Live reports the number of connections currently holding a slot.
func (s *Server) Live() int64 {
	return s.live.Load()
}

// Serve accepts connections until ctx is canceled, dispatching each to its
// own handler goroutine. Handling one connection never blocks accepting
// others.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.receiving.stop()
	defer s.deleting.stop()

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	s.logger.Info("accepting connections", "addr", s.ln.Addr().String(), "maxConnections", s.cfg.MaxConnections)

	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.slots.Release(1)
			return nil
		}

		conn, err := s.accept(ctx)
		if err != nil {
			s.slots.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}

		h := newHandler(s, conn)
		go h.run(ctx)
	}
}

// accept retries transient failures with an incremental backoff, giving up
// after the backoff window is exhausted.
func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	backoff := time.Second
	for {
		conn, err := s.ln.Accept()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil || backoff > 4*time.Second {
			return nil, err
		}
		s.logger.Debug("failed to accept connection", "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, err
		}
		backoff += time.Second
	}
}
