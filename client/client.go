// Package client implements the obsync peer client: it opens an outbound
// connection to a server, issues COPY, TAKE, and SYNC requests, and streams
// the resulting object records to the caller one object at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/obstack/obsync/oid"
	"github.com/obstack/obsync/wire"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrConnect marks a refused or timed-out connection attempt.
	ErrConnect = errors.New("failed to connect to peer")

	// ErrRefused marks a transfer the peer rejected before streaming any
	// object.
	ErrRefused = errors.New("peer refused transfer")

	// ErrObject is returned by a ResultFunc to report that the delivered
	// object could not be used. The transfer continues with the next object
	// and, on TAKE, no delete instruction is issued for this one.
	ErrObject = errors.New("object not accepted")
)

type Config struct {
	Address string
	Timeout time.Duration // bound on every socket operation; defaults to 30s
	Logger  *slog.Logger
}

// Client executes requests against a single obsync server. It is not safe
// for concurrent use; one transfer runs on the connection at a time.
type Client struct {
	addr    string
	timeout time.Duration
	conn    *wire.Conn
	delConn *wire.Conn // lazily dialed side connection for delete instructions
	logger  *slog.Logger
}

// ObjectResult is delivered to the caller once per streamed object, in
// request order. Either Data carries the object body, limited to the
// declared length, or Err holds the peer's per-object failure. Data must be
// consumed before the callback returns; whatever is left is discarded.
type ObjectResult struct {
	ID   oid.ID
	Meta []byte
	Size int64
	Data io.Reader
	Err  error
}

// ResultFunc consumes one ObjectResult. Returning an error wrapping
// ErrObject skips this object and continues; any other error aborts the
// transfer.
type ResultFunc func(res *ObjectResult) error

// Connect opens a connection to the server at cfg.Address.
func Connect(cfg *Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := net.Dialer{Timeout: timeout}
	raw, err := d.Dial("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrConnect, cfg.Address, err)
	}

	return &Client{
		addr:    cfg.Address,
		timeout: timeout,
		conn:    wire.NewConn(raw, timeout),
		logger:  logger.WithGroup("obsync_client").With("peer", cfg.Address),
	}, nil
}

func (c *Client) Close() error {
	if c.delConn != nil {
		c.delConn.Close()
		c.delConn = nil
	}
	return c.conn.Close()
}

// Copy retrieves the objects with the given ids from the peer, invoking fn
// once per id. It returns the number of objects whose stream completed and
// was accepted by fn.
func (c *Client) Copy(ctx context.Context, ids []oid.ID, fn ResultFunc) (int, error) {
	n, _, err := c.transfer(ctx, wire.KindCopy, ids, fn)
	return n, err
}

// Take behaves like Copy, and additionally issues a best-effort delete
// instruction to the peer for every object fn accepted. The returned flag
// reports whether every instruction was acknowledged; it never affects the
// transfer result.
func (c *Client) Take(ctx context.Context, ids []oid.ID, fn ResultFunc) (int, bool, error) {
	return c.transfer(ctx, wire.KindTake, ids, fn)
}

// Sync asks the server to execute the given peer requests and returns one
// outcome per request in original order. The request is validated before
// any byte leaves the process.
func (c *Client) Sync(ctx context.Context, peers []wire.PeerRequest) ([]wire.PeerOutcome, error) {
	req := &wire.Request{Kind: wire.KindSync, Peers: peers}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := req.WriteTo(c.conn); err != nil {
		return nil, fmt.Errorf("failed to send sync request: %w", err)
	}
	outs, err := wire.ReadSyncOutcomes(c.conn, len(peers))
	if err != nil {
		return nil, err
	}
	return outs, nil
}

func (c *Client) transfer(ctx context.Context, kind wire.Kind, ids []oid.ID, fn ResultFunc) (int, bool, error) {
	req := &wire.Request{Kind: kind, IDs: ids}
	if err := req.Validate(); err != nil {
		return 0, false, err
	}
	if err := req.WriteTo(c.conn); err != nil {
		return 0, false, err
	}

	status, err := wire.ReadStatus(c.conn)
	if err != nil {
		return 0, false, err
	}
	if status != wire.StatusBegin {
		return 0, false, fmt.Errorf("%w: %s", ErrRefused, status)
	}

	transferred := 0
	deleted := true
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return transferred, deleted, err
		}

		st, err := wire.ReadStatus(c.conn)
		if err != nil {
			return transferred, deleted, err
		}
		if !st.OK() {
			res := &ObjectResult{ID: id, Err: fmt.Errorf("peer reported: %s", st)}
			if err := fn(res); err != nil && !errors.Is(err, ErrObject) {
				return transferred, deleted, err
			}
			continue
		}

		hdr, err := wire.ReadObjectHeader(c.conn)
		if err != nil {
			// an out-of-bound declaration cannot be skipped; the stream is
			// no longer trustworthy
			return transferred, deleted, err
		}
		meta := make([]byte, hdr.MetaLen)
		if _, err := io.ReadFull(c.conn, meta); err != nil {
			return transferred, deleted, fmt.Errorf("failed to read object metadata: %w", err)
		}

		body := &io.LimitedReader{R: c.conn, N: int64(hdr.DataLen)}
		res := &ObjectResult{ID: id, Meta: meta, Size: int64(hdr.DataLen), Data: body}
		accepted := true
		if err := fn(res); err != nil {
			if !errors.Is(err, ErrObject) {
				return transferred, deleted, err
			}
			accepted = false
		}
		if body.N > 0 {
			// keep the stream aligned when the consumer stopped short
			if _, err := io.Copy(io.Discard, body); err != nil {
				return transferred, deleted, err
			}
		}
		if !accepted {
			continue
		}
		transferred++

		if kind == wire.KindTake && !c.instructDelete(id) {
			deleted = false
		}
	}
	return transferred, deleted, nil
}

// instructDelete tells the peer to drop id from its store. The instruction
// is best effort: failures are logged and reported in the deleted flag,
// never as transfer errors.
func (c *Client) instructDelete(id oid.ID) bool {
	if c.delConn == nil {
		d := net.Dialer{Timeout: c.timeout}
		raw, err := d.Dial("tcp", c.addr)
		if err != nil {
			c.logger.Warn("cannot reach peer for delete instruction", "id", id, "error", err)
			return false
		}
		c.delConn = wire.NewConn(raw, c.timeout)
	}

	req := &wire.Request{Kind: wire.KindDelete, IDs: []oid.ID{id}}
	if err := req.WriteTo(c.delConn); err != nil {
		c.logger.Warn("failed to send delete instruction", "id", id, "error", err)
		c.delConn.Close()
		c.delConn = nil
		return false
	}
	st, err := wire.ReadStatus(c.delConn)
	if err != nil {
		c.logger.Warn("no reply to delete instruction", "id", id, "error", err)
		c.delConn.Close()
		c.delConn = nil
		return false
	}
	if !st.OK() {
		c.logger.Warn("peer did not delete object", "id", id, "status", st.String())
		return false
	}
	return true
}
