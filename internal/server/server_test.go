package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/obsync/client"
	"github.com/obstack/obsync/config"
	"github.com/obstack/obsync/oid"
	"github.com/obstack/obsync/store"
	"github.com/obstack/obsync/wire"
)

func testConfig() *config.Server {
	return &config.Server{
		Bind:           "127.0.0.1:0",
		MaxConnections: 16,
		NetTimeout:     5 * time.Second,
		StoreTimeout:   500 * time.Millisecond,
		GuardTTL:       time.Minute,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server over its own memory store and returns it with
// the address it listens on. The server is torn down with the test.
func startServer(t *testing.T, cfg *config.Server) (*Server, *store.Memory, netip.AddrPort) {
	t.Helper()
	st := store.NewMemory()
	srv := New(cfg, st, testLogger())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	addr := srv.Addr().(*net.TCPAddr).AddrPort()
	return srv, st, addr
}

func putObject(t *testing.T, st *store.Memory, data []byte) oid.ID {
	t.Helper()
	id := oid.Random()
	h, err := st.Create(context.Background(), id, int64(len(data)), []byte("meta"))
	require.NoError(t, err)
	_, err = h.Write(data)
	require.NoError(t, err)
	require.NoError(t, h.Seal())
	return id
}

func contains(t *testing.T, st *store.Memory, id oid.ID) bool {
	t.Helper()
	ok, err := st.Contains(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func syncOne(t *testing.T, target netip.AddrPort, pr wire.PeerRequest) wire.PeerOutcome {
	t.Helper()
	cl, err := client.Connect(&client.Config{Address: target.String(), Timeout: 5 * time.Second, Logger: testLogger()})
	require.NoError(t, err)
	defer cl.Close()

	outs, err := cl.Sync(context.Background(), []wire.PeerRequest{pr})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	return outs[0]
}

func TestSyncCopyBetweenServers(t *testing.T) {
	_, srcStore, srcAddr := startServer(t, testConfig())
	_, dstStore, dstAddr := startServer(t, testConfig())

	ids := []oid.ID{
		putObject(t, srcStore, bytes.Repeat([]byte{0x01}, 1024)),
		putObject(t, srcStore, bytes.Repeat([]byte{0x02}, 4096)),
		putObject(t, srcStore, []byte("small")),
	}

	out := syncOne(t, dstAddr, wire.PeerRequest{Kind: wire.KindCopy, Addr: srcAddr, IDs: ids})
	require.True(t, out.OK(), "outcome: %s", out.Status)
	assert.Equal(t, uint32(len(ids)), out.Transferred)
	assert.False(t, out.Deleted)

	for _, id := range ids {
		assert.True(t, contains(t, dstStore, id))
		assert.True(t, contains(t, srcStore, id), "copy must not remove the source object")
	}

	// the copied bytes survive the transfer intact
	obj, err := dstStore.Get(context.Background(), ids[1], 0)
	require.NoError(t, err)
	defer obj.Data.Close()
	data, err := io.ReadAll(obj.Data)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x02}, 4096), data)
	assert.Equal(t, []byte("meta"), obj.Meta)
}

func TestSyncTakeRemovesSource(t *testing.T) {
	_, srcStore, srcAddr := startServer(t, testConfig())
	_, dstStore, dstAddr := startServer(t, testConfig())

	ids := []oid.ID{
		putObject(t, srcStore, []byte("first")),
		putObject(t, srcStore, []byte("second")),
	}

	out := syncOne(t, dstAddr, wire.PeerRequest{Kind: wire.KindTake, Addr: srcAddr, IDs: ids})
	require.True(t, out.OK(), "outcome: %s", out.Status)
	assert.Equal(t, uint32(len(ids)), out.Transferred)
	assert.True(t, out.Deleted)

	for _, id := range ids {
		assert.True(t, contains(t, dstStore, id))
	}
	// the source deletes after send; the client delete instruction is
	// idempotent on top of it
	assert.Eventually(t, func() bool {
		return srcStore.Len() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSyncPartialObjectFailure(t *testing.T) {
	_, srcStore, srcAddr := startServer(t, testConfig())
	_, dstStore, dstAddr := startServer(t, testConfig())

	present := putObject(t, srcStore, []byte("present"))
	absent := oid.Random()

	out := syncOne(t, dstAddr, wire.PeerRequest{Kind: wire.KindCopy, Addr: srcAddr, IDs: []oid.ID{absent, present}})

	// one missing object degrades the count, not the outcome
	require.True(t, out.OK(), "outcome: %s", out.Status)
	assert.Equal(t, uint32(1), out.Transferred)
	assert.True(t, contains(t, dstStore, present))
	assert.False(t, contains(t, dstStore, absent))
}

func TestSyncUnreachablePeerIsolated(t *testing.T) {
	_, srcStore, srcAddr := startServer(t, testConfig())
	_, dstStore, dstAddr := startServer(t, testConfig())

	reachableIDs := []oid.ID{putObject(t, srcStore, []byte("a")), putObject(t, srcStore, []byte("b"))}
	deadAddr := netip.MustParseAddrPort("127.0.0.1:1")

	cl, err := client.Connect(&client.Config{Address: dstAddr.String(), Timeout: 5 * time.Second, Logger: testLogger()})
	require.NoError(t, err)
	defer cl.Close()

	outs, err := cl.Sync(context.Background(), []wire.PeerRequest{
		{Kind: wire.KindCopy, Addr: srcAddr, IDs: reachableIDs[:1]},
		{Kind: wire.KindCopy, Addr: deadAddr, IDs: []oid.ID{oid.Random()}},
		{Kind: wire.KindCopy, Addr: srcAddr, IDs: reachableIDs[1:]},
	})
	require.NoError(t, err)
	require.Len(t, outs, 3)

	// the dead peer fails alone; its siblings complete
	assert.True(t, outs[0].OK())
	assert.Equal(t, wire.StatusPeerConnection, outs[1].Status)
	assert.True(t, outs[2].OK())
	for _, id := range reachableIDs {
		assert.True(t, contains(t, dstStore, id))
	}
}

func TestSyncRecopyIsIdempotent(t *testing.T) {
	_, srcStore, srcAddr := startServer(t, testConfig())
	_, dstStore, dstAddr := startServer(t, testConfig())

	id := putObject(t, srcStore, []byte("once"))
	pr := wire.PeerRequest{Kind: wire.KindCopy, Addr: srcAddr, IDs: []oid.ID{id}}

	first := syncOne(t, dstAddr, pr)
	require.True(t, first.OK())
	assert.Equal(t, uint32(1), first.Transferred)

	// the repeat succeeds without moving a byte
	second := syncOne(t, dstAddr, pr)
	require.True(t, second.OK())
	assert.Equal(t, uint32(0), second.Transferred)
	assert.True(t, contains(t, dstStore, id))
}

func TestSyncRefusesOwnAddress(t *testing.T) {
	_, _, addr := startServer(t, testConfig())

	out := syncOne(t, addr, wire.PeerRequest{Kind: wire.KindCopy, Addr: addr, IDs: []oid.ID{oid.Random()}})
	assert.Equal(t, wire.StatusPeerConnection, out.Status)
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	_, _, addr := startServer(t, testConfig())

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xff})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var b [2]byte
	n, _ := io.ReadFull(conn, b[:])
	require.Equal(t, 1, n, "expected a single status byte then close")
	assert.Equal(t, wire.StatusInvalidRequest, wire.Status(b[0]))
}

func TestDirectTransferServesPerObjectStatuses(t *testing.T) {
	_, st, addr := startServer(t, testConfig())

	present := putObject(t, st, []byte("here"))
	absent := oid.Random()

	cl, err := client.Connect(&client.Config{Address: addr.String(), Timeout: 5 * time.Second, Logger: testLogger()})
	require.NoError(t, err)
	defer cl.Close()

	results := make(map[oid.ID]error)
	n, err := cl.Copy(context.Background(), []oid.ID{present, absent}, func(res *client.ObjectResult) error {
		results[res.ID] = res.Err
		if res.Err == nil {
			_, err := io.Copy(io.Discard, res.Data)
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, results[present])
	assert.Error(t, results[absent])
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	srv, _, addr := startServer(t, cfg)

	var conns []net.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		conns = append(conns, c)
	}

	// the two slots fill; the rest wait in the backlog unaccepted
	require.Eventually(t, func() bool {
		return srv.Live() == 2
	}, 5*time.Second, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, srv.Live(), int64(2))
		time.Sleep(10 * time.Millisecond)
	}

	// closing one frees a slot for a queued connection
	conns[0].Close()
	require.Eventually(t, func() bool {
		return srv.Live() == 2
	}, 5*time.Second, 10*time.Millisecond)
}
