package transport

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"memnet/internal/governor"
	"memnet/internal/identity"
	"memnet/internal/replication"
	"memnet/internal/storage"
	"memnet/internal/wire"
)

func newTestHandlers(t *testing.T) (*Handlers, *storage.SQLiteStore) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "memnet.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gov := governor.New(governor.Config{WarmMin: 1, HotMin: 1, ColdMax: 10}, nil)
	id, err := identity.Load(filepath.Join(dir, "node.key"), nil)
	require.NoError(t, err)
	eng := replication.New(st, gov, id, replication.Config{}, replication.Capabilities{}, nil)

	return &Handlers{Engine: eng, Gov: gov, Logger: logrus.StandardLogger(), Limiter: newProtocolLimiter(8)}, st
}

func TestHandshakeRoundTrip(t *testing.T) {
	dirA := t.TempDir()
	idA, err := identity.Load(filepath.Join(dirA, "a.key"), nil)
	require.NoError(t, err)
	idB, err := identity.Load(filepath.Join(t.TempDir(), "b.key"), nil)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan wire.HandshakeRequest, 1)
	go func() {
		req, err := respondHandshake(server, idB, []string{"group-1"})
		require.NoError(t, err)
		done <- req
	}()

	resp, err := initiateHandshake(client, idA, []string{"group-2"})
	require.NoError(t, err)
	require.Equal(t, idB.NodeID.String(), resp.NodeID)
	require.Equal(t, []string{"group-1"}, resp.Groups)

	req := <-done
	require.Equal(t, idA.NodeID.String(), req.NodeID)
	require.Equal(t, []string{"group-2"}, req.Groups)
}

func TestHandshakeRejectsBadMagic(t *testing.T) {
	idB, err := identity.Load(filepath.Join(t.TempDir(), "b.key"), nil)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{byte(wire.ProtoHandshake)})
		_ = wire.WriteFrame(client, wire.HandshakeRequest{Magic: 0xBAD, VersionMin: 1, VersionMax: 1, NodeID: "x"})
		var resp wire.HandshakeResponse
		_ = wire.ReadFrame(client, &resp) // drain the rejection response so the server's write does not block
	}()

	_, err = respondHandshake(server, idB, nil)
	require.Error(t, err)
}

func TestHandleStreamKeepAlive(t *testing.T) {
	h, _ := newTestHandlers(t)
	client, server := net.Pipe()
	defer client.Close()

	go h.HandleStream(context.Background(), "peer-a", server)

	_, err := client.Write([]byte{byte(wire.ProtoKeepAlive)})
	require.NoError(t, err)
	sentAt := time.Now().UnixNano()
	require.NoError(t, wire.WriteFrame(client, wire.Ping{Seq: 1, SentAt: sentAt}))

	var pong wire.Pong
	require.NoError(t, wire.ReadFrame(client, &pong))
	require.Equal(t, uint64(1), pong.Seq)
	require.Equal(t, sentAt, pong.SentAt)
}

func TestHandleStreamFetchReturnsStoredItem(t *testing.T) {
	h, st := newTestHandlers(t)
	ctx := context.Background()
	item := &storage.Item{ID: "i1", AuthorID: "alice", GroupID: "g1", Visibility: storage.VisibilityGroup,
		Data: []byte("x"), Checksum: "deadbeef", UpdatedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, st.WriteItem(ctx, item))

	client, server := net.Pipe()
	defer client.Close()
	go h.HandleStream(ctx, "peer-a", server)

	_, err := client.Write([]byte{byte(wire.ProtoMemoryFetch)})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(client, wire.FetchRequest{ItemIDs: []string{"i1"}}))

	var resp wire.FetchResponse
	require.NoError(t, wire.ReadFrame(client, &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "i1", resp.Items[0].ID)
}

func TestProtocolLimiterRefusesExcessConcurrency(t *testing.T) {
	l := newProtocolLimiter(1)
	require.True(t, l.tryAcquire("peer", byte(wire.ProtoMemoryPush)))
	require.False(t, l.tryAcquire("peer", byte(wire.ProtoMemoryPush)))
	l.release("peer", byte(wire.ProtoMemoryPush))
	require.True(t, l.tryAcquire("peer", byte(wire.ProtoMemoryPush)))
}

func TestIPConnTrackerEnforcesCap(t *testing.T) {
	tr := newIPConnTracker(2)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}
	require.True(t, tr.admit(addr))
	require.True(t, tr.admit(addr))
	require.False(t, tr.admit(addr))
	tr.release(addr)
	require.True(t, tr.admit(addr))
}
