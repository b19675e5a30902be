package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *fakeClock) {
	t.Helper()
	g := New(cfg, nil)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g.nowFn = clock.now
	return g, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func drainActions(g *Governor) []Action {
	var out []Action
	for {
		select {
		case a := <-g.actions:
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestHandshakeSuccessPromotesDirectlyToWarmWhenBelowMin(t *testing.T) {
	g, _ := newTestGovernor(t, Config{WarmMin: 2, HotMin: 1, ColdMax: 10})
	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "1.2.3.4:9000"})

	snap := g.Peers()
	require.Len(t, snap, 1)
	require.Equal(t, Warm, snap[0].State)
}

func TestBootstrapPlaceholderMergesOnHandshake(t *testing.T) {
	g, _ := newTestGovernor(t, Config{WarmMin: 1, HotMin: 1, ColdMax: 10})
	addr := "seed.example:9000"
	g.SeedBootstrap([]string{addr})
	require.Len(t, g.Peers(), 1)

	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "real-node-id", Addr: addr})

	snap := g.Peers()
	require.Len(t, snap, 1)
	require.Equal(t, "real-node-id", snap[0].NodeID)
	require.Equal(t, Warm, snap[0].State)
}

func TestNoDirectColdToHotTransition(t *testing.T) {
	require.False(t, canTransition(Cold, Hot))
}

func TestBannedOnlyTransitionsToCold(t *testing.T) {
	for to := Cold; to <= Banned; to++ {
		if to == Cold {
			require.True(t, canTransition(Banned, to))
			continue
		}
		require.False(t, canTransition(Banned, to), "Banned must not transition to %s", to)
	}
}

func TestProtocolViolationBansWithExponentialBackoff(t *testing.T) {
	g, clock := newTestGovernor(t, Config{WarmMin: 1, HotMin: 1, ColdMax: 10, BanBase: time.Hour, BanCap: 24 * time.Hour})
	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "a"})
	g.HandleEvent(Event{Kind: EventProtocolViolation, NodeID: "peer-1"})

	snap := g.Peers()
	require.Equal(t, Banned, snap[0].State)

	// Second ban within the memory window escalates: 2h not 1h.
	g.peers["peer-1"].BanUntil = clock.now()
	g.Tick() // unbans
	require.Equal(t, Cold, g.peers["peer-1"].State)
	g.HandleEvent(Event{Kind: EventProtocolViolation, NodeID: "peer-1"})
	require.Equal(t, 2*time.Hour, g.peers["peer-1"].BanUntil.Sub(clock.now()))
}

func TestBanObserverFiresOnEveryBan(t *testing.T) {
	g, _ := newTestGovernor(t, Config{WarmMin: 1, HotMin: 1, ColdMax: 10})
	var bans int
	g.SetBanObserver(func() { bans++ })

	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "a"})
	g.HandleEvent(Event{Kind: EventProtocolViolation, NodeID: "peer-1"})
	require.Equal(t, 1, bans)

	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-2", Addr: "b"})
	g.HandleEvent(Event{Kind: EventProtocolViolation, NodeID: "peer-2"})
	require.Equal(t, 2, bans)
}

func TestHotCountNeverExceedsMaxAtTickBoundary(t *testing.T) {
	g, clock := newTestGovernor(t, Config{
		WarmMin: 5, WarmMax: 5, HotMin: 2, HotMax: 2, ColdMax: 20,
		WarmTenureMin: time.Minute, DeadPeerTimeout: 90 * time.Second,
	})

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: id, Addr: id})
	}
	clock.advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		for d := 0; d < i+1; d++ {
			g.HandleEvent(Event{Kind: EventItemDelivered, NodeID: id})
		}
	}
	g.Tick()

	_, _, hot, _ := g.Counts()
	require.LessOrEqual(t, hot, 2)
}

func TestHysteresisPreventsImmediateRepromotion(t *testing.T) {
	g, clock := newTestGovernor(t, Config{
		WarmMin: 1, WarmMax: 1, HotMin: 1, HotMax: 1, ColdMax: 10,
		WarmTenureMin: time.Minute, DeadPeerTimeout: 90 * time.Second,
	})
	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "a"})
	clock.advance(2 * time.Minute)
	g.HandleEvent(Event{Kind: EventItemDelivered, NodeID: "peer-1"})
	g.Tick()
	require.Equal(t, Hot, g.peers["peer-1"].State)

	// Force demotion via inactivity past dead-peer timeout.
	clock.advance(2 * time.Minute)
	g.Tick()
	require.Equal(t, Warm, g.peers["peer-1"].State)

	// Immediately after demotion the peer is within hysteresis: must not
	// be re-promoted even though it is otherwise eligible.
	g.peers["peer-1"].LastActive = clock.now()
	g.Tick()
	require.Equal(t, Warm, g.peers["peer-1"].State)

	// Once the cooldown elapses, re-promotion becomes possible again.
	clock.advance(2 * time.Minute)
	g.peers["peer-1"].LastActive = clock.now()
	g.Tick()
	require.Equal(t, Hot, g.peers["peer-1"].State)
}

func TestTransportDisconnectAlwaysReturnsToCold(t *testing.T) {
	g, _ := newTestGovernor(t, Config{WarmMin: 1, HotMin: 1, ColdMax: 10})
	var closed bool
	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "a", Conn: fakeConn{closed: &closed}})
	require.Equal(t, Warm, g.peers["peer-1"].State)

	g.HandleEvent(Event{Kind: EventTransportDisconnect, NodeID: "peer-1"})
	require.Equal(t, Cold, g.peers["peer-1"].State)
	require.Nil(t, g.peers["peer-1"].Conn)
	require.True(t, closed, "the peer's tracked connection must actually be closed, not just forgotten")

	actions := drainActions(g)
	var sawClose bool
	for _, a := range actions {
		if a.Kind == ActionClose && a.NodeID == "peer-1" {
			sawClose = true
		}
	}
	require.True(t, sawClose)
}

func TestBanClosesTrackedConnection(t *testing.T) {
	g, _ := newTestGovernor(t, Config{WarmMin: 1, HotMin: 1, ColdMax: 10})
	var closed bool
	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "a", Conn: fakeConn{closed: &closed}})
	require.Equal(t, Warm, g.peers["peer-1"].State)

	g.HandleEvent(Event{Kind: EventProtocolViolation, NodeID: "peer-1"})
	require.Equal(t, Banned, g.peers["peer-1"].State)
	require.Nil(t, g.peers["peer-1"].Conn)
	require.True(t, closed, "banning a peer must close its tracked connection")
}

func TestInactivityDemotionToColdClosesTrackedConnection(t *testing.T) {
	g, clock := newTestGovernor(t, Config{WarmMin: 1, HotMin: 0, ColdMax: 10, DeadPeerTimeout: time.Minute})
	var closed bool
	g.HandleEvent(Event{Kind: EventHandshakeSuccess, NodeID: "peer-1", Addr: "a", Conn: fakeConn{closed: &closed}})
	require.Equal(t, Warm, g.peers["peer-1"].State)

	clock.advance(2 * time.Minute)
	g.Tick()

	require.Equal(t, Cold, g.peers["peer-1"].State)
	require.Nil(t, g.peers["peer-1"].Conn)
	require.True(t, closed, "demoting a warm peer to cold on inactivity must close its tracked connection")
}

func TestEvictExcessColdRemovesLeastRecentlyActive(t *testing.T) {
	g, clock := newTestGovernor(t, Config{WarmMin: 0, HotMin: 0, ColdMax: 2})
	g.SeedBootstrap([]string{"a", "b", "c"})
	// give distinct LastActive ordering
	ids := []string{bootstrapPlaceholderID("a"), bootstrapPlaceholderID("b"), bootstrapPlaceholderID("c")}
	for i, id := range ids {
		g.peers[id].LastActive = clock.now().Add(time.Duration(i) * time.Minute)
	}
	g.Tick()

	require.Len(t, g.Peers(), 2)
	_, ok := g.peers[ids[0]]
	require.False(t, ok, "oldest cold peer should have been evicted")
}

type fakeConn struct{ closed *bool }

func (c fakeConn) Close() error {
	if c.closed != nil {
		*c.closed = true
	}
	return nil
}
