package governor

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection is the opaque live-connection handle the transport layer
// attaches to a promoted peer; the governor never looks inside it, only
// closes it on demotion (pool consistency, spec §3 invariant 9).
type Connection interface {
	Close() error
}

// Config holds the tunables named throughout spec §4.1. Zero-value fields
// are replaced with the documented defaults by New.
type Config struct {
	HotMin, HotMax   int
	WarmMin, WarmMax int
	ColdMax          int

	TickInterval    time.Duration
	DeadPeerTimeout time.Duration
	StaleItemWindow time.Duration
	WarmTenureMin   time.Duration

	ChurnFraction float64
	ChurnInterval time.Duration

	ScoreAlpha float64

	BanBase         time.Duration
	BanCap          time.Duration
	BanMemoryWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.DeadPeerTimeout == 0 {
		c.DeadPeerTimeout = 90 * time.Second
	}
	if c.StaleItemWindow == 0 {
		c.StaleItemWindow = 30 * time.Minute
	}
	if c.WarmTenureMin == 0 {
		c.WarmTenureMin = 300 * time.Second
	}
	if c.ChurnFraction == 0 {
		c.ChurnFraction = 0.2
	}
	if c.ChurnInterval == 0 {
		c.ChurnInterval = time.Hour
	}
	if c.ScoreAlpha == 0 {
		c.ScoreAlpha = 0.1
	}
	if c.BanBase == 0 {
		c.BanBase = time.Hour
	}
	if c.BanCap == 0 {
		c.BanCap = 24 * time.Hour
	}
	if c.BanMemoryWindow == 0 {
		c.BanMemoryWindow = 7 * 24 * time.Hour
	}
	if c.HotMax == 0 {
		c.HotMax = c.HotMin
	}
	if c.WarmMax == 0 {
		c.WarmMax = c.WarmMin
	}
}

// Peer is the governor's exclusive record for one remote node (spec §3).
type Peer struct {
	NodeID      string
	Addrs       []string
	Groups      map[string]bool
	State       State
	Conn        Connection
	Handshaked  bool
	RTTMillis   float64
	Delivered   uint64
	Score       float64
	CreatedAt   time.Time
	WarmSince   time.Time
	HotSince    time.Time
	LastActive  time.Time
	LastScoreAt time.Time
	LastDemoted time.Time
	BanUntil    time.Time
	BanEsc      int
	LastBanAt   time.Time
	isBootstrap bool
}

func (p *Peer) groupsSlice() []string {
	out := make([]string, 0, len(p.Groups))
	for g := range p.Groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (p *Peer) hasGroup(id string) bool { return p.Groups[id] }

// Snapshot is an immutable copy of a Peer returned to other tasks; callers
// must not assume it stays current (spec §5: peer table owned by governor,
// read via snapshots elsewhere).
type Snapshot struct {
	NodeID     string
	Addrs      []string
	Groups     []string
	State      State
	RTTMillis  float64
	Delivered  uint64
	Score      float64
	CreatedAt  time.Time
	LastActive time.Time
}

func snapshotOf(p *Peer) Snapshot {
	return Snapshot{
		NodeID: p.NodeID, Addrs: append([]string(nil), p.Addrs...), Groups: p.groupsSlice(),
		State: p.State, RTTMillis: p.RTTMillis, Delivered: p.Delivered, Score: p.Score,
		CreatedAt: p.CreatedAt, LastActive: p.LastActive,
	}
}

// ActionKind identifies an effect the governor wants the orchestrator to
// perform outside the peer table (spec §4.1 "Outputs").
type ActionKind int

const (
	ActionDial ActionKind = iota
	ActionClose
)

// Action is one output of a tick or event: dial a peer or close its
// connection.
type Action struct {
	Kind   ActionKind
	NodeID string
	Addr   string
}

// Transition is emitted whenever a peer's state actually changes, for the
// orchestrator and for tests asserting safety properties.
type Transition struct {
	NodeID string
	From   State
	To     State
	At     time.Time
}

// Governor owns the peer table exclusively; it is the single mutator of
// peer state (spec §5).
type Governor struct {
	mu     sync.RWMutex
	cfg    Config
	peers  map[string]*Peer
	logger *logrus.Logger
	rng    *rand.Rand
	nowFn  func() time.Time

	actions     chan Action
	transitions chan Transition
	lastChurnAt time.Time

	onBan func()
}

// SetBanObserver wires a callback invoked once per ban issued, used by the
// orchestrator to feed a prometheus counter; nil (the default) disables it.
func (g *Governor) SetBanObserver(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBan = f
}

// New builds a Governor with the given config, applying documented
// defaults for any zero-valued tunable.
func New(cfg Config, logger *logrus.Logger) *Governor {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Governor{
		cfg:         cfg,
		peers:       make(map[string]*Peer),
		logger:      logger,
		rng:         rand.New(rand.NewSource(1)),
		nowFn:       time.Now,
		actions:     make(chan Action, 256),
		transitions: make(chan Transition, 256),
	}
}

// Actions returns the channel of pending dial/close effects.
func (g *Governor) Actions() <-chan Action { return g.actions }

// Transitions returns the channel of state-change notifications.
func (g *Governor) Transitions() <-chan Transition { return g.transitions }

func (g *Governor) now() time.Time { return g.nowFn() }

func (g *Governor) emit(a Action) {
	select {
	case g.actions <- a:
	default:
		g.logger.Warn("governor: action channel full, dropping action")
	}
}

// transition performs a state change, enforcing legality by construction
// and emitting a Transition notification.
func (g *Governor) transition(p *Peer, to State) {
	from := p.State
	if from == to {
		return
	}
	if !canTransition(from, to) {
		g.logger.WithFields(logrus.Fields{"peer": p.NodeID, "from": from, "to": to}).
			Error("governor: illegal state transition suppressed")
		return
	}
	p.State = to
	now := g.now()
	switch to {
	case Warm:
		p.WarmSince = now
		if from == Hot {
			p.LastDemoted = now
		}
	case Hot:
		p.HotSince = now
	case Cold:
		if from == Hot || from == Warm {
			p.LastDemoted = now
		}
	}
	select {
	case g.transitions <- Transition{NodeID: p.NodeID, From: from, To: to, At: now}:
	default:
		g.logger.Warn("governor: transition channel full, dropping notification")
	}
}

// bootstrapPlaceholderID derives a stable placeholder node id for a
// bootnode address, replaced once the real handshake completes (spec
// §4.1 "Bootstrap").
func bootstrapPlaceholderID(addr string) string {
	sum := sha256.Sum256([]byte("bootstrap:" + addr))
	return "bootstrap-" + hex.EncodeToString(sum[:8])
}

// SeedBootstrap registers configured bootnode addresses as cold peers with
// a placeholder node_id, to be merged into a real identity on handshake.
func (g *Governor) SeedBootstrap(addrs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, addr := range addrs {
		id := bootstrapPlaceholderID(addr)
		if _, ok := g.peers[id]; ok {
			continue
		}
		g.peers[id] = &Peer{
			NodeID: id, Addrs: []string{addr}, Groups: map[string]bool{},
			State: Cold, CreatedAt: now, LastActive: now, isBootstrap: true,
		}
	}
}

// Peers returns a snapshot of every known peer.
func (g *Governor) Peers() []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Snapshot, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, snapshotOf(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts returns the current population of each state, used by the
// orchestrator's status query (spec §6).
func (g *Governor) Counts() (cold, warm, hot, banned int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.peers {
		switch p.State {
		case Cold:
			cold++
		case Warm:
			warm++
		case Hot:
			hot++
		case Banned:
			banned++
		}
	}
	return
}

// PeerGroups returns the advertised group set of a known peer, used by the
// replication engine's group gate (spec §4.3).
func (g *Governor) PeerGroups(nodeID string) (map[string]bool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[nodeID]
	if !ok {
		return nil, false
	}
	out := make(map[string]bool, len(p.Groups))
	for k := range p.Groups {
		out[k] = true
	}
	return out, true
}

// IsTransparentRelay reports whether a peer advertised the wildcard group,
// this node's signal that it relays items for any group it knows
// (spec §4.4).
func (g *Governor) IsTransparentRelay(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[nodeID]
	return ok && p.Groups[WildcardGroup]
}

// TransparentRelayPeers returns the node ids of all peers advertising the
// wildcard group.
func (g *Governor) TransparentRelayPeers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, p := range g.peers {
		if p.Groups[WildcardGroup] {
			out = append(out, p.NodeID)
		}
	}
	sort.Strings(out)
	return out
}

// WildcardGroup is the sentinel a transparent relay advertises in its
// handshake/peer-share group set to signal it accepts items for any group
// (spec §4.4), without widening the bit-exact wire schema.
const WildcardGroup = "*"

// KeeperGroup is the analogous sentinel a keeper/archive node advertises
// to signal long-term retention service, for discovery via peer-share
// capability flags (spec §4.4).
const KeeperGroup = "**"

// IsKeeper reports whether a peer advertised the keeper/archive sentinel.
func (g *Governor) IsKeeper(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[nodeID]
	return ok && p.Groups[KeeperGroup]
}

// HotPeersForGroup returns the node ids of hot peers advertising groupID,
// the replication engine's push fan-out target set (spec §4.3).
func (g *Governor) HotPeersForGroup(groupID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, p := range g.peers {
		if p.State == Hot && p.hasGroup(groupID) {
			out = append(out, p.NodeID)
		}
	}
	sort.Strings(out)
	return out
}

// SampleHotOrWarmForGroup returns one randomly chosen hot-or-warm peer
// advertising groupID, for the anti-entropy loop (spec §4.3), or "" if none.
func (g *Governor) SampleHotOrWarmForGroup(groupID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var candidates []string
	for _, p := range g.peers {
		if (p.State == Hot || p.State == Warm) && p.hasGroup(groupID) {
			candidates = append(candidates, p.NodeID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[g.rng.Intn(len(candidates))]
}
