// Package orchestrator assembles identity, storage, governor, replication,
// and transport into one running node and drives the four long-running
// tasks of spec §5: the governor tick loop, the anti-entropy loop, the
// group-exchange loop, and the QUIC accept/dial driver.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"memnet/internal/config"
	"memnet/internal/governor"
	"memnet/internal/identity"
	"memnet/internal/metrics"
	"memnet/internal/replication"
	"memnet/internal/storage"
	"memnet/internal/transport"
)

// Node bundles every subsystem of a running memnet instance.
type Node struct {
	cfg     *config.Config
	logger  *logrus.Logger
	id      *identity.Identity
	store   *storage.SQLiteStore
	gov     *governor.Governor
	engine  *replication.Engine
	metrics *metrics.Metrics
	server  *transport.Server
	client  *transport.Client

	writes chan replication.WriteNotification
	wg     sync.WaitGroup
}

// New wires every subsystem from cfg but does not start any background
// task; call Run to do that.
func New(cfg *config.Config, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	id, err := identity.Load(cfg.Identity.KeyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load identity: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open storage: %w", err)
	}

	gov := governor.New(governor.Config{
		HotMin: cfg.Governor.HotMin, HotMax: cfg.Governor.HotMax,
		WarmMin: cfg.Governor.WarmMin, WarmMax: cfg.Governor.WarmMax,
		ColdMax: cfg.Governor.ColdMax, TickInterval: cfg.Governor.TickInterval,
		DeadPeerTimeout: cfg.Governor.DeadPeerTimeout, StaleItemWindow: cfg.Governor.StaleItemWindow,
		WarmTenureMin: cfg.Governor.WarmTenureMin, ChurnFraction: cfg.Governor.ChurnFraction,
		ChurnInterval: cfg.Governor.ChurnInterval, ScoreAlpha: cfg.Governor.ScoreAlpha,
		BanBase: cfg.Governor.BanBase, BanCap: cfg.Governor.BanCap, BanMemoryWindow: cfg.Governor.BanMemoryWindow,
	}, logger)

	caps := replication.Capabilities{
		TransparentRelay: cfg.Capabilities.TransparentRelay,
		DynamicRelay:     cfg.Capabilities.DynamicRelay,
		Bootnode:         cfg.Capabilities.Bootnode,
		Keeper:           cfg.Capabilities.Keeper,
	}
	engine := replication.New(store, gov, id, replication.Config{
		RetentionWindow: cfg.Storage.RetentionWindow, GCInterval: cfg.Storage.GCInterval,
	}, caps, logger)

	m := metrics.New()
	engine.SetMetrics(m)
	gov.SetBanObserver(func() { m.BansIssued.Inc() })

	tcfg := transport.Config{
		ListenAddr: cfg.Network.ListenAddr, IdleTimeout: cfg.Network.IdleTimeout,
		KeepAlivePeriod: cfg.Network.KeepAlivePeriod, MaxStreamsPerConn: cfg.Network.MaxStreamsPerConn,
		MaxConnsPerIP: cfg.Network.MaxConnsPerIP, DialTimeout: cfg.Network.DialTimeout,
		RequestTimeout: cfg.Network.RequestTimeout, MaxInflightPerProtocol: cfg.Network.MaxInflightPerProtocol,
	}
	handlers := transport.NewHandlers(tcfg, engine, gov, logger)
	server := transport.NewServer(tcfg, id, gov, handlers, logger)
	client := transport.NewClient(tcfg, id, gov, handlers, logger)
	engine.SetSender(client)

	n := &Node{
		cfg: cfg, logger: logger, id: id, store: store, gov: gov, engine: engine,
		metrics: m, server: server, client: client,
		writes: make(chan replication.WriteNotification, 256),
	}

	var seeds []string
	for _, b := range cfg.Bootnodes {
		seeds = append(seeds, b.Addr)
	}
	gov.SeedBootstrap(seeds)

	return n, nil
}

// WriteNotifications returns the channel the local API feeds every local
// write into (spec §3, §6); the orchestrator fans these into the
// replication engine's chatty eager-push dispatch.
func (n *Node) WriteNotifications() chan<- replication.WriteNotification { return n.writes }

// Metrics exposes the node's prometheus registry for a status/metrics
// endpoint outside this module's scope.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Governor exposes the peer table for a status query.
func (n *Node) Governor() *governor.Governor { return n.gov }

// NodeID returns this node's derived identity.
func (n *Node) NodeID() string { return n.id.NodeID.String() }

// Run starts every long-running task, blocks until ctx is cancelled, and
// then waits for those tasks to return. It does not close transport or
// storage; Shutdown does that.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.ListenAndServe(ctx, n.advertisedGroups); err != nil {
			select {
			case errCh <- err:
			default:
			}
			cancel()
		}
	}()

	n.wg.Add(1)
	go n.runTickLoop(ctx)

	n.wg.Add(1)
	go n.runActionLoop(ctx)

	n.wg.Add(1)
	go n.runWriteFanIn(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.engine.RunAntiEntropyLoop(ctx, n.cfg.Governor.TickInterval*10)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.engine.RunGroupExchangeLoop(ctx, 0)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.engine.RunTombstoneGC(ctx)
	}()

	n.dialBootnodes(ctx)

	<-ctx.Done()
	n.wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Shutdown tears down transport and storage; call after Run returns (or
// its context has been cancelled from outside).
func (n *Node) Shutdown() error {
	_ = n.client.Close()
	_ = n.server.Close()
	return n.store.Close()
}

func (n *Node) advertisedGroups() []string {
	groups, err := n.store.ListGroups(context.Background())
	if err != nil {
		n.logger.WithError(err).Warn("orchestrator: list groups for handshake advertisement failed")
		return nil
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if !g.IsTombstone() {
			out = append(out, g.ID)
		}
	}
	if n.cfg.Capabilities.TransparentRelay {
		out = append(out, governor.WildcardGroup)
	}
	if n.cfg.Capabilities.Keeper {
		out = append(out, governor.KeeperGroup)
	}
	return out
}

func (n *Node) dialBootnodes(ctx context.Context) {
	for _, b := range n.cfg.Bootnodes {
		b := b
		go func() {
			if err := n.client.Dial(ctx, b.NodeID, b.Addr, n.advertisedGroups()); err != nil {
				n.logger.WithError(err).WithField("addr", b.Addr).Warn("orchestrator: bootnode dial failed")
			}
		}()
	}
}

func (n *Node) runTickLoop(ctx context.Context) {
	defer n.wg.Done()
	interval := n.cfg.Governor.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n.gov.Tick()
			if n.metrics != nil {
				n.metrics.TickDuration.Observe(time.Since(start).Seconds())
				n.metrics.ObservePeerCounts(n.gov)
			}
		}
	}
}

// runActionLoop consumes the governor's dial/close effects (spec §4.1
// "Outputs") and performs them against the transport layer.
func (n *Node) runActionLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-n.gov.Actions():
			if !ok {
				return
			}
			switch a.Kind {
			case governor.ActionDial:
				if err := n.client.Dial(ctx, a.NodeID, a.Addr, n.advertisedGroups()); err != nil {
					n.logger.WithError(err).WithField("peer", a.NodeID).Debug("orchestrator: action dial failed")
				}
			case governor.ActionClose:
				// the governor itself closes a peer's tracked Connection
				// synchronously on demotion/ban/disconnect (see
				// governor.closeConn); this action is forwarded purely for
				// observability, e.g. a future audit log.
				n.logger.WithField("peer", a.NodeID).Debug("orchestrator: peer connection closed")
			}
		}
	}
}

func (n *Node) runWriteFanIn(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case wn, ok := <-n.writes:
			if !ok {
				return
			}
			n.engine.HandleWriteNotification(ctx, wn)
		}
	}
}
