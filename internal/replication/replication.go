// Package replication implements the culture-dispatched outbound fan-out,
// three-gate inbound routing, anti-entropy synchronization, tombstone
// garbage collection, and group-descriptor propagation described in
// spec §4.3.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"memnet/internal/governor"
	"memnet/internal/identity"
	"memnet/internal/metrics"
	"memnet/internal/storage"
	"memnet/internal/wire"
)

// WriteNotification is delivered from the local API over a channel on
// every local write (spec §3, §6). RequestID correlates this notification
// with the outbound dispatch it triggers across log lines; the API
// layer may leave it blank, in which case the engine stamps one.
type WriteNotification struct {
	ItemID    string
	GroupID   string
	ItemType  string
	Culture   string
	RequestID string
}

// Sender is the transport-facing contract the engine dispatches outbound
// mini-protocol exchanges through; the transport layer implements it.
type Sender interface {
	Push(ctx context.Context, nodeID string, payload wire.FetchResponse) (wire.PushAck, error)
	Sync(ctx context.Context, nodeID string, req wire.SyncRequest) (wire.SyncResponse, error)
	Fetch(ctx context.Context, nodeID string, req wire.FetchRequest) (wire.FetchResponse, error)
	GroupExchange(ctx context.Context, nodeID string, req wire.GroupExchange) (wire.GroupExchange, error)
}

// Capabilities selects this node's relay behaviour (spec §4.4). All nodes
// run identical code; capability flags only change dispatch decisions.
// Personal is simply the zero value of every flag below; Bootnode and
// Keeper gate transport-layer behaviour (peer-share curation and
// capability advertisement respectively) rather than replication dispatch,
// but are carried here alongside the relay flags since they are selected
// from the same node-role configuration section.
type Capabilities struct {
	TransparentRelay bool
	DynamicRelay     bool
	Bootnode         bool
	Keeper           bool
}

// Config holds the replication engine's tunables.
type Config struct {
	RetentionWindow time.Duration // default 7 days, tombstone GC cutoff
	GCInterval      time.Duration // default 24h
}

func (c *Config) applyDefaults() {
	if c.RetentionWindow == 0 {
		c.RetentionWindow = 7 * 24 * time.Hour
	}
	if c.GCInterval == 0 {
		c.GCInterval = 24 * time.Hour
	}
}

// Engine is the replication engine (spec §4.3). It owns no peer state of
// its own: peer admission comes from the governor, persistence from the
// storage contract.
type Engine struct {
	store   storage.Store
	gov     *governor.Governor
	id      *identity.Identity
	sender  Sender
	logger  *logrus.Logger
	cfg     Config
	caps    Capabilities
	metrics *metrics.Metrics

	mu                  sync.RWMutex
	sharedGroups        map[string]bool
	relayAcceptedGroups map[string]bool
	syncCursors         map[string]string // per-group anti-entropy "since" cursor
}

// New builds a replication engine. sender may be nil until the transport
// layer is wired up by the orchestrator; outbound dispatch no-ops until set.
func New(store storage.Store, gov *governor.Governor, id *identity.Identity, cfg Config, caps Capabilities, logger *logrus.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		store: store, gov: gov, id: id, cfg: cfg, caps: caps, logger: logger,
		sharedGroups:        make(map[string]bool),
		relayAcceptedGroups: make(map[string]bool),
		syncCursors:         make(map[string]string),
	}
}

// SetSender wires the transport layer's outbound dispatch after both are
// constructed, breaking the transport/replication initialization cycle.
func (e *Engine) SetSender(s Sender) { e.sender = s }

// SetMetrics wires the orchestrator's prometheus collectors; nil (the
// default) disables metric recording entirely.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Capabilities returns this node's configured role flags, read by the
// transport layer for peer-share curation and capability advertisement
// (spec §4.4).
func (e *Engine) Capabilities() Capabilities { return e.caps }

// MarkGroupShared adds a group to this node's local shared-groups set,
// called by the API handler on group create/join (spec §5).
func (e *Engine) MarkGroupShared(groupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sharedGroups[groupID] = true
}

// UnmarkGroupShared removes a group from the shared-groups set.
func (e *Engine) UnmarkGroupShared(groupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sharedGroups, groupID)
}

// isLocalGroupAdmitted implements the local gate of spec §4.3's
// three-gate check.
func (e *Engine) isLocalGroupAdmitted(groupID string) bool {
	if e.caps.TransparentRelay {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sharedGroups[groupID] {
		return true
	}
	return e.caps.DynamicRelay && e.relayAcceptedGroups[groupID]
}

func (e *Engine) logGate(ctx context.Context, peerID, itemID, groupID, gate string, passed bool, detail string) {
	entry := storage.AccessLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		PeerID:    peerID, ItemID: itemID, GroupID: groupID,
		Gate: gate, Passed: passed, Detail: detail,
	}
	if err := e.store.LogAccess(ctx, entry); err != nil {
		e.logger.WithError(err).Warn("replication: failed to persist access log entry")
	}
	if e.metrics != nil {
		e.metrics.GateDecisions.WithLabelValues(gate, boolLabel(passed)).Inc()
	}
	e.logger.WithFields(logrus.Fields{
		"peer": peerID, "item": itemID, "group": groupID, "gate": gate, "passed": passed, "detail": detail,
	}).Debug("replication: gate decision")
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
