package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memnet/internal/config"
	"memnet/internal/replication"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.Identity.KeyFile = filepath.Join(dir, "node.key")
	cfg.Storage.DBPath = filepath.Join(dir, "memnet.db")
	cfg.Network.ListenAddr = "127.0.0.1:0"
	cfg.Governor.TickInterval = 10 * time.Millisecond
	cfg.Governor.HotMin, cfg.Governor.WarmMin, cfg.Governor.ColdMax = 1, 1, 10
	return &cfg
}

func TestNewWiresEverySubsystem(t *testing.T) {
	n, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NotEmpty(t, n.NodeID())
	require.NotNil(t, n.Governor())
	require.NotNil(t, n.Metrics())
	require.NoError(t, n.Shutdown())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	n, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	require.NoError(t, n.Shutdown())
}

func TestWriteNotificationsReachesReplicationEngine(t *testing.T) {
	n, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer n.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go n.Run(ctx)

	// A notification for an item that was never written is a harmless
	// no-op: HandleWriteNotification looks it up and logs, nothing panics.
	n.WriteNotifications() <- replication.WriteNotification{
		ItemID: "missing-item", GroupID: "g1", ItemType: "memory", Culture: `{"style":"chatty"}`,
	}

	time.Sleep(20 * time.Millisecond)
}
