package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"memnet/internal/governor"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return 0
}

func TestNewRegistersEveryCollectorOnADedicatedRegistry(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestObservePeerCountsSetsGaugesByState(t *testing.T) {
	m := New()
	gov := governor.New(governor.Config{HotMin: 1, WarmMin: 1, ColdMax: 10}, nil)
	gov.HandleEvent(governor.Event{Kind: governor.EventHandshakeSuccess, NodeID: "n1", Addr: "10.0.0.1:4433"})

	m.ObservePeerCounts(gov)

	var out dto.Metric
	require.NoError(t, m.PeersByState.WithLabelValues("warm").Write(&out))
	require.Equal(t, 1.0, out.Gauge.GetValue())
}

func TestItemsPushedIsACounter(t *testing.T) {
	m := New()
	m.ItemsPushed.Add(3)
	require.Equal(t, 3.0, counterValue(t, m.ItemsPushed))
}
