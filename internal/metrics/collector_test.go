package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/profilesrv/internal/metrics"
)

func TestNewCollector_RegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.NeighborhoodSize == nil || c.Reconnects == nil || c.ActionsEnqueued == nil ||
		c.CapacityRejections == nil || c.ProtocolViolations == nil || c.ValidationRejections == nil {
		t.Fatal("NewCollector left a metric nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}

func TestCollector_NeighborhoodSizeGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.NeighborhoodSize.Set(3)

	m := &dto.Metric{}
	if err := c.NeighborhoodSize.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 3 {
		t.Fatalf("NeighborhoodSize = %v, want 3", got)
	}
}

func TestCollector_ActionsEnqueuedLabeledByType(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.ActionsEnqueued.WithLabelValues("AddNeighbor").Inc()
	c.ActionsEnqueued.WithLabelValues("AddNeighbor").Inc()
	c.ActionsEnqueued.WithLabelValues("RemoveNeighbor").Inc()

	add, err := c.ActionsEnqueued.GetMetricWithLabelValues("AddNeighbor")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	m := &dto.Metric{}
	if err := add.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Fatalf("AddNeighbor counter = %v, want 2", got)
	}
}
