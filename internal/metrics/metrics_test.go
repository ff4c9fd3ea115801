package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcheval/internal/gate"
)

func TestCollectors_GateHookTracksActiveSlots(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	g := gate.New(1, 0, 0, c.GateHook())
	_, err := gate.Run(context.Background(), g, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "batcheval_gate_active_slots" {
			found = true
		}
	}
	assert.True(t, found, "expected batcheval_gate_active_slots to be registered")
}
