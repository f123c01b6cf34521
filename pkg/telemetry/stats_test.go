package telemetry

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestStatsKeeper(t *testing.T) {
	desiredState := map[string]uint64{
		StatCheckResults: 23,
		StatAlerts:       42,
		StatDowntimes:    0,
	}

	stats := &StatsKeeper{}

	// Populate based on desiredState
	for key, counterValue := range desiredState {
		ctr := stats.Get(key)
		ctr.Add(counterValue)
	}

	// Check if desiredState is set
	for key, counterValue := range desiredState {
		ctr := stats.Get(key)
		assert.Equal(t, counterValue, ctr.Val())
	}

	// Get reference, change value, compare
	fooCtr := stats.Get(StatCheckResults)
	assert.Equal(t, desiredState[StatCheckResults], fooCtr.Reset())
	assert.Equal(t, uint64(0), fooCtr.Val())
	assert.Equal(t, uint64(0), stats.Get(StatCheckResults).Val())
	fooCtr.Add(desiredState[StatCheckResults])
	assert.Equal(t, desiredState[StatCheckResults], stats.Get(StatCheckResults).Val())

	// Range over
	for key, ctr := range stats.Iterator() {
		desired, ok := desiredState[key]
		assert.True(t, ok)
		assert.Equal(t, desired, ctr.Val())
	}
}

func TestStatsKeeper_Collect(t *testing.T) {
	stats := &StatsKeeper{}
	require.Nil(t, stats.Collect())

	stats.Get(StatAlerts).Add(3)
	stats.Get(StatSuppressed)

	require.Equal(t, []string{StatAlerts, "3"}, stats.Collect())
	require.Nil(t, stats.Collect(), "counters are reset")
}
