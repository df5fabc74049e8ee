package hubcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTracker(t *testing.T) {
	lt := newLatencyTracker(0.01)
	for _, ms := range []int{1, 5, 10, 50, 100} {
		lt.Record("network-first", time.Duration(ms)*time.Millisecond)
	}
	lt.Record("cache-first", 2*time.Millisecond)

	st, err := lt.Stats("network-first")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Count)
	assert.InEpsilon(t, 1.0, st.Min, 0.02)
	assert.InEpsilon(t, 100.0, st.Max, 0.02)
	assert.InEpsilon(t, 10.0, st.P50, 0.02)
	assert.Contains(t, st.String(), "network-first (n=5)")

	_, err = lt.Stats("origin")
	assert.Error(t, err)

	all := lt.All()
	require.Len(t, all, 2)
	assert.Equal(t, "cache-first", all[0].Operation)
	assert.Equal(t, "network-first", all[1].Operation)
}

func TestLatencyStats_NoData(t *testing.T) {
	assert.Equal(t, "origin: no data", latencyStats{Operation: "origin"}.String())
}
