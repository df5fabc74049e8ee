package hubcache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// latencyTracker keeps one DDSketch per operation (strategy name, origin
// fetch, ...).
type latencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

func newLatencyTracker(relativeAccuracy float64) *latencyTracker {
	return &latencyTracker{
		sketches:         map[string]*ddsketch.DDSketch{},
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds d, in milliseconds, to the sketch of operation.
func (lt *latencyTracker) Record(operation string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sk, ok := lt.sketches[operation]
	if !ok {
		var err error
		sk, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sk, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sk
	}
	_ = sk.Add(float64(d.Microseconds()) / 1000.0)
}

type latencyStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"minMs"`
	P50       float64 `json:"p50Ms"`
	P95       float64 `json:"p95Ms"`
	P99       float64 `json:"p99Ms"`
	Max       float64 `json:"maxMs"`
}

func (lt *latencyTracker) Stats(operation string) (latencyStats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *latencyTracker) statsLocked(operation string) (latencyStats, error) {
	sk, ok := lt.sketches[operation]
	if !ok {
		return latencyStats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	count := sk.GetCount()
	if count == 0 {
		return latencyStats{Operation: operation}, nil
	}
	minv, _ := sk.GetMinValue()
	p50, _ := sk.GetValueAtQuantile(0.50)
	p95, _ := sk.GetValueAtQuantile(0.95)
	p99, _ := sk.GetValueAtQuantile(0.99)
	maxv, _ := sk.GetMaxValue()
	return latencyStats{
		Operation: operation,
		Count:     int64(count),
		Min:       minv,
		P50:       p50,
		P95:       p95,
		P99:       p99,
		Max:       maxv,
	}, nil
}

// All returns stats for every operation, sorted by name.
func (lt *latencyTracker) All() []latencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]latencyStats, 0, len(lt.sketches))
	for op := range lt.sketches {
		if st, err := lt.statsLocked(op); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (s latencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.P50, s.P95, s.P99, s.Max)
}
