package hubcache

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// statsCollector counts responses per X-SW-Cache source and their sizes.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	bySource map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.bySource[source]++
	s.mu.Unlock()
}

type statsSnapshot struct {
	TotalResponses uint64            `json:"totalResponses"`
	TotalRespBytes uint64            `json:"totalRespBytes"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
	BySource       map[string]uint64 `json:"bySource"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	by := make(map[string]uint64, len(s.bySource))
	for k, v := range s.bySource {
		by[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{BySource: by}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.totalRespBytes.Load()
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		BySource:       by,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			queued, _ := s.queue.Len()
			s.log.Info("stats",
				"responses", ss.TotalResponses,
				"hit", ss.BySource[SourceHit],
				"stale", ss.BySource[SourceStale],
				"offline", ss.BySource[SourceOffline],
				"resp_min", formatBytes(ss.MinRespBytes),
				"resp_avg", formatBytes(ss.AvgRespBytes),
				"resp_max", formatBytes(ss.MaxRespBytes),
				"queued", queued,
			)
			if rss, ok := processRSSBytes(); ok {
				anon, _ := processAnonBytes()
				s.log.Debug("memory", "rss", formatBytes(rss), "anon", formatBytes(anon))
			}
			for _, ls := range s.latency.All() {
				s.log.Debug("latency", "summary", ls.String())
			}
		}
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
