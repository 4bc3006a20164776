package swcache

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var allSources = []Source{
	SourceNetwork, SourceCache, SourceStale, SourceFallback,
	SourceOffline, SourceError, SourceBypass,
}

// statsCollector counts responses per source and tracks body sizes.
type statsCollector struct {
	bySource map[Source]*atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: make(map[Source]*atomic.Uint64, len(allSources))}
	for _, src := range allSources {
		s.bySource[src] = new(atomic.Uint64)
	}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(resp *Response) {
	if c, ok := s.bySource[resp.Source]; ok {
		c.Add(1)
	}
	n := uint64(len(resp.Body))
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
}

type statsSnapshot struct {
	BySource       map[Source]uint64
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{BySource: make(map[Source]uint64, len(s.bySource))}
	for src, c := range s.bySource {
		out.BySource[src] = c.Load()
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}

func (e *Engine) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			log.Print(e.statsLine())
		}
	}
}

func (e *Engine) statsLine() string {
	ss := e.stats.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "swcache: state=%s served=%d", e.lifecycle.State(), ss.TotalResponses)
	for _, src := range allSources {
		fmt.Fprintf(&b, " %s=%d", src, ss.BySource[src])
	}
	fmt.Fprintf(&b, ", resp min/avg/max %s/%s/%s",
		formatBytes(ss.MinRespBytes), formatBytes(ss.AvgRespBytes), formatBytes(ss.MaxRespBytes))

	if usage, err := e.storeUsage(); err == nil {
		names := make([]string, 0, len(usage))
		for name := range usage {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString(", stores:")
		for _, name := range names {
			u := usage[name]
			fmt.Fprintf(&b, " %s=%d/%s", name, u.entries, formatBytes(uint64(u.bytes)))
		}
	}
	if rss, ok := processRSSBytes(); ok {
		fmt.Fprintf(&b, ", rss %s", formatBytes(rss))
	}
	fmt.Fprintf(&b, ", consumers %d", e.hub.Len())
	return b.String()
}

type storeFootprint struct {
	entries int
	bytes   int64
}

// storeUsage sums entry counts and sizes of every store the backend knows.
func (e *Engine) storeUsage() (map[string]storeFootprint, error) {
	names, err := e.backend.Names()
	if err != nil {
		return nil, storeUnavailable(err, "*")
	}
	out := make(map[string]storeFootprint, len(names))
	for _, name := range names {
		idx, err := e.backend.Store(name).Index()
		if err != nil {
			return nil, storeUnavailable(err, name)
		}
		u := storeFootprint{entries: len(idx)}
		for _, m := range idx {
			u.bytes += m.Size
		}
		out[name] = u
	}
	return out, nil
}
