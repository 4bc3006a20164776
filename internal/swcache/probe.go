package swcache

import (
	"context"
	"log"
	"sync"
	"time"
)

// prober checks reachability of the probe URL and announces recovery.
type prober struct {
	e *Engine

	mu      sync.Mutex
	failing bool
}

// probeOnce runs one health check. A success that follows a failure
// broadcasts BackOnline; with announce set any success does.
func (p *prober) probeOnce(ctx context.Context, announce bool) bool {
	e := p.e
	req, err := NewRequest(e.cfg.ResolveURL(e.cfg.Probe.URL))
	if err != nil {
		log.Printf("swcache: probe: %v", err)
		return false
	}
	resp, err := fetchLive(ctx, e.fetcher, req, e.cfg.Fetch.timeoutDur)
	ok := err == nil && resp.OK()

	p.mu.Lock()
	wasFailing := p.failing
	p.failing = !ok
	p.mu.Unlock()

	switch {
	case ok && (wasFailing || announce):
		n := e.hub.Broadcast(BackOnline{At: e.now()})
		log.Printf("swcache: probe: back online, notified %d consumers", n)
	case !ok && !wasFailing:
		if err != nil {
			log.Printf("swcache: probe: offline: %v", err)
		} else {
			log.Printf("swcache: probe: offline: status %d", resp.Status)
		}
	}
	return ok
}

func (p *prober) loop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-p.e.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			p.probeOnce(ctx, false)
			cancel()
		}
	}
}

// Sync runs one probe on demand and notifies consumers if the origin is
// reachable, whether or not a failure was seen before.
func (e *Engine) Sync(ctx context.Context) bool {
	return e.prober.probeOnce(ctx, true)
}
