package swcache

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per key and interval. Lines
// dropped in between are counted and reported with the next printed one.
type rateLimitedLogger struct {
	mu         sync.Mutex
	interval   time.Duration
	lastAt     map[string]time.Time
	suppressed map[string]int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		interval:   interval,
		lastAt:     map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.suppressed[key]++
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	n := l.suppressed[key]
	delete(l.suppressed, key)
	l.mu.Unlock()

	if n > 0 {
		log.Printf(format+" (%d similar suppressed)", append(args, n)...)
		return
	}
	log.Printf(format, args...)
}
