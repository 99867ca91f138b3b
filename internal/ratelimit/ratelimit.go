// Package ratelimit throttles per-device event publish traffic,
// generalizing the gateway's packet ratelimiter from a per-IP token
// bucket to a per-device one backed by golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const garbageCollectInterval = time.Minute

// entry pairs a limiter with the last time it was consulted, so the
// garbage collector can evict devices that have gone quiet.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter throttles Allow calls per device id. eventsPerSecond and
// burst configure every per-device bucket identically.
type Limiter struct {
	mu              sync.Mutex
	table           map[string]*entry
	eventsPerSecond rate.Limit
	burst           int
	stop            chan struct{}
}

// New builds a Limiter and starts its garbage-collection goroutine;
// callers must call Close when done.
func New(eventsPerSecond float64, burst int) *Limiter {
	l := &Limiter{
		table:           make(map[string]*entry),
		eventsPerSecond: rate.Limit(eventsPerSecond),
		burst:           burst,
		stop:            make(chan struct{}),
	}
	go l.collectGarbage()
	return l
}

// Allow reports whether deviceID may publish another event right now,
// consuming one token from its bucket if so.
func (l *Limiter) Allow(deviceID string) bool {
	l.mu.Lock()
	e, ok := l.table[deviceID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.eventsPerSecond, l.burst)}
		l.table[deviceID] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Close stops the garbage-collection goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) collectGarbage() {
	ticker := time.NewTicker(garbageCollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for id, e := range l.table {
				if time.Since(e.lastSeen) > garbageCollectInterval {
					delete(l.table, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
