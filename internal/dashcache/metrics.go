package dashcache

import (
	"math"
	"sync/atomic"
	"time"
)

// Observer receives cache events for export to an external metrics system.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheError(op string)
	PayloadSize(bytes int)
	InFlight(n int)
}

type nopObserver struct{}

func (nopObserver) CacheHit()         {}
func (nopObserver) CacheMiss()        {}
func (nopObserver) CacheError(string) {}
func (nopObserver) PayloadSize(int)   {}
func (nopObserver) InFlight(int)      {}

// Error operations reported to Observer.CacheError.
const (
	errOpRead   = "read"
	errOpDecode = "decode"
	errOpEncode = "encode"
	errOpWrite  = "write"
)

// MetricsSnapshot is a point-in-time copy of the process-local counters.
type MetricsSnapshot struct {
	CacheHit   int64     `json:"cache_hit"`
	CacheMiss  int64     `json:"cache_miss"`
	CacheError int64     `json:"cache_error"`
	HitRate    float64   `json:"hit_rate"`
	LastReset  time.Time `json:"last_reset"`
}

type counters struct {
	hit       atomic.Int64
	miss      atomic.Int64
	err       atomic.Int64
	lastReset atomic.Int64 // unix nanos
}

func (c *counters) reset(now time.Time) {
	c.hit.Store(0)
	c.miss.Store(0)
	c.err.Store(0)
	c.lastReset.Store(now.UnixNano())
}

func (c *counters) snapshot() MetricsSnapshot {
	hit, miss := c.hit.Load(), c.miss.Load()
	return MetricsSnapshot{
		CacheHit:   hit,
		CacheMiss:  miss,
		CacheError: c.err.Load(),
		HitRate:    hitRate(hit, miss),
		LastReset:  time.Unix(0, c.lastReset.Load()),
	}
}

// hitRate returns hit/(hit+miss) as a percentage rounded to 2 decimals.
func hitRate(hit, miss int64) float64 {
	total := hit + miss
	if total == 0 {
		return 0
	}
	return math.Round(float64(hit)/float64(total)*100*100) / 100
}
