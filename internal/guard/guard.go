// Package guard implements per-source abuse containment for the check-in
// path: a fixed-window rate limit and a failure counter that blocks a
// source for a while once it reaches a threshold.
//
// All expiry is lazy. Windows and blocks are evaluated on the call that
// observes them, so no background goroutine is needed and state for a
// source is only touched by calls for that source.
package guard

import (
	"hash/fnv"
	"sync"
	"time"

	"qrattend/internal/apperr"
)

const (
	shardCount = 32
	// once a shard holds this many sources, idle entries are dropped on the
	// next admission that lands in it
	pruneThreshold = 4096
)

// Config holds the guard limits. Zero fields take the defaults.
type Config struct {
	Window        time.Duration
	MaxRequests   int
	MaxFailures   int
	BlockDuration time.Duration
}

// DefaultConfig returns 100 requests per minute and a 15 minute block after
// 5 failures.
func DefaultConfig() Config {
	return Config{
		Window:        time.Minute,
		MaxRequests:   100,
		MaxFailures:   5,
		BlockDuration: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = d.BlockDuration
	}
	return c
}

type sourceState struct {
	requests    int
	windowStart time.Time
	failures    int
	blockedAt   time.Time // zero when not blocked
}

func (s *sourceState) idle(now time.Time, cfg Config) bool {
	return s.failures == 0 && s.blockedAt.IsZero() && now.Sub(s.windowStart) >= cfg.Window
}

type shard struct {
	mu    sync.Mutex
	state map[string]*sourceState
}

// Guard tracks request rate and failure history per network source.
type Guard struct {
	cfg    Config
	now    func() time.Time
	shards [shardCount]shard
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a guard with the given limits.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{cfg: cfg.withDefaults(), now: time.Now}
	for i := range g.shards {
		g.shards[i].state = make(map[string]*sourceState)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective limits.
func (g *Guard) Config() Config { return g.cfg }

func (g *Guard) shardFor(source string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return &g.shards[h.Sum32()%shardCount]
}

// Admit decides whether a request from source may proceed. It returns nil
// on admission, or an *apperr.Error of kind Blocked or RateLimited.
func (g *Guard) Admit(source string) error {
	now := g.now()
	sh := g.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.state[source]
	if !ok {
		if len(sh.state) >= pruneThreshold {
			g.prune(sh, now)
		}
		st = &sourceState{windowStart: now}
		sh.state[source] = st
	}

	if !st.blockedAt.IsZero() {
		if now.Sub(st.blockedAt) <= g.cfg.BlockDuration {
			return apperr.New(apperr.Blocked, "source blocked due to suspicious activity")
		}
		st.blockedAt = time.Time{}
		st.failures = 0
	}

	if now.Sub(st.windowStart) >= g.cfg.Window {
		st.requests = 0
		st.windowStart = now
	}
	if st.requests >= g.cfg.MaxRequests {
		return apperr.New(apperr.RateLimited, "too many requests")
	}
	st.requests++
	return nil
}

// RecordFailure counts a failed attempt from source and blocks it once the
// failure threshold is reached.
func (g *Guard) RecordFailure(source string) {
	now := g.now()
	sh := g.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.state[source]
	if !ok {
		st = &sourceState{windowStart: now}
		sh.state[source] = st
	}
	st.failures++
	if st.failures >= g.cfg.MaxFailures && st.blockedAt.IsZero() {
		st.blockedAt = now
	}
}

// Failures returns the current failure count for source and whether it is
// blocked. An expired block is still reported until the next Admit clears it.
func (g *Guard) Failures(source string) (int, bool) {
	sh := g.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.state[source]
	if !ok {
		return 0, false
	}
	return st.failures, !st.blockedAt.IsZero()
}

// prune drops sources that carry no information any more. Caller holds sh.mu.
func (g *Guard) prune(sh *shard, now time.Time) {
	for k, st := range sh.state {
		if st.idle(now, g.cfg) {
			delete(sh.state, k)
		}
	}
}
