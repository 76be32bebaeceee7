package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

const (
	defaultGuardShards   = 32
	defaultGuardCapacity = 100_000
	defaultGuardWindow   = 24 * time.Hour
	defaultGuardLease    = 15 * time.Minute
)

// Decision is the guard's verdict for a delivery.
type Decision int

const (
	// Proceed means the caller owns the request and must Finish or Abort it.
	Proceed Decision = iota
	// DuplicateInFlight means another delivery is processing the request.
	DuplicateInFlight
	// DuplicateDone means the request finished within the window.
	DuplicateDone
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case DuplicateInFlight:
		return "duplicate_in_flight"
	case DuplicateDone:
		return "duplicate_done"
	default:
		return "unknown"
	}
}

type guardShard struct {
	mu sync.Mutex
	// inFlight holds claim start times and is never evicted.
	inFlight map[uuid.UUID]time.Time
	// done holds finish times, bounded by the LRU.
	done *simplelru.LRU[uuid.UUID, time.Time]
}

// GuardConfig sizes the guard.
type GuardConfig struct {
	Shards int
	// Capacity bounds the number of finished requests tracked across shards.
	Capacity int
	// Window is how long a finished request keeps suppressing duplicates.
	Window time.Duration
	// Lease is how long an unfinished claim blocks duplicates. A claim older
	// than the lease is treated as abandoned and handed to the next delivery.
	Lease time.Duration
}

// Guard suppresses duplicate processing of the same request. State is
// partitioned across shards, each with its own lock and LRU bound, so
// unrelated requests never contend on a single mutex.
type Guard struct {
	shards []*guardShard
	window time.Duration
	lease  time.Duration
	clock  timeutil.Provider
}

// NewGuard creates a guard. Zero config values take defaults.
func NewGuard(cfg GuardConfig, clock timeutil.Provider) (*Guard, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultGuardShards
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultGuardCapacity
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultGuardWindow
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultGuardLease
	}
	if clock == nil {
		clock = timeutil.Default()
	}

	perShard := cfg.Capacity / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	g := &Guard{shards: make([]*guardShard, cfg.Shards), window: cfg.Window, lease: cfg.Lease, clock: clock}
	for i := range g.shards {
		lru, err := simplelru.NewLRU[uuid.UUID, time.Time](perShard, nil)
		if err != nil {
			return nil, fmt.Errorf("creating guard shard: %w", err)
		}
		g.shards[i] = &guardShard{inFlight: make(map[uuid.UUID]time.Time), done: lru}
	}
	return g, nil
}

func (g *Guard) shard(id uuid.UUID) *guardShard {
	return g.shards[binary.BigEndian.Uint64(id[8:])%uint64(len(g.shards))]
}

// Begin claims id. Only the first caller gets Proceed. A finished entry older
// than the window and a claim older than the lease are treated as unseen.
func (g *Guard) Begin(id uuid.UUID) Decision {
	s := g.shard(id)
	now := g.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if startedAt, ok := s.inFlight[id]; ok && now.Sub(startedAt) < g.lease {
		return DuplicateInFlight
	}
	if finishedAt, ok := s.done.Get(id); ok {
		if now.Sub(finishedAt) < g.window {
			return DuplicateDone
		}
		s.done.Remove(id)
	}
	s.inFlight[id] = now
	return Proceed
}

// Finish marks id as done so duplicates are acknowledged without work.
func (g *Guard) Finish(id uuid.UUID) {
	s := g.shard(id)
	now := g.clock.Now()

	s.mu.Lock()
	delete(s.inFlight, id)
	s.done.Add(id, now)
	s.mu.Unlock()
}

// Abort releases an in-flight claim so a redelivery can reprocess id.
func (g *Guard) Abort(id uuid.UUID) {
	s := g.shard(id)

	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// Sweep removes finished entries older than the window and claims older than
// the lease. It returns how many entries were removed.
func (g *Guard) Sweep() int {
	now := g.clock.Now()
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for _, id := range s.done.Keys() {
			if finishedAt, ok := s.done.Peek(id); ok && now.Sub(finishedAt) >= g.window {
				s.done.Remove(id)
				removed++
			}
		}
		for id, startedAt := range s.inFlight {
			if now.Sub(startedAt) >= g.lease {
				delete(s.inFlight, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked requests.
func (g *Guard) Len() int {
	n := 0
	for _, s := range g.shards {
		s.mu.Lock()
		n += len(s.inFlight) + s.done.Len()
		s.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps every interval until ctx is done.
func (g *Guard) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
