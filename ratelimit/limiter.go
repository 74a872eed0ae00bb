// Package ratelimit implements a sliding-window rate limiter with
// per-key windowed counters. An Allow decision never violates the
// declared budget: the count of admissions in any interval of length
// duration ending at or after the decision is bounded by capacity.
package ratelimit

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/evidentsys/evident/clock"
)

// Decision is the admission result. Deny is a normal outcome, not an
// error.
type Decision uint8

// Admission outcomes.
const (
	Deny Decision = iota
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DefaultShardCount is the number of key-map shards unless configured.
const DefaultShardCount = 64

// Config declares the window policy.
type Config struct {
	Capacity   uint64        // admissible cost per window
	Duration   time.Duration // window length
	ShardCount int           // 0 means DefaultShardCount
	Clock      clock.Source  // nil means clock.NewSystem(); monotonic readings drive the window
}

// ErrBadPolicy is returned for a zero capacity or non-positive duration.
var ErrBadPolicy = errors.New("capacity and duration must be positive")

// event is one admitted (timestamp, cost) pair.
type event struct {
	ts   uint64
	cost uint64
}

// windowState is the per-key deque of admitted events plus the cached
// sum of their costs. The cache always equals the sum of costs whose
// timestamp lies in (now-duration, now]; stale events are pruned before
// any read.
type windowState struct {
	events []event // FIFO; events[head:] are live
	head   int
	sum    uint64
	lastTS uint64 // last activity, drives idle eviction
}

func (w *windowState) prune(now, duration uint64) {
	for w.head < len(w.events) {
		e := w.events[w.head]
		if clock.InSpan(e.ts, now, duration) {
			break
		}
		w.sum -= e.cost
		w.head++
	}
	if w.head == len(w.events) {
		w.events = w.events[:0]
		w.head = 0
	} else if w.head > 256 && w.head*2 >= len(w.events) {
		n := copy(w.events, w.events[w.head:])
		w.events = w.events[:n]
		w.head = 0
	}
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*windowState
}

// Limiter admits or denies requests under the sliding-window policy.
// The key map is sharded so unrelated keys do not contend; a key's
// admissions are totally ordered by its shard lock. No I/O happens
// under any lock.
type Limiter struct {
	cfg      Config
	duration uint64 // nanoseconds
	clk      clock.Source
	shards   []shard

	decisions *decisionDigest

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New validates the policy and builds the limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Capacity == 0 || cfg.Duration <= 0 {
		return nil, ErrBadPolicy
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	l := &Limiter{
		cfg:       cfg,
		duration:  uint64(cfg.Duration),
		clk:       cfg.Clock,
		shards:    make([]shard, cfg.ShardCount),
		decisions: newDecisionDigest(),
	}
	for i := range l.shards {
		l.shards[i].keys = make(map[string]*windowState)
	}
	return l, nil
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Admit decides one request of the given cost against key's window.
// Decisions are a pure function of the (time, key, cost) sequence.
func (l *Limiter) Admit(key string, cost uint64) Decision {
	now := l.clk.MonoNow()
	d := l.admitAt(key, now, cost)
	l.decisions.record(key, now, cost, d)
	return d
}

func (l *Limiter) admitAt(key string, now, cost uint64) Decision {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.keys[key]
	if w == nil {
		w = &windowState{}
		sh.keys[key] = w
	}

	w.prune(now, l.duration)
	w.lastTS = now

	if w.sum+cost > l.cfg.Capacity {
		return Deny
	}
	w.events = append(w.events, event{ts: now, cost: cost})
	w.sum += cost
	return Allow
}

// Sweep removes keys with no activity within one window duration. It
// takes each shard lock in turn; eviction of an idle key cannot admit a
// burst because an idle key's live window is already empty.
func (l *Limiter) Sweep() int {
	now := l.clk.MonoNow()
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.keys {
			if !clock.InSpan(w.lastTS, now, l.duration) {
				delete(sh.keys, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until StopSweeper is called.
func (l *Limiter) StartSweeper(interval time.Duration) {
	l.sweepStop = make(chan struct{})
	l.sweepDone = make(chan struct{})
	go func() {
		defer close(l.sweepDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.Sweep()
			case <-l.sweepStop:
				return
			}
		}
	}()
}

// StopSweeper stops the background sweep, if one is running.
func (l *Limiter) StopSweeper() {
	if l.sweepStop == nil {
		return
	}
	l.sweepOnce.Do(func() { close(l.sweepStop) })
	<-l.sweepDone
}

// Keys returns the number of tracked keys across all shards.
func (l *Limiter) Keys() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}

// Digest returns the running digest over all decisions so far.
func (l *Limiter) Digest() DigestState { return l.decisions.state() }
