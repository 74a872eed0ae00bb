package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/evidentsys/evident/clock"
	"github.com/evidentsys/evident/digest"
)

// Tail captures the live end of a chain: the last durable counter, its
// MAC, and its timestamp. Publishing the tail lets verifiers detect
// truncation of the suffix.
type Tail struct {
	Counter   uint64
	Timestamp uint64
	MAC       [digest.Size]byte
}

// Anchor is a periodic (counter, mac) checkpoint. Verification can
// resume from an anchor instead of replaying the whole chain.
type Anchor struct {
	Counter   uint64
	Timestamp uint64
	MAC       [digest.Size]byte
}

// Store abstracts durable persistence for a single chain.
// Append must be atomic: the entry, the new tail, and the optional
// anchor land together or not at all.
type Store interface {
	Append(e Entry, tail Tail, anchor *Anchor) error
	// Iter streams entries with Counter >= fromCounter in ascending
	// order. The returned func cancels the iteration.
	Iter(fromCounter uint64) (<-chan Entry, func() error, error)
	Tail() (Tail, bool, error)
	AnchorAt(counter uint64) (Anchor, bool, error)
	ListAnchors() ([]Anchor, error)
	Close() error
}

// StorageError wraps a backing-store failure. The writer's in-memory
// state never advances past a failed durable write.
type StorageError struct {
	Stage string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Stage, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ErrSealed is returned by Append after the chain has been sealed.
var ErrSealed = errors.New("chain is sealed")

// ErrMessageTooLarge is returned when a message exceeds the configured cap.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// ErrBadLevel is returned for levels outside TRACE..FATAL.
var ErrBadLevel = errors.New("invalid log level")

// SealMarker is the message of the distinguished end-marker entry
// written by Seal.
const SealMarker = "CHAIN-SEALED"

// Config controls writer behavior. Key is required; zero values
// elsewhere take defaults.
type Config struct {
	Key             []byte       // MAC key, digest.KeySize bytes
	Suite           digest.Suite // nil means digest.HMACSHA256{}
	Clock           clock.Source // nil means clock.NewSystem()
	MaxMessageBytes int          // 0 means DefaultMaxMessageBytes
	AnchorEvery     uint64       // persist an anchor every N entries (0=disabled)
}

type writerState int

const (
	stateEmpty writerState = iota
	stateActive
	stateSealed
)

// Writer is the single producer for one chain. All appends pass through
// one short critical section; concurrent callers multiplex through it.
type Writer struct {
	mu      sync.Mutex
	cfg     Config
	suite   digest.Suite
	clk     clock.Source
	store   Store
	state   writerState
	counter uint64
	prevMAC [digest.Size]byte
	lastTS  uint64
}

// NewWriter binds a writer to a store. If the store already holds a
// tail, the writer resumes from it (counter, MAC, and timestamp floor),
// keeping the chain contiguous across restarts.
func NewWriter(cfg Config, store Store) (*Writer, error) {
	if len(cfg.Key) != digest.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", digest.KeySize, len(cfg.Key))
	}
	if cfg.Suite == nil {
		cfg.Suite = digest.HMACSHA256{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}

	w := &Writer{cfg: cfg, suite: cfg.Suite, clk: cfg.Clock, store: store}

	tail, ok, err := store.Tail()
	if err != nil {
		return nil, &StorageError{Stage: "tail", Cause: err}
	}
	if ok {
		w.state = stateActive
		w.counter = tail.Counter
		w.prevMAC = tail.MAC
		w.lastTS = tail.Timestamp
	}
	return w, nil
}

// Append authenticates and persists one entry. It reads the live
// counter and predecessor MAC under the writer lock, computes the MAC,
// stores the entry durably, then publishes the new tail state. A failed
// durable write leaves the in-memory tail untouched.
func (w *Writer) Append(level Level, message []byte) (Entry, error) {
	if !level.Valid() {
		return Entry{}, ErrBadLevel
	}
	if len(message) > w.cfg.MaxMessageBytes {
		return Entry{}, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(message), w.cfg.MaxMessageBytes)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(level, message)
}

func (w *Writer) appendLocked(level Level, message []byte) (Entry, error) {
	if w.state == stateSealed {
		return Entry{}, ErrSealed
	}

	ts := w.clk.WallNow()
	if ts < w.lastTS {
		ts = w.lastTS // wall clock stepped back; hold the non-decreasing line
	}

	e := Entry{
		Timestamp: ts,
		Level:     level,
		Counter:   w.counter + 1,
		Message:   append([]byte(nil), message...),
		PrevMAC:   w.prevMAC,
	}
	e.MAC = ComputeMAC(w.suite, w.cfg.Key, &e)

	tail := Tail{Counter: e.Counter, Timestamp: e.Timestamp, MAC: e.MAC}
	var anchor *Anchor
	if w.cfg.AnchorEvery != 0 && e.Counter%w.cfg.AnchorEvery == 0 {
		anchor = &Anchor{Counter: e.Counter, Timestamp: e.Timestamp, MAC: e.MAC}
	}

	if err := w.store.Append(e, tail, anchor); err != nil {
		return Entry{}, &StorageError{Stage: "append", Cause: err}
	}

	w.state = stateActive
	w.counter = e.Counter
	w.prevMAC = e.MAC
	w.lastTS = e.Timestamp
	return e, nil
}

// Seal writes the distinguished end-marker entry and moves the chain to
// its terminal state. Further appends fail with ErrSealed.
func (w *Writer) Seal() (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.appendLocked(Info, []byte(SealMarker))
	if err != nil {
		return Entry{}, err
	}
	w.state = stateSealed
	return e, nil
}

// Sealed reports whether the chain has reached its terminal state.
func (w *Writer) Sealed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateSealed
}

// Tail returns the writer's view of the live tail. ok is false while the
// chain is empty.
func (w *Writer) Tail() (tail Tail, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateEmpty {
		return Tail{}, false
	}
	return Tail{Counter: w.counter, Timestamp: w.lastTS, MAC: w.prevMAC}, true
}

// Snapshot reads all entries in [fromCounter, tail] into memory as an
// immutable slice for verifiers and the bundle assembler.
func (w *Writer) Snapshot(fromCounter uint64) ([]Entry, error) {
	ch, done, err := w.store.Iter(fromCounter)
	if err != nil {
		return nil, &StorageError{Stage: "iter", Cause: err}
	}
	defer func() { _ = done() }()
	var out []Entry
	for e := range ch {
		out = append(out, e)
	}
	return out, nil
}
