package statediff

import (
	"errors"
	"fmt"
	"sync"

	"github.com/evidentsys/evident/clock"
	"github.com/evidentsys/evident/digest"
)

// VersionStore persists committed versions and periodic state
// snapshots. Implementations: in-memory and SQLite.
type VersionStore interface {
	AppendVersion(v VersionRecord) error
	ListVersions() ([]VersionRecord, error)
	PutSnapshot(versionID string, stateBytes []byte) error
	GetSnapshot(versionID string) ([]byte, bool, error)
	ListSnapshotIDs() ([]string, error)
	Close() error
}

// DefaultSnapshotEvery is the snapshot cadence in commits.
const DefaultSnapshotEvery = 16

// LogConfig controls the version log.
type LogConfig struct {
	Suite         digest.Suite // nil means digest.HMACSHA256{}
	Clock         clock.Source // nil means clock.NewSystem()
	SnapshotEvery int          // 0 means DefaultSnapshotEvery
}

// VersionLog serializes all state mutation through a single
// administrator actor: one writer mutex, any number of readers over the
// immutable values it hands out.
type VersionLog struct {
	mu    sync.Mutex
	cfg   LogConfig
	store VersionStore
	cur   *State
	seq   uint64
	last  string // id of the latest version, "" before any commit
}

// NewVersionLog replays the store (if any) to rebuild current state.
func NewVersionLog(cfg LogConfig, store VersionStore) (*VersionLog, error) {
	if cfg.Suite == nil {
		cfg.Suite = digest.HMACSHA256{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}

	vl := &VersionLog{cfg: cfg, store: store, cur: NewState()}

	versions, err := store.ListVersions()
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	for i := range versions {
		v := &versions[i]
		next, err := Apply(vl.cur, v.Diff)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", v.ID, err)
		}
		if got := next.ContentHash(cfg.Suite); got != v.StateHash {
			return nil, fmt.Errorf("replay %s: state hash mismatch", v.ID)
		}
		vl.cur = next
		vl.seq++
		vl.last = v.ID
	}
	return vl, nil
}

// Current returns an immutable snapshot of the live state.
func (vl *VersionLog) Current() *State {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return vl.cur.Clone()
}

// Head returns the id of the latest committed version ("" when empty).
func (vl *VersionLog) Head() string {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return vl.last
}

// Commit applies d to the current state and durably records the
// resulting version. The commit is atomic: a refused diff or a failed
// store write leaves the log where it was.
func (vl *VersionLog) Commit(d Diff) (VersionRecord, error) {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	next, err := Apply(vl.cur, d)
	if err != nil {
		return VersionRecord{}, err
	}

	v := VersionRecord{
		ID:        fmt.Sprintf("v%d", vl.seq+1),
		Parent:    vl.last,
		CommitTS:  vl.cfg.Clock.WallNow(),
		StateHash: next.ContentHash(vl.cfg.Suite),
		Diff:      d,
	}

	// Snapshot first, so nothing can fail once the version is recorded.
	if seq := vl.seq + 1; seq%uint64(vl.cfg.SnapshotEvery) == 0 || seq == 1 {
		if err := vl.store.PutSnapshot(v.ID, next.Encode()); err != nil {
			return VersionRecord{}, fmt.Errorf("put snapshot: %w", err)
		}
	}

	if err := vl.store.AppendVersion(v); err != nil {
		return VersionRecord{}, fmt.Errorf("append version: %w", err)
	}

	vl.seq++
	vl.cur = next
	vl.last = v.ID
	return v, nil
}

// RevertHead reverts the latest version's diff and commits the result
// as a new version. Rollbacks are themselves recorded transitions.
func (vl *VersionLog) RevertHead() (VersionRecord, error) {
	vl.mu.Lock()
	head := vl.last
	vl.mu.Unlock()
	if head == "" {
		return VersionRecord{}, errors.New("no versions to revert")
	}

	versions, err := vl.store.ListVersions()
	if err != nil {
		return VersionRecord{}, fmt.Errorf("list versions: %w", err)
	}
	var headRec *VersionRecord
	for i := range versions {
		if versions[i].ID == head {
			headRec = &versions[i]
		}
	}
	if headRec == nil {
		return VersionRecord{}, fmt.Errorf("head version %s not in store", head)
	}

	return vl.Commit(invert(headRec.Diff))
}

// invert returns the diff whose apply equals the argument's revert.
func invert(d Diff) Diff {
	switch v := d.(type) {
	case Add:
		return Delete{ID: v.ID, Old: v.Bytes}
	case Delete:
		return Add{ID: v.ID, Bytes: v.Old}
	case Modify:
		return Modify{ID: v.ID, Old: v.New, New: v.Old}
	case MetaAdd:
		return MetaDel{ID: v.ID, Key: v.Key, Value: v.Value}
	case MetaDel:
		return MetaAdd{ID: v.ID, Key: v.Key, Value: v.Value}
	case Compose:
		return Compose{First: invert(v.Second), Second: invert(v.First)}
	default:
		panic(fmt.Sprintf("unknown diff variant %T", d))
	}
}

// VersionsIn returns versions whose commit time lies inside the closed
// wall-clock window, parent-ordered, plus the ids of stored snapshots
// among them.
func (vl *VersionLog) VersionsIn(w clock.Window) ([]VersionRecord, []string, error) {
	versions, err := vl.store.ListVersions()
	if err != nil {
		return nil, nil, fmt.Errorf("list versions: %w", err)
	}
	snapIDs, err := vl.store.ListSnapshotIDs()
	if err != nil {
		return nil, nil, fmt.Errorf("list snapshots: %w", err)
	}
	snapSet := make(map[string]bool, len(snapIDs))
	for _, id := range snapIDs {
		snapSet[id] = true
	}

	var out []VersionRecord
	var snaps []string
	for _, v := range versions {
		if !w.Contains(v.CommitTS) {
			continue
		}
		out = append(out, v)
		if snapSet[v.ID] {
			snaps = append(snaps, v.ID)
		}
	}
	return out, snaps, nil
}

// Snapshot returns the stored snapshot bytes for a version id.
func (vl *VersionLog) Snapshot(versionID string) ([]byte, bool, error) {
	return vl.store.GetSnapshot(versionID)
}

// memoryVersionStore is the in-process VersionStore.
type memoryVersionStore struct {
	mu        sync.RWMutex
	versions  []VersionRecord
	snapshots map[string][]byte
	snapOrder []string
}

// NewMemoryVersionStore returns an in-memory VersionStore.
func NewMemoryVersionStore() VersionStore {
	return &memoryVersionStore{snapshots: make(map[string][]byte)}
}

func (s *memoryVersionStore) AppendVersion(v VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, v)
	return nil
}

func (s *memoryVersionStore) ListVersions() ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VersionRecord, len(s.versions))
	copy(out, s.versions)
	return out, nil
}

func (s *memoryVersionStore) PutSnapshot(versionID string, stateBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[versionID]; !ok {
		s.snapOrder = append(s.snapOrder, versionID)
	}
	s.snapshots[versionID] = append([]byte(nil), stateBytes...)
	return nil
}

func (s *memoryVersionStore) GetSnapshot(versionID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.snapshots[versionID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *memoryVersionStore) ListSnapshotIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.snapOrder))
	copy(out, s.snapOrder)
	return out, nil
}

func (s *memoryVersionStore) Close() error { return nil }
