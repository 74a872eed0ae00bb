package statediff

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrPrecondition is the kind sentinel for refused diffs. The state is
// left unchanged when it fires.
var ErrPrecondition = errors.New("diff precondition failed")

// PreconditionError reports which variant refused and why. No silent
// repair: the error carries the facts intact.
type PreconditionError struct {
	Variant string
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Variant, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

func precondition(variant, format string, args ...any) error {
	return &PreconditionError{Variant: variant, Reason: fmt.Sprintf(format, args...)}
}

// Diff is a first-class, invertible description of a state transition.
// The six variants are Add, Delete, Modify, MetaAdd, MetaDel, and
// Compose. Delete and Modify carry the displaced bytes so reverting
// needs no journal.
type Diff interface {
	// applyTo and revertFrom mutate s in place. Callers reach them
	// through Apply and Revert, which guarantee per-diff atomicity by
	// operating on a clone.
	applyTo(s *State) error
	revertFrom(s *State) error
	// Op names the variant for wire encoding and errors.
	Op() string
}

// Apply produces the successor state. Atomic per diff: on error the
// returned state is nil and the input is untouched.
func Apply(s *State, d Diff) (*State, error) {
	next := s.Clone()
	if err := d.applyTo(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Revert produces the predecessor state. Atomic per diff, like Apply.
func Revert(s *State, d Diff) (*State, error) {
	prev := s.Clone()
	if err := d.revertFrom(prev); err != nil {
		return nil, err
	}
	return prev, nil
}

// Add inserts a new blob. Applying errors if the id already exists.
type Add struct {
	ID    string
	Bytes []byte
}

// Op returns the variant name.
func (Add) Op() string { return "add" }

func (d Add) applyTo(s *State) error {
	if _, ok := s.blobs[d.ID]; ok {
		return precondition("add", "id %q already exists", d.ID)
	}
	s.blobs[d.ID] = copyBlob(d.Bytes)
	return nil
}

func (d Add) revertFrom(s *State) error {
	cur, ok := s.blobs[d.ID]
	if !ok {
		return precondition("add", "id %q absent on revert", d.ID)
	}
	if !bytes.Equal(cur, d.Bytes) {
		return precondition("add", "id %q bytes diverged on revert", d.ID)
	}
	if len(s.meta[d.ID]) > 0 {
		return precondition("add", "id %q still carries metadata on revert", d.ID)
	}
	delete(s.blobs, d.ID)
	return nil
}

// Delete removes a blob, carrying the displaced bytes for revert. The
// blob must carry no metadata pairs: a Delete does not displace them,
// so allowing it would orphan pairs the revert could not account for.
// Compose MetaDel diffs ahead of the Delete instead.
type Delete struct {
	ID  string
	Old []byte
}

// Op returns the variant name.
func (Delete) Op() string { return "delete" }

func (d Delete) applyTo(s *State) error {
	cur, ok := s.blobs[d.ID]
	if !ok {
		return precondition("delete", "id %q absent", d.ID)
	}
	if !bytes.Equal(cur, d.Old) {
		return precondition("delete", "id %q bytes mismatch", d.ID)
	}
	if len(s.meta[d.ID]) > 0 {
		return precondition("delete", "id %q still carries metadata", d.ID)
	}
	delete(s.blobs, d.ID)
	return nil
}

func (d Delete) revertFrom(s *State) error {
	if _, ok := s.blobs[d.ID]; ok {
		return precondition("delete", "id %q present on revert", d.ID)
	}
	s.blobs[d.ID] = copyBlob(d.Old)
	return nil
}

// Modify replaces a blob, carrying both sides of the transition.
type Modify struct {
	ID  string
	Old []byte
	New []byte
}

// Op returns the variant name.
func (Modify) Op() string { return "modify" }

func (d Modify) applyTo(s *State) error {
	cur, ok := s.blobs[d.ID]
	if !ok {
		return precondition("modify", "id %q absent", d.ID)
	}
	if !bytes.Equal(cur, d.Old) {
		return precondition("modify", "id %q bytes mismatch", d.ID)
	}
	s.blobs[d.ID] = copyBlob(d.New)
	return nil
}

func (d Modify) revertFrom(s *State) error {
	cur, ok := s.blobs[d.ID]
	if !ok {
		return precondition("modify", "id %q absent on revert", d.ID)
	}
	if !bytes.Equal(cur, d.New) {
		return precondition("modify", "id %q bytes mismatch on revert", d.ID)
	}
	s.blobs[d.ID] = copyBlob(d.Old)
	return nil
}

// MetaAdd attaches a metadata pair to an id.
type MetaAdd struct {
	ID    string
	Key   string
	Value string
}

// Op returns the variant name.
func (MetaAdd) Op() string { return "meta-add" }

func (d MetaAdd) applyTo(s *State) error {
	if _, ok := s.blobs[d.ID]; !ok {
		return precondition("meta-add", "id %q absent", d.ID)
	}
	if _, ok := s.meta[d.ID][d.Key]; ok {
		return precondition("meta-add", "pair %q already set on %q", d.Key, d.ID)
	}
	if s.meta[d.ID] == nil {
		s.meta[d.ID] = make(map[string]string)
	}
	s.meta[d.ID][d.Key] = d.Value
	return nil
}

func (d MetaAdd) revertFrom(s *State) error {
	v, ok := s.meta[d.ID][d.Key]
	if !ok || v != d.Value {
		return precondition("meta-add", "exact pair (%q,%q) not present on %q", d.Key, d.Value, d.ID)
	}
	delete(s.meta[d.ID], d.Key)
	if len(s.meta[d.ID]) == 0 {
		delete(s.meta, d.ID)
	}
	return nil
}

// MetaDel removes an exact metadata pair.
type MetaDel struct {
	ID    string
	Key   string
	Value string
}

// Op returns the variant name.
func (MetaDel) Op() string { return "meta-del" }

func (d MetaDel) applyTo(s *State) error {
	v, ok := s.meta[d.ID][d.Key]
	if !ok || v != d.Value {
		return precondition("meta-del", "exact pair (%q,%q) not present on %q", d.Key, d.Value, d.ID)
	}
	delete(s.meta[d.ID], d.Key)
	if len(s.meta[d.ID]) == 0 {
		delete(s.meta, d.ID)
	}
	return nil
}

func (d MetaDel) revertFrom(s *State) error {
	if _, ok := s.blobs[d.ID]; !ok {
		return precondition("meta-del", "id %q absent on revert", d.ID)
	}
	if _, ok := s.meta[d.ID][d.Key]; ok {
		return precondition("meta-del", "pair %q already set on %q", d.Key, d.ID)
	}
	if s.meta[d.ID] == nil {
		s.meta[d.ID] = make(map[string]string)
	}
	s.meta[d.ID][d.Key] = d.Value
	return nil
}

// Compose sequences two diffs: apply runs First then Second, revert runs
// Second then First. A failing child propagates its error and, because
// Apply/Revert clone first, the published state is unchanged.
type Compose struct {
	First  Diff
	Second Diff
}

// Op returns the variant name.
func (Compose) Op() string { return "compose" }

func (d Compose) applyTo(s *State) error {
	if err := d.First.applyTo(s); err != nil {
		return err
	}
	return d.Second.applyTo(s)
}

func (d Compose) revertFrom(s *State) error {
	if err := d.Second.revertFrom(s); err != nil {
		return err
	}
	return d.First.revertFrom(s)
}

// Sequence folds a list of diffs into nested Compose pairs, applied in
// list order. An empty list is invalid; a single diff is itself.
func Sequence(diffs ...Diff) (Diff, error) {
	if len(diffs) == 0 {
		return nil, errors.New("empty diff sequence")
	}
	d := diffs[0]
	for _, next := range diffs[1:] {
		d = Compose{First: d, Second: next}
	}
	return d, nil
}
