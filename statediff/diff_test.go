package statediff

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/evidentsys/evident/digest"
)

var testSuite = digest.HMACSHA256{}

func stateWith(t *testing.T, pairs map[string]string) *State {
	t.Helper()
	s := NewState()
	for id, v := range pairs {
		next, err := Apply(s, Add{ID: id, Bytes: []byte(v)})
		if err != nil {
			t.Fatalf("seed state: %v", err)
		}
		s = next
	}
	return s
}

// Scenario: Modify x from "A" to "B", then revert; the original state
// must come back byte-identical.
func TestModifyRoundTrip(t *testing.T) {
	s := stateWith(t, map[string]string{"x": "A"})
	d := Modify{ID: "x", Old: []byte("A"), New: []byte("B")}

	next, err := Apply(s, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := next.Get("x"); string(got) != "B" {
		t.Fatalf("x = %q after apply, want B", got)
	}

	back, err := Revert(next, d)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !back.Equal(s) {
		t.Fatal("revert did not restore the original state")
	}
}

func TestVariantTable(t *testing.T) {
	base := stateWith(t, map[string]string{"cfg": "v1"})

	cases := []struct {
		name  string
		start *State
		d     Diff
		check func(t *testing.T, s *State)
	}{
		{
			name:  "add inserts",
			start: base,
			d:     Add{ID: "new", Bytes: []byte("blob")},
			check: func(t *testing.T, s *State) {
				if got, ok := s.Get("new"); !ok || string(got) != "blob" {
					t.Fatalf("new = %q, %v", got, ok)
				}
			},
		},
		{
			name:  "delete removes",
			start: base,
			d:     Delete{ID: "cfg", Old: []byte("v1")},
			check: func(t *testing.T, s *State) {
				if _, ok := s.Get("cfg"); ok {
					t.Fatal("cfg still present")
				}
			},
		},
		{
			name:  "meta add",
			start: base,
			d:     MetaAdd{ID: "cfg", Key: "owner", Value: "ops"},
			check: func(t *testing.T, s *State) {
				if v, ok := s.Meta("cfg", "owner"); !ok || v != "ops" {
					t.Fatalf("meta = %q, %v", v, ok)
				}
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			next, err := Apply(c.start, c.d)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			c.check(t, next)

			back, err := Revert(next, c.d)
			if err != nil {
				t.Fatalf("revert: %v", err)
			}
			if !back.Equal(c.start) {
				t.Fatal("revert did not restore the start state")
			}
			again, err := Apply(back, c.d)
			if err != nil {
				t.Fatalf("re-apply: %v", err)
			}
			if !again.Equal(next) {
				t.Fatal("apply(revert(s')) did not restore s'")
			}
		})
	}
}

func TestPreconditions(t *testing.T) {
	s := stateWith(t, map[string]string{"x": "A"})

	cases := []struct {
		name string
		d    Diff
	}{
		{"add duplicate id", Add{ID: "x", Bytes: []byte("B")}},
		{"delete absent id", Delete{ID: "ghost", Old: []byte("A")}},
		{"delete wrong old", Delete{ID: "x", Old: []byte("WRONG")}},
		{"modify absent id", Modify{ID: "ghost", Old: []byte("A"), New: []byte("B")}},
		{"modify wrong old", Modify{ID: "x", Old: []byte("WRONG"), New: []byte("B")}},
		{"meta add on absent id", MetaAdd{ID: "ghost", Key: "k", Value: "v"}},
		{"meta del absent pair", MetaDel{ID: "x", Key: "k", Value: "v"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Apply(s, c.d)
			if !errors.Is(err, ErrPrecondition) {
				t.Fatalf("expected precondition failure, got %v", err)
			}
			var pe *PreconditionError
			if !errors.As(err, &pe) || pe.Variant == "" {
				t.Fatalf("error does not carry the variant: %v", err)
			}
			// The input state must be untouched.
			if got, _ := s.Get("x"); string(got) != "A" {
				t.Fatal("failed apply mutated the input state")
			}
		})
	}
}

// A Delete may not orphan metadata; the pairs must be removed first
// (composed MetaDels) so the whole transition stays invertible.
func TestDeleteRefusesMetadataCarrier(t *testing.T) {
	s := stateWith(t, map[string]string{"x": "A"})
	s, err := Apply(s, MetaAdd{ID: "x", Key: "owner", Value: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Apply(s, Delete{ID: "x", Old: []byte("A")}); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("delete of metadata carrier: %v", err)
	}

	full := Compose{
		First:  MetaDel{ID: "x", Key: "owner", Value: "ops"},
		Second: Delete{ID: "x", Old: []byte("A")},
	}
	next, err := Apply(s, full)
	if err != nil {
		t.Fatalf("composed delete: %v", err)
	}
	if next.Len() != 0 {
		t.Fatal("blob survived composed delete")
	}
	back, err := Revert(next, full)
	if err != nil {
		t.Fatalf("revert composed delete: %v", err)
	}
	if !back.Equal(s) {
		t.Fatal("composed delete is not invertible")
	}
}

// Compose is atomic: if the second child fails, the published state is
// unchanged even though the first child succeeded.
func TestComposeAtomicity(t *testing.T) {
	s := stateWith(t, map[string]string{"x": "A"})
	d := Compose{
		First:  Modify{ID: "x", Old: []byte("A"), New: []byte("B")},
		Second: Delete{ID: "ghost", Old: []byte("?")},
	}
	_, err := Apply(s, d)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if got, _ := s.Get("x"); string(got) != "A" {
		t.Fatal("failed compose left a partial mutation")
	}
}

func TestComposeOrder(t *testing.T) {
	s := NewState()
	d := Compose{
		First:  Add{ID: "x", Bytes: []byte("A")},
		Second: Modify{ID: "x", Old: []byte("A"), New: []byte("B")},
	}
	next, err := Apply(s, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := next.Get("x"); string(got) != "B" {
		t.Fatalf("x = %q, want B", got)
	}
	back, err := Revert(next, d)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if back.Len() != 0 {
		t.Fatal("revert of compose did not empty the state")
	}
}

func TestLargeBlobChunkedCopy(t *testing.T) {
	big := make([]byte, 3*chunkSize+17)
	rng := rand.New(rand.NewSource(7))
	rng.Read(big)

	s := NewState()
	next, err := Apply(s, Add{ID: "big", Bytes: big})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := next.Get("big")
	if !bytes.Equal(got, big) {
		t.Fatal("chunked copy corrupted the blob")
	}
	// Mutating the caller's buffer must not reach the state.
	big[0] ^= 0xff
	got, _ = next.Get("big")
	if got[0] == big[0] {
		t.Fatal("state aliases the caller's buffer")
	}
}

func TestContentHashTracksBytes(t *testing.T) {
	s := stateWith(t, map[string]string{"x": "A"})
	h1 := s.ContentHash(testSuite)

	next, err := Apply(s, Modify{ID: "x", Old: []byte("A"), New: []byte("B")})
	if err != nil {
		t.Fatal(err)
	}
	if next.ContentHash(testSuite) == h1 {
		t.Fatal("hash unchanged after mutation")
	}

	back, err := Revert(next, Modify{ID: "x", Old: []byte("A"), New: []byte("B")})
	if err != nil {
		t.Fatal(err)
	}
	if back.ContentHash(testSuite) != h1 {
		t.Fatal("hash not restored after revert")
	}
}

func TestStateEncodeDecode(t *testing.T) {
	s := stateWith(t, map[string]string{"a": "1", "b": "2"})
	s2, err := Apply(s, MetaAdd{ID: "a", Key: "team", Value: "sre"})
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeState(s2.Encode())
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if !decoded.Equal(s2) {
		t.Fatal("decode(encode(s)) != s")
	}
}

// Invertibility under a random walk: a seeded generator applies and
// reverts thousands of diff pairs and the state must track exactly.
func TestInvertibilityRandomWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewState()

	for i := 0; i < 2000; i++ {
		d := randomValidDiff(rng, s)
		if d == nil {
			continue
		}
		next, err := Apply(s, d)
		if err != nil {
			t.Fatalf("step %d: apply: %v", i, err)
		}
		back, err := Revert(next, d)
		if err != nil {
			t.Fatalf("step %d: revert: %v", i, err)
		}
		if !back.Equal(s) {
			t.Fatalf("step %d: revert(apply(s,d)) != s", i)
		}
		s = next
	}
}

func randomValidDiff(rng *rand.Rand, s *State) Diff {
	ids := s.IDs()
	blob := func() []byte {
		b := make([]byte, rng.Intn(32)+1)
		rng.Read(b)
		return b
	}
	switch rng.Intn(4) {
	case 0:
		return Add{ID: fmt.Sprintf("id-%d", rng.Int63()), Bytes: blob()}
	case 1:
		if len(ids) == 0 {
			return nil
		}
		id := ids[rng.Intn(len(ids))]
		old, _ := s.Get(id)
		return Delete{ID: id, Old: old}
	case 2:
		if len(ids) == 0 {
			return nil
		}
		id := ids[rng.Intn(len(ids))]
		old, _ := s.Get(id)
		return Modify{ID: id, Old: old, New: blob()}
	default:
		if len(ids) == 0 {
			return nil
		}
		id := ids[rng.Intn(len(ids))]
		b := blob()
		return Compose{
			First:  Modify{ID: id, Old: mustGet(s, id), New: b},
			Second: Modify{ID: id, Old: b, New: blob()},
		}
	}
}

func mustGet(s *State, id string) []byte {
	b, _ := s.Get(id)
	return b
}
