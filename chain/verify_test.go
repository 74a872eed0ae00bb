package chain

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/evidentsys/evident/clock"
	"github.com/evidentsys/evident/digest"
)

var testSuite = digest.HMACSHA256{}

func testKey() []byte { return make([]byte, digest.KeySize) } // 32 zero bytes

// buildChain appends the given messages one second apart and returns
// the entries.
func buildChain(t *testing.T, key []byte, messages ...string) []Entry {
	t.Helper()
	clk := clock.NewManual(1_700_000_000_000_000_000)
	w, err := NewWriter(Config{Key: key, Clock: clk}, NewMemoryStore())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		e, err := w.Append(Info, []byte(m))
		if err != nil {
			t.Fatalf("Append(%q): %v", m, err)
		}
		entries = append(entries, e)
		clk.Advance(time.Second)
	}
	return entries
}

func TestVerifyValidChain(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three")
	if err := Verify(testSuite, testKey(), entries); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
	for i, e := range entries {
		if e.Counter != uint64(i+1) {
			t.Errorf("entry %d has counter %d", i, e.Counter)
		}
	}
}

// Scenario: flip one bit in entry 2's message; verification must fail
// at index 2 with a MAC failure.
func TestVerifyDetectsBitFlip(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three")
	entries[1].Message[0] ^= 0x01

	err := Verify(testSuite, testKey(), entries)
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerifyError, got %v", err)
	}
	if !errors.Is(ve, ErrBadMAC) || ve.Index != 2 {
		t.Fatalf("expected bad mac at index 2, got %v at %d", ve.Kind, ve.Index)
	}
}

// Scenario: delete entry 2; the gap is observed after index 1.
func TestVerifyDetectsDeletion(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three")
	cut := append([]Entry{entries[0]}, entries[2])

	err := Verify(testSuite, testKey(), cut)
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerifyError, got %v", err)
	}
	if !errors.Is(ve, ErrCounterGap) || ve.Index != 1 {
		t.Fatalf("expected counter gap at index 1, got %v at %d", ve.Kind, ve.Index)
	}
}

// Mutating any non-MAC field of any entry must fail verification, as
// must replacing any MAC with anything but the true recomputation.
func TestVerifyTamperMatrix(t *testing.T) {
	key := testKey()
	mutations := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"timestamp", func(e *Entry) { e.Timestamp++ }},
		{"level", func(e *Entry) { e.Level = Error }},
		{"counter+prevfix", func(e *Entry) { e.Counter++ }},
		{"message", func(e *Entry) { e.Message = append(e.Message, '!') }},
		{"prev_mac", func(e *Entry) { e.PrevMAC[0] ^= 0xff }},
		{"mac", func(e *Entry) { e.MAC[31] ^= 0x80 }},
	}
	for _, m := range mutations {
		for victim := 0; victim < 3; victim++ {
			entries := buildChain(t, key, "one", "two", "three")
			m.mutate(&entries[victim])
			if err := Verify(testSuite, key, entries); err == nil {
				t.Errorf("mutation %q of entry %d went undetected", m.name, victim)
			}
		}
	}
}

// Inserting an entry at any position must fail, even when the forger
// keeps counters contiguous: the successor's prev_mac binding breaks.
func TestVerifyDetectsInsertion(t *testing.T) {
	key := testKey()
	entries := buildChain(t, key, "one", "two", "three")

	for pos := 0; pos < len(entries); pos++ {
		forged := Entry{
			Timestamp: entries[1].Timestamp,
			Level:     Info,
			Counter:   uint64(pos + 1),
			Message:   []byte("forged"),
		}
		if pos > 0 {
			forged.PrevMAC = entries[pos-1].MAC
		}
		forged.MAC = ComputeMAC(testSuite, key, &forged) // attacker even has the key

		spliced := make([]Entry, 0, len(entries)+1)
		spliced = append(spliced, entries[:pos]...)
		spliced = append(spliced, forged)
		spliced = append(spliced, entries[pos:]...)

		if err := Verify(testSuite, key, spliced); err == nil {
			t.Errorf("insertion at position %d went undetected", pos)
		}
	}
}

func TestVerifyDetectsReordering(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three")
	entries[1], entries[2] = entries[2], entries[1]
	if err := Verify(testSuite, testKey(), entries); err == nil {
		t.Fatal("reordering went undetected")
	}
}

func TestVerifyDetectsTimestampRegression(t *testing.T) {
	key := testKey()
	entries := buildChain(t, key, "one", "two")
	// Rebuild entry 2 with an earlier timestamp and a fresh valid MAC:
	// even a correctly MAC'd regression must be rejected.
	entries[1].Timestamp = entries[0].Timestamp - 1
	entries[1].MAC = ComputeMAC(testSuite, key, &entries[1])

	err := Verify(testSuite, key, entries)
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerifyError, got %v", err)
	}
	if !errors.Is(ve, ErrTimestampRegression) || ve.Index != 2 {
		t.Fatalf("expected timestamp regression at index 2, got %v at %d", ve.Kind, ve.Index)
	}
}

// Two chains sharing a prefix but diverging at entry 2 must produce
// distinct MACs for identical third-entry fields: the predecessor MAC
// participates in the binding.
func TestPrevMACBindsHistory(t *testing.T) {
	key := testKey()
	a := buildChain(t, key, "shared", "branch-a", "tail")
	b := buildChain(t, key, "shared", "branch-b", "tail")

	if a[0].MAC != b[0].MAC {
		t.Fatal("identical first entries should have identical MACs")
	}
	if a[2].Timestamp != b[2].Timestamp || a[2].Counter != b[2].Counter ||
		!bytes.Equal(a[2].Message, b[2].Message) {
		t.Fatal("third entries should agree on all authenticated fields")
	}
	if a[2].MAC == b[2].MAC {
		t.Fatal("third-entry MACs must differ when histories diverge")
	}
}

func TestVerifyPrefixBounded(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three", "four")
	entries[3].Message[0] ^= 1 // damage only the suffix

	if err := VerifyPrefix(testSuite, testKey(), entries, 3); err != nil {
		t.Fatalf("undamaged prefix rejected: %v", err)
	}
	if err := VerifyPrefix(testSuite, testKey(), entries, 4); err == nil {
		t.Fatal("damaged entry 4 not detected")
	}
}

func TestVerifySliceFromMidChain(t *testing.T) {
	entries := buildChain(t, testKey(), "a", "b", "c", "d", "e")
	if err := Verify(testSuite, testKey(), entries[2:]); err != nil {
		t.Fatalf("mid-chain slice rejected: %v", err)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	if err := Verify(testSuite, testKey(), nil); err != nil {
		t.Fatalf("empty chain should verify: %v", err)
	}
}

func TestVerifyStreamMatchesVerify(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three")
	ch := make(chan Entry, len(entries))
	for _, e := range entries {
		ch <- e
	}
	close(ch)
	if err := VerifyStream(testSuite, testKey(), ch); err != nil {
		t.Fatalf("stream verification failed: %v", err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	entries := buildChain(t, testKey(), "one", "two", "three")

	var buf bytes.Buffer
	if err := WriteEntries(&buf, entries); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	decoded, err := ReadEntries(&buf, 0)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if err := Verify(testSuite, testKey(), decoded); err != nil {
		t.Fatalf("decoded chain does not verify: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(entries))
	}
}
