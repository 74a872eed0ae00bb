package bundle

import (
	"bytes"
	"fmt"
	"io"

	"github.com/evidentsys/evident/chain"
	"github.com/evidentsys/evident/digest"
)

// Validate independently re-checks an archive: a pure function over the
// archive bytes and the key. It re-runs the chain verification, the
// canonical serialization, and the seal computation, and checks the
// size and schema fields. Returns nil (Valid) or the first failure:
// ErrInvalidSchema, ErrInvalidWindow, ErrChainInvalid, ErrInvalidSize,
// ErrInvalidSeal, or ErrSizeBudget.
func Validate(r io.Reader, key []byte, suite digest.Suite) error {
	if suite == nil {
		suite = digest.HMACSHA256{}
	}
	b, err := ReadArchive(r)
	if err != nil {
		return err
	}
	return ValidateBundle(b, key, suite)
}

// ValidateBundle checks an already-decoded bundle.
func ValidateBundle(b *Bundle, key []byte, suite digest.Suite) error {
	if suite == nil {
		suite = digest.HMACSHA256{}
	}

	if b.Metadata["schema_version"] != SchemaVersion {
		return fmt.Errorf("%w: schema_version %q", ErrInvalidSchema, b.Metadata["schema_version"])
	}
	if !b.Window.Valid() {
		return ErrInvalidWindow
	}
	for i := range b.Logs {
		if !b.Window.Contains(b.Logs[i].Timestamp) {
			return fmt.Errorf("%w: entry %d outside window", ErrInvalidWindow, i)
		}
	}
	for i := range b.Diffs {
		if !b.Window.Contains(b.Diffs[i].CommitTS) {
			return fmt.Errorf("%w: version %s outside window", ErrInvalidWindow, b.Diffs[i].ID)
		}
	}

	// Chain verification. A trimmed bundle holds contiguous runs
	// separated by the counters of dropped DEBUG/TRACE entries; each
	// run verifies independently from its stored predecessor MAC.
	if b.Metadata[metadataTrimmedKey] != "" {
		for _, run := range splitRuns(b.Logs) {
			if err := chain.Verify(suite, key, run); err != nil {
				return fmt.Errorf("%w: %v", ErrChainInvalid, err)
			}
		}
	} else {
		if err := chain.Verify(suite, key, b.Logs); err != nil {
			return fmt.Errorf("%w: %v", ErrChainInvalid, err)
		}
	}

	// Size: the stored figure must match a fresh measurement of the
	// payload, and stay within the (window-scaled) budget.
	size, err := measurePayload(b)
	if err != nil {
		return err
	}
	if size != b.SizeBytes {
		return fmt.Errorf("%w: stored %d, measured %d", ErrInvalidSize, b.SizeBytes, size)
	}
	if max := scaleBudget(DefaultMaxBytes, b.Window); size > max {
		return &SizeError{Actual: size, Max: max}
	}

	// Seal recomputation, byte-exact.
	canonical, err := canonicalDoc(b)
	if err != nil {
		return err
	}
	want := suite.Hash(canonical)
	if !digest.Equal(want[:], b.Seal[:]) {
		return ErrInvalidSeal
	}
	return nil
}

// ValidateArchiveBytes is Validate over an in-memory archive, and
// additionally re-derives the timeline projection and compares it to
// the archived copy: the timeline is a pure function of the bundle, so
// divergence means the archive was altered after sealing.
func ValidateArchiveBytes(data []byte, key []byte, suite digest.Suite) error {
	if err := Validate(bytes.NewReader(data), key, suite); err != nil {
		return err
	}
	b, err := ReadArchive(bytes.NewReader(data))
	if err != nil {
		return err
	}
	stored, err := archivedTimeline(data)
	if err != nil {
		return err
	}
	if stored != Timeline(b) {
		return fmt.Errorf("%w: timeline diverges from bundle contents", ErrInvalidSeal)
	}
	return nil
}

func archivedTimeline(data []byte) (string, error) {
	gz, tr, err := openTar(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer gz.Close()
	for {
		hdr, err := tr.Next()
		if err != nil {
			return "", fmt.Errorf("%w: missing %s", ErrInvalidSchema, timelinePath)
		}
		if hdr.Name == timelinePath {
			b, err := io.ReadAll(tr)
			if err != nil {
				return "", fmt.Errorf("%w: read timeline: %v", ErrInvalidSchema, err)
			}
			return string(b), nil
		}
	}
}

// splitRuns partitions entries into maximal contiguous-counter runs.
func splitRuns(entries []chain.Entry) [][]chain.Entry {
	var runs [][]chain.Entry
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || entries[i].Counter != entries[i-1].Counter+1 {
			runs = append(runs, entries[start:i])
			start = i
		}
	}
	return runs
}
