package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/evidentsys/evident/chain"
	"github.com/evidentsys/evident/clock"
	"github.com/evidentsys/evident/digest"
	"github.com/evidentsys/evident/ratelimit"
	"github.com/evidentsys/evident/statediff"
)

// SchemaVersion is the only bundle format this code reads or writes.
const SchemaVersion = "1.0"

// DefaultMaxBytes is the compressed payload budget for a 24-hour
// window. Longer windows scale the budget linearly.
const DefaultMaxBytes = 5 * 1024 * 1024

// ErrChainInvalid wraps a chain verification failure found while
// slicing logs into a bundle.
var ErrChainInvalid = errors.New("log chain invalid")

// ErrInvalidSeal means the stored seal does not recompute byte-exact.
var ErrInvalidSeal = errors.New("bundle seal mismatch")

// ErrInvalidWindow means the declared window is malformed or entries
// fall outside it.
var ErrInvalidWindow = errors.New("bundle window invalid")

// ErrInvalidSchema means a required field or file is missing or carries
// an unsupported schema version.
var ErrInvalidSchema = errors.New("bundle schema invalid")

// ErrInvalidSize means the stored size does not match the archive
// payload.
var ErrInvalidSize = errors.New("bundle size mismatch")

// SizeError reports a bundle over its compressed budget even after
// trimming. It satisfies errors.Is(err, ErrSizeBudget).
type SizeError struct {
	Actual uint64
	Max    uint64
}

// ErrSizeBudget is the kind sentinel for SizeError.
var ErrSizeBudget = errors.New("bundle size budget exceeded")

func (e *SizeError) Error() string {
	return fmt.Sprintf("bundle payload %d bytes exceeds budget %d", e.Actual, e.Max)
}

func (e *SizeError) Unwrap() error { return ErrSizeBudget }

// Snapshot pairs a version id with its raw state bytes.
type Snapshot struct {
	VersionID string
	State     []byte
}

// Bundle is an assembled, sealed incident archive. Immutable after
// sealing.
type Bundle struct {
	ID        string
	CreatedAt uint64 // wall clock, unix nanoseconds
	Window    clock.Window
	Logs      []chain.Entry
	Snapshots []Snapshot
	Diffs     []statediff.VersionRecord // parent-ordered
	Metadata  map[string]string
	SizeBytes uint64 // compressed payload size, see archive.go
	Seal      [digest.Size]byte
}

// Options tunes assembly. Zero values take defaults.
type Options struct {
	ID       string       // bundle id; required
	Suite    digest.Suite // nil means digest.HMACSHA256{}
	Clock    clock.Source // nil means clock.NewSystem()
	MaxBytes uint64       // compressed budget per 24h; 0 means DefaultMaxBytes

	// RateDigest, when non-nil, embeds the limiter's decision digest in
	// the bundle metadata.
	RateDigest *ratelimit.DigestState
}

// metadataTrimmedKey marks bundles whose log slice lost DEBUG/TRACE
// entries to the size budget; validation then verifies per contiguous
// run instead of demanding one unbroken chain.
const metadataTrimmedKey = "trimmed"

// Build assembles and seals a bundle for the window.
//
//  1. Slice entries to the window and verify the slice; abort with
//     ErrChainInvalid on any failure.
//  2. Collect versions whose commit time intersects the window, their
//     connecting diffs, and stored snapshots among them.
//  3. Build the metadata map (schema version, counts, counter range).
//  4. Canonically serialize, 5. seal with SHA-256.
//  6. Enforce the compressed budget, dropping DEBUG/TRACE first and
//     reporting SizeError if still over.
//
// Assembly is cancellable at entry boundaries through ctx; on
// cancellation no partial output is returned.
func Build(ctx context.Context, w clock.Window, entries []chain.Entry, vlog *statediff.VersionLog, key []byte, opts Options) (*Bundle, error) {
	if opts.ID == "" {
		return nil, errors.New("bundle id required")
	}
	if !w.Valid() {
		return nil, ErrInvalidWindow
	}
	if opts.Suite == nil {
		opts.Suite = digest.HMACSHA256{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	maxBytes = scaleBudget(maxBytes, w)

	// Step 1: slice and verify.
	var logs []chain.Entry
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if w.Contains(entries[i].Timestamp) {
			logs = append(logs, entries[i])
		}
	}
	if err := chain.Verify(opts.Suite, key, logs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}

	// Step 2: versions, diffs, snapshots.
	var diffs []statediff.VersionRecord
	var snaps []Snapshot
	if vlog != nil {
		versions, snapIDs, err := vlog.VersionsIn(w)
		if err != nil {
			return nil, fmt.Errorf("collect versions: %w", err)
		}
		diffs = versions
		for _, id := range snapIDs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			b, ok, err := vlog.Snapshot(id)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: %w", id, err)
			}
			if ok {
				snaps = append(snaps, Snapshot{VersionID: id, State: b})
			}
		}
	}

	b := &Bundle{
		ID:        opts.ID,
		CreatedAt: opts.Clock.WallNow(),
		Window:    w,
		Logs:      logs,
		Snapshots: snaps,
		Diffs:     diffs,
	}

	// Step 6 runs before sealing so the seal covers the final contents:
	// measure, trim DEBUG/TRACE if over, re-measure, then give up.
	trimmed := false
	for attempt := 0; ; attempt++ {
		b.Metadata = buildMetadata(b, opts, trimmed)
		size, err := measurePayload(b)
		if err != nil {
			return nil, err
		}
		b.SizeBytes = size
		if size <= maxBytes {
			break
		}
		if attempt > 0 {
			return nil, &SizeError{Actual: size, Max: maxBytes}
		}
		kept := b.Logs[:0:0]
		for _, e := range b.Logs {
			if e.Level >= chain.Info {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(b.Logs) {
			return nil, &SizeError{Actual: size, Max: maxBytes}
		}
		b.Logs = kept
		trimmed = true
	}

	// Steps 4–5.
	canonical, err := canonicalDoc(b)
	if err != nil {
		return nil, err
	}
	b.Seal = opts.Suite.Hash(canonical)
	return b, nil
}

// scaleBudget grows the budget linearly for windows longer than 24h.
func scaleBudget(base uint64, w clock.Window) uint64 {
	const day = 24 * 60 * 60 * 1_000_000_000
	d := w.Duration()
	if d <= day {
		return base
	}
	return base * ((d + day - 1) / day)
}

func buildMetadata(b *Bundle, opts Options, trimmed bool) map[string]string {
	md := map[string]string{
		"schema_version": SchemaVersion,
		"log_count":      fmt.Sprintf("%d", len(b.Logs)),
		"diff_count":     fmt.Sprintf("%d", len(b.Diffs)),
		"snapshot_count": fmt.Sprintf("%d", len(b.Snapshots)),
	}
	if len(b.Logs) > 0 {
		md["first_counter"] = fmt.Sprintf("%d", b.Logs[0].Counter)
		md["last_counter"] = fmt.Sprintf("%d", b.Logs[len(b.Logs)-1].Counter)
	}
	if trimmed {
		md[metadataTrimmedKey] = "debug-trace"
	}
	if opts.RateDigest != nil {
		md["rate_allowed"] = fmt.Sprintf("%d", opts.RateDigest.Allowed)
		md["rate_denied"] = fmt.Sprintf("%d", opts.RateDigest.Denied)
		md["rate_digest"] = fmt.Sprintf("%x", opts.RateDigest.Sum)
	}
	return md
}

// canonicalDoc serializes every sealed field in the declared order:
// sorted keys within maps, declared order for structures.
func canonicalDoc(b *Bundle) ([]byte, error) {
	logBytes, err := encodeLogs(b.Logs)
	if err != nil {
		return nil, err
	}
	diffBytes, err := encodeDiffs(b.Diffs)
	if err != nil {
		return nil, err
	}
	snaps := make(map[string]any, len(b.Snapshots))
	for _, s := range b.Snapshots {
		snaps[s.VersionID] = hexBytes(s.State)
	}
	doc := map[string]any{
		"id":             b.ID,
		"created_at":     b.CreatedAt,
		"window":         map[string]any{"start": b.Window.Start, "end": b.Window.End},
		"logs":           hexBytes(logBytes),
		"snapshots":      snaps,
		"diffs":          hexBytes(diffBytes),
		"metadata":       b.Metadata,
		"schema_version": SchemaVersion,
		"size_bytes":     b.SizeBytes,
	}
	return Canonical(doc)
}

func encodeLogs(entries []chain.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := chain.WriteEntries(&buf, entries); err != nil {
		return nil, fmt.Errorf("encode logs: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeDiffs(records []statediff.VersionRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := statediff.WriteVersionRecords(&buf, records); err != nil {
		return nil, fmt.Errorf("encode diffs: %w", err)
	}
	return buf.Bytes(), nil
}
