package chain

import (
	"errors"
	"fmt"

	"github.com/evidentsys/evident/digest"
)

// ErrBadMAC indicates a MAC verification failure: tampering or wrong key.
var ErrBadMAC = errors.New("mac mismatch: tampering or wrong key")

// ErrCounterGap indicates missing or non-sequential entries.
var ErrCounterGap = errors.New("counter gap: entry deleted or reordered")

// ErrTimestampRegression indicates an entry timestamped before its
// predecessor.
var ErrTimestampRegression = errors.New("timestamp regression")

// VerifyError reports the first verification failure in a chain.
// Index is the 1-based position of the entry at which the failure was
// detected; for a counter gap it names the last entry before the gap.
type VerifyError struct {
	Index uint64
	Kind  error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("chain entry %d: %v", e.Index, e.Kind)
}

func (e *VerifyError) Unwrap() error { return e.Kind }

// Verify checks a contiguous run of entries against key. It is pure and
// restartable: entries are processed in order holding only the running
// predecessor MAC, so memory use is constant in the chain length.
//
// The run may be a full chain (first counter 1, zero PrevMAC) or any
// slice of one: the first entry's stored PrevMAC seeds the scan and its
// own MAC is verified against it.
//
// Any modification to any field of any entry, any insertion, deletion,
// or reordering yields a non-nil *VerifyError.
func Verify(suite digest.Suite, key []byte, entries []Entry) error {
	return VerifyPrefix(suite, key, entries, uint64(len(entries)))
}

// VerifyPrefix is Verify bounded to the first upto entries, enabling
// streaming verification of large chains.
func VerifyPrefix(suite digest.Suite, key []byte, entries []Entry, upto uint64) error {
	if upto > uint64(len(entries)) {
		upto = uint64(len(entries))
	}
	if upto == 0 {
		return nil
	}

	first := &entries[0]
	if first.Counter == 1 && !digest.IsZero(first.PrevMAC) {
		return &VerifyError{Index: 1, Kind: ErrBadMAC}
	}

	prev := first.PrevMAC
	prevCounter := first.Counter - 1
	var prevTS uint64
	var buf []byte

	for pos := uint64(0); pos < upto; pos++ {
		e := &entries[pos]

		if e.Counter != prevCounter+1 {
			return &VerifyError{Index: pos, Kind: ErrCounterGap}
		}
		if e.Timestamp < prevTS {
			return &VerifyError{Index: pos + 1, Kind: ErrTimestampRegression}
		}
		if !digest.Equal(e.PrevMAC[:], prev[:]) {
			return &VerifyError{Index: pos + 1, Kind: ErrBadMAC}
		}

		buf = e.macInput(buf[:0])
		want := suite.MAC(key, buf)
		if !digest.Equal(want[:], e.MAC[:]) {
			return &VerifyError{Index: pos + 1, Kind: ErrBadMAC}
		}

		prev = e.MAC
		prevCounter = e.Counter
		prevTS = e.Timestamp
	}
	return nil
}

// VerifyStream consumes entries from ch and verifies them with constant
// memory, without materializing the chain. Useful against Store.Iter.
func VerifyStream(suite digest.Suite, key []byte, ch <-chan Entry) error {
	var prev [digest.Size]byte
	var prevCounter, prevTS uint64
	var pos uint64
	var buf []byte
	started := false

	for e := range ch {
		pos++
		if !started {
			if e.Counter == 1 && !digest.IsZero(e.PrevMAC) {
				return &VerifyError{Index: pos, Kind: ErrBadMAC}
			}
			prev = e.PrevMAC
			prevCounter = e.Counter - 1
			started = true
		}
		if e.Counter != prevCounter+1 {
			return &VerifyError{Index: pos - 1, Kind: ErrCounterGap}
		}
		if e.Timestamp < prevTS {
			return &VerifyError{Index: pos, Kind: ErrTimestampRegression}
		}
		if !digest.Equal(e.PrevMAC[:], prev[:]) {
			return &VerifyError{Index: pos, Kind: ErrBadMAC}
		}
		buf = e.macInput(buf[:0])
		want := suite.MAC(key, buf)
		if !digest.Equal(want[:], e.MAC[:]) {
			return &VerifyError{Index: pos, Kind: ErrBadMAC}
		}
		prev = e.MAC
		prevCounter = e.Counter
		prevTS = e.Timestamp
	}
	return nil
}
