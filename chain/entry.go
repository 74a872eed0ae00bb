// Package chain implements the tamper-evident log: an append-only
// sequence of entries linked by keyed MACs. Each entry's MAC commits to
// its predecessor's MAC, so any modification, insertion, deletion, or
// reordering after append is detectable by the offline verifier.
package chain

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/evidentsys/evident/digest"
)

// Level classifies an entry. The numeric encoding is part of the wire
// format and must not change.
type Level uint8

// Log levels in ascending severity.
const (
	Trace Level = 0
	Debug Level = 1
	Info  Level = 2
	Warn  Level = 3
	Error Level = 4
	Fatal Level = 5
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", uint8(l))
}

// Valid reports whether l is one of the six defined levels.
func (l Level) Valid() bool { return l <= Fatal }

// DefaultMaxMessageBytes caps entry messages unless configured otherwise.
const DefaultMaxMessageBytes = 64 * 1024

// Entry is one authenticated log record.
//
// Invariant: MAC = Suite.MAC(key, ts | level | counter | msg_len | msg | prev_mac)
// where prev_mac is the MAC of the previous entry, or 32 zero bytes for
// the first entry of a chain.
type Entry struct {
	Timestamp uint64 // wall clock, unix nanoseconds
	Level     Level
	Counter   uint64 // strictly +1 within a chain, first entry is 1
	Message   []byte
	PrevMAC   [digest.Size]byte
	MAC       [digest.Size]byte
}

// Wire format (big endian, fixed order):
//
//	[8]byte  timestamp (uint64)
//	[1]byte  level
//	[8]byte  counter (uint64)
//	[4]byte  message length (uint32)
//	[n]byte  message
//	[32]byte prev_mac
//	[32]byte mac
const (
	entryHeaderSize = 8 + 1 + 8 + 4
	entryTrailerLen = digest.Size * 2
)

// WireSize returns the encoded size of the entry in bytes.
func (e *Entry) WireSize() int {
	return entryHeaderSize + len(e.Message) + entryTrailerLen
}

// AppendWire appends the wire encoding of e to buf and returns the
// extended slice.
func (e *Entry) AppendWire(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	buf = append(buf, byte(e.Level))
	buf = binary.BigEndian.AppendUint64(buf, e.Counter)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Message)))
	buf = append(buf, e.Message...)
	buf = append(buf, e.PrevMAC[:]...)
	buf = append(buf, e.MAC[:]...)
	return buf
}

// macInput appends the authenticated portion of the wire encoding
// (everything except the trailing mac) to buf.
func (e *Entry) macInput(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	buf = append(buf, byte(e.Level))
	buf = binary.BigEndian.AppendUint64(buf, e.Counter)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Message)))
	buf = append(buf, e.Message...)
	buf = append(buf, e.PrevMAC[:]...)
	return buf
}

// ComputeMAC returns the authenticator for e under key, binding the
// predecessor MAC already stored in e.PrevMAC.
func ComputeMAC(suite digest.Suite, key []byte, e *Entry) [digest.Size]byte {
	return suite.MAC(key, e.macInput(make([]byte, 0, e.WireSize()-digest.Size)))
}

// ReadEntry decodes one wire-format entry from r. maxMsg bounds the
// message length accepted; pass 0 for DefaultMaxMessageBytes.
func ReadEntry(r io.Reader, maxMsg uint32) (Entry, error) {
	if maxMsg == 0 {
		maxMsg = DefaultMaxMessageBytes
	}
	var e Entry
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return e, err
	}
	e.Timestamp = binary.BigEndian.Uint64(hdr[0:8])
	e.Level = Level(hdr[8])
	e.Counter = binary.BigEndian.Uint64(hdr[9:17])
	msgLen := binary.BigEndian.Uint32(hdr[17:21])
	if msgLen > maxMsg {
		return e, fmt.Errorf("message length %d exceeds limit %d", msgLen, maxMsg)
	}
	e.Message = make([]byte, msgLen)
	if _, err := io.ReadFull(r, e.Message); err != nil {
		return e, fmt.Errorf("read message: %w", err)
	}
	if _, err := io.ReadFull(r, e.PrevMAC[:]); err != nil {
		return e, fmt.Errorf("read prev mac: %w", err)
	}
	if _, err := io.ReadFull(r, e.MAC[:]); err != nil {
		return e, fmt.Errorf("read mac: %w", err)
	}
	return e, nil
}

// WriteEntries writes the wire encoding of entries to w in order.
func WriteEntries(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	var buf []byte
	for i := range entries {
		buf = entries[i].AppendWire(buf[:0])
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadEntries decodes wire-format entries from r until EOF.
func ReadEntries(r io.Reader, maxMsg uint32) ([]Entry, error) {
	br := bufio.NewReader(r)
	var out []Entry
	for {
		e, err := ReadEntry(br, maxMsg)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(out), err)
		}
		out = append(out, e)
	}
}
