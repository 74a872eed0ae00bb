// Package statediff implements versioned configuration state and the
// invertible diffs that move it. Every diff carries the bytes it
// displaces, so revert is a pure function of (state, diff) — no journal
// lookup. The central law: revert(apply(s, d), d) == s, and
// apply(revert(s', d), d) == s' where defined.
package statediff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/evidentsys/evident/digest"
)

// chunkSize bounds single copies of large blobs. Chunked copying keeps
// allocations bounded without breaking per-diff atomicity: chunks land
// in the cloned state, never in the published one.
const chunkSize = 1 << 20

// State is a keyed collection of byte blobs plus per-id metadata pairs.
// A State is valid iff its content hash matches its canonical bytes.
type State struct {
	blobs map[string][]byte
	meta  map[string]map[string]string
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		blobs: make(map[string][]byte),
		meta:  make(map[string]map[string]string),
	}
}

// Get returns the blob stored under id.
func (s *State) Get(id string) ([]byte, bool) {
	b, ok := s.blobs[id]
	return b, ok
}

// Meta returns the value of metadata key k on id.
func (s *State) Meta(id, k string) (string, bool) {
	v, ok := s.meta[id][k]
	return v, ok
}

// HasMeta reports whether id carries any metadata pairs.
func (s *State) HasMeta(id string) bool { return len(s.meta[id]) > 0 }

// IDs returns all blob ids in sorted order.
func (s *State) IDs() []string {
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of blobs.
func (s *State) Len() int { return len(s.blobs) }

// Clone deep-copies the state. Large blobs are copied in chunks.
func (s *State) Clone() *State {
	c := NewState()
	for id, b := range s.blobs {
		c.blobs[id] = copyBlob(b)
	}
	for id, pairs := range s.meta {
		m := make(map[string]string, len(pairs))
		for k, v := range pairs {
			m[k] = v
		}
		c.meta[id] = m
	}
	return c
}

func copyBlob(b []byte) []byte {
	out := make([]byte, len(b))
	for off := 0; off < len(b); off += chunkSize {
		end := off + chunkSize
		if end > len(b) {
			end = len(b)
		}
		copy(out[off:end], b[off:end])
	}
	return out
}

// Equal reports byte-level equality of two states, metadata included.
func (s *State) Equal(o *State) bool {
	return bytes.Equal(s.Encode(), o.Encode())
}

// ContentHash returns SHA-256 of the canonical encoding.
func (s *State) ContentHash(suite digest.Suite) [digest.Size]byte {
	return suite.Hash(s.Encode())
}

// Encode produces the canonical byte form: ids in sorted order, each
// followed by its blob and its metadata pairs in sorted key order.
//
//	u32 id_count
//	per id: u16 id_len | id | u32 blob_len | blob |
//	        u16 pair_count | per pair: u16 k_len | k | u16 v_len | v
func (s *State) Encode() []byte {
	var buf []byte
	ids := s.IDs()
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = appendStr16(buf, id)
		b := s.blobs[id]
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)

		pairs := s.meta[id]
		keys := make([]string, 0, len(pairs))
		for k := range pairs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
		for _, k := range keys {
			buf = appendStr16(buf, k)
			buf = appendStr16(buf, pairs[k])
		}
	}
	return buf
}

// DecodeState parses the canonical byte form produced by Encode.
func DecodeState(data []byte) (*State, error) {
	r := bytes.NewReader(data)
	s := NewState()
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read id count: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		id, err := readStr16(r)
		if err != nil {
			return nil, fmt.Errorf("read id: %w", err)
		}
		var blobLen uint32
		if err := binary.Read(r, binary.BigEndian, &blobLen); err != nil {
			return nil, fmt.Errorf("read blob length: %w", err)
		}
		blob := make([]byte, blobLen)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("read blob: %w", err)
		}
		s.blobs[id] = blob

		var pairs uint16
		if err := binary.Read(r, binary.BigEndian, &pairs); err != nil {
			return nil, fmt.Errorf("read pair count: %w", err)
		}
		for j := uint16(0); j < pairs; j++ {
			k, err := readStr16(r)
			if err != nil {
				return nil, fmt.Errorf("read meta key: %w", err)
			}
			v, err := readStr16(r)
			if err != nil {
				return nil, fmt.Errorf("read meta value: %w", err)
			}
			if s.meta[id] == nil {
				s.meta[id] = make(map[string]string)
			}
			s.meta[id][k] = v
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after state", r.Len())
	}
	return s, nil
}

func appendStr16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readStr16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
