package statediff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/evidentsys/evident/digest"
)

// Diff wire tags. Part of the persisted format; do not renumber.
const (
	tagAdd     = 1
	tagDelete  = 2
	tagModify  = 3
	tagMetaAdd = 4
	tagMetaDel = 5
	tagCompose = 6
)

// AppendDiff appends the wire encoding of d to buf.
func AppendDiff(buf []byte, d Diff) ([]byte, error) {
	switch v := d.(type) {
	case Add:
		buf = append(buf, tagAdd)
		buf = appendStr16(buf, v.ID)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	case Delete:
		buf = append(buf, tagDelete)
		buf = appendStr16(buf, v.ID)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Old)))
		buf = append(buf, v.Old...)
	case Modify:
		buf = append(buf, tagModify)
		buf = appendStr16(buf, v.ID)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Old)))
		buf = append(buf, v.Old...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.New)))
		buf = append(buf, v.New...)
	case MetaAdd:
		buf = append(buf, tagMetaAdd)
		buf = appendStr16(buf, v.ID)
		buf = appendStr16(buf, v.Key)
		buf = appendStr16(buf, v.Value)
	case MetaDel:
		buf = append(buf, tagMetaDel)
		buf = appendStr16(buf, v.ID)
		buf = appendStr16(buf, v.Key)
		buf = appendStr16(buf, v.Value)
	case Compose:
		buf = append(buf, tagCompose)
		var err error
		if buf, err = AppendDiff(buf, v.First); err != nil {
			return nil, err
		}
		if buf, err = AppendDiff(buf, v.Second); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown diff variant %T", d)
	}
	return buf, nil
}

// EncodeDiff returns the wire encoding of d.
func EncodeDiff(d Diff) ([]byte, error) {
	return AppendDiff(nil, d)
}

// DecodeDiff parses one diff from r.
func DecodeDiff(r *bytes.Reader) (Diff, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagAdd:
		id, err := readStr16(r)
		if err != nil {
			return nil, err
		}
		b, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		return Add{ID: id, Bytes: b}, nil
	case tagDelete:
		id, err := readStr16(r)
		if err != nil {
			return nil, err
		}
		old, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		return Delete{ID: id, Old: old}, nil
	case tagModify:
		id, err := readStr16(r)
		if err != nil {
			return nil, err
		}
		old, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		nw, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		return Modify{ID: id, Old: old, New: nw}, nil
	case tagMetaAdd, tagMetaDel:
		id, err := readStr16(r)
		if err != nil {
			return nil, err
		}
		k, err := readStr16(r)
		if err != nil {
			return nil, err
		}
		v, err := readStr16(r)
		if err != nil {
			return nil, err
		}
		if tag == tagMetaAdd {
			return MetaAdd{ID: id, Key: k, Value: v}, nil
		}
		return MetaDel{ID: id, Key: k, Value: v}, nil
	case tagCompose:
		first, err := DecodeDiff(r)
		if err != nil {
			return nil, err
		}
		second, err := DecodeDiff(r)
		if err != nil {
			return nil, err
		}
		return Compose{First: first, Second: second}, nil
	default:
		return nil, fmt.Errorf("unknown diff tag %d", tag)
	}
}

func readBytes32(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// VersionRecord is the persisted form of one committed version: the
// diff plus its parent pointer and the hash of the resulting state.
//
// Record format in diffs.bin (big endian, length prefixed, parent order):
//
//	u32 record_len |
//	u16 id_len | id | u16 parent_len | parent |
//	u64 commit_ts | [32]byte state_hash | diff encoding
type VersionRecord struct {
	ID        string
	Parent    string
	CommitTS  uint64 // wall clock, unix nanoseconds
	StateHash [digest.Size]byte
	Diff      Diff
}

// WriteVersionRecords writes records to w in order.
func WriteVersionRecords(w io.Writer, records []VersionRecord) error {
	bw := bufio.NewWriter(w)
	for i := range records {
		body, err := encodeVersionBody(&records[i])
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func encodeVersionBody(v *VersionRecord) ([]byte, error) {
	var buf []byte
	buf = appendStr16(buf, v.ID)
	buf = appendStr16(buf, v.Parent)
	buf = binary.BigEndian.AppendUint64(buf, v.CommitTS)
	buf = append(buf, v.StateHash[:]...)
	return AppendDiff(buf, v.Diff)
}

// ReadVersionRecords parses records from r until EOF.
func ReadVersionRecords(r io.Reader) ([]VersionRecord, error) {
	br := bufio.NewReader(r)
	var out []VersionRecord
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("record %d: read length: %w", len(out), err)
		}
		body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("record %d: read body: %w", len(out), err)
		}
		v, err := decodeVersionBody(body)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, v)
	}
}

func decodeVersionBody(body []byte) (VersionRecord, error) {
	var v VersionRecord
	r := bytes.NewReader(body)
	var err error
	if v.ID, err = readStr16(r); err != nil {
		return v, fmt.Errorf("read id: %w", err)
	}
	if v.Parent, err = readStr16(r); err != nil {
		return v, fmt.Errorf("read parent: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &v.CommitTS); err != nil {
		return v, fmt.Errorf("read commit ts: %w", err)
	}
	if _, err := io.ReadFull(r, v.StateHash[:]); err != nil {
		return v, fmt.Errorf("read state hash: %w", err)
	}
	if v.Diff, err = DecodeDiff(r); err != nil {
		return v, fmt.Errorf("decode diff: %w", err)
	}
	if r.Len() != 0 {
		return v, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return v, nil
}
