package server

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/evidentsys/evident/chain"
)

// Protobuf request/response bodies are structpb.Struct values: the
// collector speaks a schemaless protobuf dialect alongside JSON, so
// agents embedded in protobuf-native fleets avoid a JSON round-trip.
// Byte fields travel as lowercase hex, the same convention the bundle's
// canonical serialization uses.

func entryToStruct(e *chain.Entry) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"timestamp": fmt.Sprintf("%d", e.Timestamp),
		"level":     float64(e.Level),
		"counter":   fmt.Sprintf("%d", e.Counter),
		"message":   hex.EncodeToString(e.Message),
		"prev_mac":  hex.EncodeToString(e.PrevMAC[:]),
		"mac":       hex.EncodeToString(e.MAC[:]),
	})
}

func entryFromStruct(s *structpb.Struct) (chain.Entry, error) {
	var e chain.Entry
	f := s.GetFields()

	ts, err := parseU64Field(f, "timestamp")
	if err != nil {
		return e, err
	}
	e.Timestamp = ts

	lv := f["level"].GetNumberValue()
	e.Level = chain.Level(uint8(lv))
	if !e.Level.Valid() {
		return e, fmt.Errorf("invalid level %v", lv)
	}

	ctr, err := parseU64Field(f, "counter")
	if err != nil {
		return e, err
	}
	e.Counter = ctr

	if e.Message, err = hex.DecodeString(f["message"].GetStringValue()); err != nil {
		return e, fmt.Errorf("decode message: %w", err)
	}
	if err := decodeMAC(f, "prev_mac", &e.PrevMAC); err != nil {
		return e, err
	}
	if err := decodeMAC(f, "mac", &e.MAC); err != nil {
		return e, err
	}
	return e, nil
}

// parseU64Field reads a uint64 sent as a decimal string. JSON numbers
// (and structpb's number_value) are float64 and lose precision above
// 2^53, which nanosecond timestamps exceed.
func parseU64Field(f map[string]*structpb.Value, name string) (uint64, error) {
	s := f[name].GetStringValue()
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}

func decodeMAC(f map[string]*structpb.Value, name string, dst *[32]byte) error {
	b, err := hex.DecodeString(f[name].GetStringValue())
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%s: expected %d bytes, got %d", name, len(dst), len(b))
	}
	copy(dst[:], b)
	return nil
}

func entriesToStruct(chainID string, entries []chain.Entry) (*structpb.Struct, error) {
	items := make([]any, 0, len(entries))
	for i := range entries {
		s, err := entryToStruct(&entries[i])
		if err != nil {
			return nil, err
		}
		items = append(items, s.AsMap())
	}
	return structpb.NewStruct(map[string]any{
		"chain_id": chainID,
		"entries":  items,
	})
}

func entriesFromStruct(s *structpb.Struct) (string, []chain.Entry, error) {
	f := s.GetFields()
	chainID := f["chain_id"].GetStringValue()
	list := f["entries"].GetListValue()
	entries := make([]chain.Entry, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		sv := v.GetStructValue()
		if sv == nil {
			return "", nil, fmt.Errorf("entry %d: not a struct", i)
		}
		e, err := entryFromStruct(sv)
		if err != nil {
			return "", nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return chainID, entries, nil
}

func verdictStruct(verified bool, reason string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"verified": verified,
		"reason":   reason,
	})
}
