package bundle

import (
	"bytes"
	"testing"
)

func TestCanonicalSortedNoWhitespace(t *testing.T) {
	doc := map[string]any{
		"zeta":  uint64(7),
		"alpha": "text",
		"mid":   map[string]any{"b": hexBytes{0xde, 0xad}, "a": true},
		"list":  []any{uint64(1), "two"},
	}
	got, err := Canonical(doc)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"alpha":"text","list":[1,"two"],"mid":{"a":true,"b":"dead"},"zeta":7}`
	if string(got) != want {
		t.Fatalf("canonical form:\n got %s\nwant %s", got, want)
	}
	if bytes.ContainsAny(got, "\n\t ") {
		t.Fatal("canonical form contains whitespace")
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	doc := map[string]any{
		"metadata": map[string]string{"k2": "v2", "k1": "v1"},
		"bytes":    hexBytes{0x00, 0xff, 0x10},
	}
	a, err := Canonical(doc)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		b, err := Canonical(doc)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("iteration %d produced different bytes", i)
		}
	}
}

func TestCanonicalRejectsUnknownTypes(t *testing.T) {
	if _, err := Canonical(map[string]any{"f": 1.5}); err == nil {
		t.Fatal("float accepted; integers only")
	}
	if _, err := Canonical(map[string]any{"c": make(chan int)}); err == nil {
		t.Fatal("channel accepted")
	}
}
