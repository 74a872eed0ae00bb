package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/evidentsys/evident/bundle"
	"github.com/evidentsys/evident/chain"
	"github.com/evidentsys/evident/clock"
	"github.com/evidentsys/evident/digest"
	"github.com/evidentsys/evident/ratelimit"
)

func testKey() []byte { return bytes.Repeat([]byte{7}, digest.KeySize) }

func buildEntries(t *testing.T, n int) []chain.Entry {
	t.Helper()
	clk := clock.NewManual(1_700_000_000_000_000_000)
	w, err := chain.NewWriter(chain.Config{Key: testKey(), Clock: clk}, chain.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	entries := make([]chain.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := w.Append(chain.Info, []byte(fmt.Sprintf("event %d", i)))
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, e)
		clk.Advance(time.Second)
	}
	return entries
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *httptest.Server {
	t.Helper()
	srv, err := New(testKey(), limiter)
	if err != nil {
		t.Fatal(err)
	}
	srv.RegisterStore("audit", chain.NewMemoryStore())
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func jsonBody(t *testing.T, chainID string, entries []chain.Entry) []byte {
	t.Helper()
	req := jsonEntriesRequest{ChainID: chainID}
	for i := range entries {
		e := &entries[i]
		req.Entries = append(req.Entries, jsonEntry{
			Timestamp: fmt.Sprintf("%d", e.Timestamp),
			Level:     uint8(e.Level),
			Counter:   fmt.Sprintf("%d", e.Counter),
			Message:   hex.EncodeToString(e.Message),
			PrevMAC:   hex.EncodeToString(e.PrevMAC[:]),
			MAC:       hex.EncodeToString(e.MAC[:]),
		})
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type verdictResp struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

func postJSON(t *testing.T, url string, body []byte) (int, verdictResp) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var v verdictResp
	_ = json.NewDecoder(resp.Body).Decode(&v)
	return resp.StatusCode, v
}

func TestVerifyEndpointJSON(t *testing.T) {
	ts := newTestServer(t, nil)
	entries := buildEntries(t, 5)

	code, v := postJSON(t, ts.URL+"/api/v1/chains/verify", jsonBody(t, "audit", entries))
	if code != http.StatusOK || !v.Verified {
		t.Fatalf("valid chain rejected: code=%d verdict=%+v", code, v)
	}

	entries[2].Message[0] ^= 1
	code, v = postJSON(t, ts.URL+"/api/v1/chains/verify", jsonBody(t, "audit", entries))
	if code != http.StatusOK || v.Verified {
		t.Fatalf("tampered chain accepted: code=%d verdict=%+v", code, v)
	}
	if v.Reason == "" {
		t.Fatal("rejection carries no reason")
	}
}

func TestVerifyEndpointProtobuf(t *testing.T) {
	ts := newTestServer(t, nil)
	entries := buildEntries(t, 4)

	st, err := entriesToStruct("audit", entries)
	if err != nil {
		t.Fatal(err)
	}
	body, err := proto.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/api/v1/chains/verify", "application/x-protobuf", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("response content type %q", ct)
	}
}

func TestIngestPersistsVerifiedRun(t *testing.T) {
	srv, err := New(testKey(), nil)
	if err != nil {
		t.Fatal(err)
	}
	store := chain.NewMemoryStore()
	srv.RegisterStore("audit", store)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	entries := buildEntries(t, 3)
	code, v := postJSON(t, ts.URL+"/api/v1/chains/ingest", jsonBody(t, "audit", entries))
	if code != http.StatusOK || !v.Verified {
		t.Fatalf("ingest failed: code=%d verdict=%+v", code, v)
	}

	tail, ok, err := store.Tail()
	if err != nil || !ok || tail.Counter != 3 {
		t.Fatalf("store tail after ingest: ok=%v counter=%d err=%v", ok, tail.Counter, err)
	}
}

func TestIngestUnknownChain(t *testing.T) {
	ts := newTestServer(t, nil)
	entries := buildEntries(t, 2)
	code, _ := postJSON(t, ts.URL+"/api/v1/chains/ingest", jsonBody(t, "nope", entries))
	if code != http.StatusNotFound {
		t.Fatalf("unknown chain: status %d", code)
	}
}

func TestBundleEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	clk := clock.NewManual(1_700_000_000_000_000_000)
	w, err := chain.NewWriter(chain.Config{Key: testKey(), Clock: clk}, chain.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.Append(chain.Info, []byte("bundle event")); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
	}
	entries, err := w.Snapshot(1)
	if err != nil {
		t.Fatal(err)
	}
	window := clock.Window{
		Start: entries[0].Timestamp,
		End:   entries[len(entries)-1].Timestamp,
	}
	b, err := bundle.Build(context.Background(), window, entries, nil, testKey(),
		bundle.Options{ID: "srv-test", Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := bundle.WriteArchive(&buf, b); err != nil {
		t.Fatal(err)
	}

	code, v := postJSON(t, ts.URL+"/api/v1/bundles/validate", buf.Bytes())
	if code != http.StatusOK || !v.Verified {
		t.Fatalf("valid bundle rejected: code=%d verdict=%+v", code, v)
	}

	// Corrupt one byte of the archive.
	data := buf.Bytes()
	data[len(data)/2] ^= 0xff
	code, v = postJSON(t, ts.URL+"/api/v1/bundles/validate", data)
	if code != http.StatusOK || v.Verified {
		t.Fatalf("corrupt bundle accepted: code=%d verdict=%+v", code, v)
	}
}

func TestRateLimitedCollector(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.Config{Capacity: 2, Duration: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, lim)
	body := jsonBody(t, "audit", buildEntries(t, 1))

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Post(ts.URL+"/api/v1/chains/verify", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("collector never rate limited the client")
	}
}
