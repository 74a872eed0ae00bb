// Package server is the evidence collector: an HTTP surface where
// producers ship entries for chains registered with RegisterStore,
// verify runs, and submit bundles for validation. It speaks JSON by
// default and protobuf when the client asks (Content-Type:
// application/x-protobuf).
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/evidentsys/evident/bundle"
	"github.com/evidentsys/evident/chain"
	"github.com/evidentsys/evident/digest"
	"github.com/evidentsys/evident/ratelimit"
)

// Server validates evidence submitted over HTTP. The MAC key is
// process-wide and read-only after construction.
type Server struct {
	suite   digest.Suite
	key     []byte
	limiter *ratelimit.Limiter // optional per-client admission

	mu     sync.RWMutex
	stores map[string]chain.Store
}

// New builds a collector for the given key. limiter may be nil.
func New(key []byte, limiter *ratelimit.Limiter) (*Server, error) {
	if len(key) != digest.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", digest.KeySize, len(key))
	}
	return &Server{
		suite:   digest.HMACSHA256{},
		key:     key,
		limiter: limiter,
		stores:  make(map[string]chain.Store),
	}, nil
}

// RegisterStore associates a chain id with its storage backend. Entries
// shipped for that id are persisted there after verification of the
// submitted run.
func (s *Server) RegisterStore(chainID string, store chain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[chainID] = store
}

func (s *Server) storeFor(chainID string) (chain.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[chainID]
	return st, ok
}

func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-protobuf") ||
		strings.HasPrefix(ct, "application/protobuf")
}

// jsonEntry is the JSON wire form of a chain entry; byte fields are
// lowercase hex, 64-bit counters decimal strings (see proto.go).
type jsonEntry struct {
	Timestamp string `json:"timestamp"`
	Level     uint8  `json:"level"`
	Counter   string `json:"counter"`
	Message   string `json:"message"`
	PrevMAC   string `json:"prev_mac"`
	MAC       string `json:"mac"`
}

type jsonEntriesRequest struct {
	ChainID string      `json:"chain_id"`
	Entries []jsonEntry `json:"entries"`
}

func (je *jsonEntry) toEntry() (chain.Entry, error) {
	s, err := structpb.NewStruct(map[string]any{
		"timestamp": je.Timestamp,
		"level":     float64(je.Level),
		"counter":   je.Counter,
		"message":   je.Message,
		"prev_mac":  je.PrevMAC,
		"mac":       je.MAC,
	})
	if err != nil {
		return chain.Entry{}, err
	}
	return entryFromStruct(s)
}

func decodeEntriesRequest(r *http.Request) (string, []chain.Entry, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read body: %w", err)
	}
	if isProtobuf(r) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return "", nil, fmt.Errorf("unmarshal protobuf: %w", err)
		}
		return entriesFromStruct(&st)
	}
	var req jsonEntriesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("decode json: %w", err)
	}
	entries := make([]chain.Entry, 0, len(req.Entries))
	for i := range req.Entries {
		e, err := req.Entries[i].toEntry()
		if err != nil {
			return "", nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return req.ChainID, entries, nil
}

func (s *Server) writeVerdict(w http.ResponseWriter, r *http.Request, verified bool, reason string) {
	if isProtobuf(r) {
		st, err := verdictStruct(verified, reason)
		if err == nil {
			data, merr := proto.Marshal(st)
			if merr == nil {
				w.Header().Set("Content-Type", "application/x-protobuf")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(data)
				return
			}
		}
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"verified": verified,
		"reason":   reason,
	})
}

// HandleIngest handles POST /api/v1/chains/ingest: verify the submitted
// run, then persist it to the registered store.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(r) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	chainID, entries, err := decodeEntriesRequest(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := chain.Verify(s.suite, s.key, entries); err != nil {
		s.writeVerdict(w, r, false, err.Error())
		return
	}

	store, ok := s.storeFor(chainID)
	if !ok {
		http.Error(w, "unknown chain id", http.StatusNotFound)
		return
	}
	for i := range entries {
		e := entries[i]
		tail := chain.Tail{Counter: e.Counter, Timestamp: e.Timestamp, MAC: e.MAC}
		if err := store.Append(e, tail, nil); err != nil {
			http.Error(w, fmt.Sprintf("persist entry %d: %v", e.Counter, err), http.StatusConflict)
			return
		}
	}
	s.writeVerdict(w, r, true, "")
}

// HandleVerify handles POST /api/v1/chains/verify: stateless
// verification of a submitted run.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(r) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	_, entries, err := decodeEntriesRequest(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := chain.Verify(s.suite, s.key, entries); err != nil {
		s.writeVerdict(w, r, false, err.Error())
		return
	}
	s.writeVerdict(w, r, true, "")
}

// HandleBundle handles POST /api/v1/bundles/validate: the body is a
// sealed archive; the response is the validation verdict.
func (s *Server) HandleBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(r) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	if err := bundle.ValidateArchiveBytes(body, s.key, s.suite); err != nil {
		s.writeVerdict(w, r, false, reasonOf(err))
		return
	}
	s.writeVerdict(w, r, true, "")
}

// reasonOf maps validation failures to their stable reason strings.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, bundle.ErrInvalidSeal):
		return "invalid_seal"
	case errors.Is(err, bundle.ErrInvalidWindow):
		return "invalid_window"
	case errors.Is(err, bundle.ErrInvalidSchema):
		return "invalid_schema"
	case errors.Is(err, bundle.ErrInvalidSize), errors.Is(err, bundle.ErrSizeBudget):
		return "invalid_size"
	case errors.Is(err, bundle.ErrChainInvalid):
		return "chain_invalid"
	default:
		return err.Error()
	}
}

func (s *Server) admit(r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return s.limiter.Admit(host, 1) == ratelimit.Allow
}

// SetupRoutes configures the collector's HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/chains/ingest", s.HandleIngest)
	mux.HandleFunc("/api/v1/chains/verify", s.HandleVerify)
	mux.HandleFunc("/api/v1/bundles/validate", s.HandleBundle)
}

// ListenAndServe starts the collector on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return (&http.Server{Addr: addr, Handler: mux}).ListenAndServe()
}
