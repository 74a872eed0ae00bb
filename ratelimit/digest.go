package ratelimit

import (
	"encoding/binary"
	"sync"

	"github.com/evidentsys/evident/digest"
)

// DigestState summarizes every decision the limiter has made: counters
// plus a running hash over the (key, time, cost, decision) records. A
// bundle embeds this so auditors can tie admission behavior to the
// incident window.
type DigestState struct {
	Allowed uint64
	Denied  uint64
	Sum     [digest.Size]byte
}

// decisionDigest folds each decision record into a running SHA-256,
// the same fold shape the log chain uses for its MACs.
type decisionDigest struct {
	mu    sync.Mutex
	suite digest.Suite
	st    DigestState
}

func newDecisionDigest() *decisionDigest {
	return &decisionDigest{suite: digest.HMACSHA256{}}
}

func (d *decisionDigest) record(key string, now, cost uint64, dec Decision) {
	var rec [17]byte
	binary.BigEndian.PutUint64(rec[0:8], now)
	binary.BigEndian.PutUint64(rec[8:16], cost)
	rec[16] = byte(dec)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.Sum = d.suite.Hash(d.st.Sum[:], []byte(key), rec[:])
	if dec == Allow {
		d.st.Allowed++
	} else {
		d.st.Denied++
	}
}

func (d *decisionDigest) state() DigestState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}
