package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/evidentsys/evident/bundle"
	"github.com/evidentsys/evident/digest"
)

// FolderDrop is the air-gapped counterpart of the HTTP collector: sealed
// archives land in a directory tree and verdicts are written next to
// them, so evidence can be handed off on removable media.
//
//	{dir}/bundles/{id}.tar.gz   — sealed archive
//	{dir}/verdicts/{id}.json    — validation verdict
type FolderDrop struct {
	BaseDir string
	key     []byte
	suite   digest.Suite
	mu      sync.Mutex
}

// NewFolderDrop creates the directory structure and binds the key.
func NewFolderDrop(dir string, key []byte) (*FolderDrop, error) {
	if len(key) != digest.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", digest.KeySize, len(key))
	}
	for _, d := range []string{
		filepath.Join(dir, "bundles"),
		filepath.Join(dir, "verdicts"),
	} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, err
		}
	}
	return &FolderDrop{BaseDir: dir, key: key, suite: digest.HMACSHA256{}}, nil
}

// Deposit writes a sealed archive into the drop.
func (fd *FolderDrop) Deposit(id string, archive []byte) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	path := filepath.Join(fd.BaseDir, "bundles", id+".tar.gz")
	return os.WriteFile(path, archive, 0600)
}

// verdict is the persisted validation outcome.
type verdict struct {
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// ValidateAll validates every deposited archive and writes one verdict
// file per bundle. Returns the number of bundles that failed.
func (fd *FolderDrop) ValidateAll() (failed int, err error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(fd.BaseDir, "bundles"))
	if err != nil {
		return 0, err
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != ".gz" {
			continue
		}
		id := name[:len(name)-len(".tar.gz")]
		data, err := os.ReadFile(filepath.Join(fd.BaseDir, "bundles", name))
		if err != nil {
			return failed, err
		}

		v := verdict{ID: id, Verified: true}
		if verr := bundle.ValidateArchiveBytes(data, fd.key, fd.suite); verr != nil {
			v.Verified = false
			v.Reason = reasonOf(verr)
			failed++
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return failed, err
		}
		vpath := filepath.Join(fd.BaseDir, "verdicts", id+".json")
		if err := os.WriteFile(vpath, vb, 0600); err != nil {
			return failed, err
		}
	}
	return failed, nil
}
