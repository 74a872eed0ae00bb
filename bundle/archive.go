package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/evidentsys/evident/chain"
	"github.com/evidentsys/evident/clock"
	"github.com/evidentsys/evident/statediff"
)

// Archive layout. The payload is every file except the manifest; the
// manifest is written first and carries the seal.
//
//	/manifest.json        id, created_at, window, seal (hex), schema_version
//	/logs/chain.bin       wire-format log entries, concatenated
//	/state/snapshots/<id> raw state bytes per snapshot
//	/state/diffs.bin      length-prefixed version records, parent order
//	/timeline.html        deterministic projection
//	/metadata.json        canonical key/value pairs
const (
	manifestPath = "manifest.json"
	chainPath    = "logs/chain.bin"
	snapshotsDir = "state/snapshots"
	diffsPath    = "state/diffs.bin"
	timelinePath = "timeline.html"
	metadataPath = "metadata.json"
)

type archiveFile struct {
	name string
	data []byte
}

// payloadFiles returns the archive payload in its fixed write order.
// The same order is used when measuring SizeBytes and when writing, so
// the measurement is exact.
func payloadFiles(b *Bundle) ([]archiveFile, error) {
	logBytes, err := encodeLogs(b.Logs)
	if err != nil {
		return nil, err
	}
	diffBytes, err := encodeDiffs(b.Diffs)
	if err != nil {
		return nil, err
	}
	metaBytes, err := Canonical(map[string]any{"metadata": b.Metadata})
	if err != nil {
		return nil, err
	}

	files := []archiveFile{
		{name: chainPath, data: logBytes},
		{name: metadataPath, data: metaBytes},
		{name: diffsPath, data: diffBytes},
	}

	snaps := make([]Snapshot, len(b.Snapshots))
	copy(snaps, b.Snapshots)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].VersionID < snaps[j].VersionID })
	for _, s := range snaps {
		files = append(files, archiveFile{name: path.Join(snapshotsDir, s.VersionID), data: s.State})
	}

	files = append(files, archiveFile{name: timelinePath, data: []byte(Timeline(b))})
	return files, nil
}

// writeTarGz writes files into a deterministic tar.gz stream: fixed
// order, zeroed times, fixed modes, USTAR headers.
func writeTarGz(w io.Writer, files []archiveFile) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0644,
			Size:    int64(len(f.data)),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// measurePayload returns the compressed size of the payload files.
// This is the number stored in SizeBytes and checked against the
// budget.
func measurePayload(b *Bundle) (uint64, error) {
	files, err := payloadFiles(b)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := writeTarGz(&buf, files); err != nil {
		return 0, err
	}
	return uint64(buf.Len()), nil
}

// manifest is the sealed identity block stored as manifest.json.
type manifest struct {
	ID            string `json:"id"`
	CreatedAt     uint64 `json:"created_at"`
	WindowStart   uint64 `json:"window_start"`
	WindowEnd     uint64 `json:"window_end"`
	Seal          string `json:"seal"`
	SchemaVersion string `json:"schema_version"`
	SizeBytes     uint64 `json:"size_bytes"`
}

// WriteArchive emits the complete sealed archive to w.
func WriteArchive(w io.Writer, b *Bundle) error {
	files, err := payloadFiles(b)
	if err != nil {
		return err
	}
	m := manifest{
		ID:            b.ID,
		CreatedAt:     b.CreatedAt,
		WindowStart:   b.Window.Start,
		WindowEnd:     b.Window.End,
		Seal:          hex.EncodeToString(b.Seal[:]),
		SchemaVersion: SchemaVersion,
		SizeBytes:     b.SizeBytes,
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return err
	}
	all := append([]archiveFile{{name: manifestPath, data: mb}}, files...)
	return writeTarGz(w, all)
}

// openTar positions a tar reader over the gzip stream. The caller
// closes the returned gzip reader.
func openTar(r io.Reader) (*gzip.Reader, *tar.Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: not a gzip stream: %v", ErrInvalidSchema, err)
	}
	return gz, tar.NewReader(gz), nil
}

// ReadArchive parses an archive back into a Bundle. It performs format
// decoding only; Validate re-checks the cryptographic content.
func ReadArchive(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not a gzip stream: %v", ErrInvalidSchema, err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad tar: %v", ErrInvalidSchema, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidSchema, hdr.Name, err)
		}
		files[path.Clean(hdr.Name)] = data
	}

	mb, ok := files[manifestPath]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidSchema, manifestPath)
	}
	var m manifest
	if err := json.Unmarshal(mb, &m); err != nil {
		return nil, fmt.Errorf("%w: bad manifest: %v", ErrInvalidSchema, err)
	}

	b := &Bundle{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		Window:    clock.Window{Start: m.WindowStart, End: m.WindowEnd},
		SizeBytes: m.SizeBytes,
		Metadata:  map[string]string{},
	}
	sealBytes, err := hex.DecodeString(m.Seal)
	if err != nil || len(sealBytes) != len(b.Seal) {
		return nil, fmt.Errorf("%w: bad seal encoding", ErrInvalidSchema)
	}
	copy(b.Seal[:], sealBytes)

	if logBytes, ok := files[chainPath]; ok {
		entries, err := chain.ReadEntries(bytes.NewReader(logBytes), 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, chainPath, err)
		}
		b.Logs = entries
	}

	if diffBytes, ok := files[diffsPath]; ok {
		records, err := statediff.ReadVersionRecords(bytes.NewReader(diffBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, diffsPath, err)
		}
		b.Diffs = records
	}

	var snapNames []string
	for name := range files {
		if strings.HasPrefix(name, snapshotsDir+"/") {
			snapNames = append(snapNames, name)
		}
	}
	sort.Strings(snapNames)
	for _, name := range snapNames {
		b.Snapshots = append(b.Snapshots, Snapshot{
			VersionID: strings.TrimPrefix(name, snapshotsDir+"/"),
			State:     files[name],
		})
	}

	metaBytes, ok := files[metadataPath]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidSchema, metadataPath)
	}
	var metaDoc struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(metaBytes, &metaDoc); err != nil {
		return nil, fmt.Errorf("%w: bad metadata: %v", ErrInvalidSchema, err)
	}
	b.Metadata = metaDoc.Metadata

	return b, nil
}
