package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"

	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

const (
	archiveMagic   = "DSNP"
	archiveVersion = 1

	// segmentRows caps rows per table section so neither side ever holds
	// more than one segment of a large table in memory.
	segmentRows = 500

	// maxSectionSize bounds a single decompressed section. A segment of
	// oversized rows still has to fit; anything past this is corruption.
	maxSectionSize = 16 << 20
)

// Section kinds, in stream order.
const (
	sectionHeader  byte = 1
	sectionTable   byte = 2
	sectionTrailer byte = 3
)

// ErrChecksum is returned when the trailer digest does not match the
// sections actually read.
var ErrChecksum = errors.New("snapshot archive checksum mismatch")

// Manifest is the archive header: who exported it, the donor's clocks at
// export time, and what the archive holds. The joiner fast-forwards its
// own clocks to the manifest after a successful apply.
type Manifest struct {
	Version      int               `json:"version"`
	DonorNodeID  string            `json:"donorNodeId"`
	CreatedAt    time.Time         `json:"createdAt"`
	VectorClock  types.VectorClock `json:"vectorClock"`
	LamportClock uint64            `json:"lamportClock"`
	Tables       int               `json:"tables"`
	Rows         int               `json:"rows"`
}

// Row is one business-table row inside a table section.
type Row struct {
	RecordID string         `json:"recordId"`
	Data     map[string]any `json:"data"`
}

// TableSegment is one table section: a slice of a table's rows. Large
// tables span several segments with the same table name.
type TableSegment struct {
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
}

type trailer struct {
	Checksum string `json:"checksum"`
	Rows     int    `json:"rows"`
}

// ExportOptions configures an archive export.
type ExportOptions struct {
	// Dir is the directory the archive file is written into.
	Dir string
	// SessionID names the file: sync-snapshot-<SessionID>.dat.
	SessionID string

	DonorNodeID  string
	VectorClock  types.VectorClock
	LamportClock uint64

	// Excluded filters tables out of the export; nil exports everything
	// the store lists.
	Excluded func(table string) bool
}

// ArchivePath returns the staged archive filename for a recovery session.
func ArchivePath(dir, sessionID string) string {
	return filepath.Join(dir, "sync-snapshot-"+sessionID+".dat")
}

// Export writes every non-excluded business table into a fresh archive
// and returns its path and manifest. The partially written file is
// removed on error.
func Export(st storage.Store, opts ExportOptions) (string, *Manifest, error) {
	tables, err := st.ListTables()
	if err != nil {
		return "", nil, fmt.Errorf("list tables: %w", err)
	}

	manifest := &Manifest{
		Version:      archiveVersion,
		DonorNodeID:  opts.DonorNodeID,
		CreatedAt:    time.Now().UTC(),
		VectorClock:  opts.VectorClock,
		LamportClock: opts.LamportClock,
	}
	exported := make([]string, 0, len(tables))
	for _, table := range tables {
		if opts.Excluded != nil && opts.Excluded(table) {
			continue
		}
		n, err := st.CountRows(table)
		if err != nil {
			return "", nil, fmt.Errorf("count rows of %s: %w", table, err)
		}
		exported = append(exported, table)
		manifest.Rows += n
	}
	manifest.Tables = len(exported)

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create backups directory: %w", err)
	}
	path := ArchivePath(opts.Dir, opts.SessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("create archive: %w", err)
	}

	w := &archiveWriter{w: bufio.NewWriterSize(f, 256<<10), hash: sha256.New()}
	err = func() error {
		if _, err := w.w.WriteString(archiveMagic); err != nil {
			return err
		}
		if err := w.w.WriteByte(archiveVersion); err != nil {
			return err
		}
		if err := w.section(sectionHeader, manifest); err != nil {
			return err
		}
		for _, table := range exported {
			if err := w.exportTable(st, table); err != nil {
				return fmt.Errorf("export %s: %w", table, err)
			}
		}
		sum := trailer{Checksum: hex.EncodeToString(w.hash.Sum(nil)), Rows: w.rows}
		if err := w.section(sectionTrailer, sum); err != nil {
			return err
		}
		if err := w.w.Flush(); err != nil {
			return err
		}
		return f.Sync()
	}()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", nil, err
	}

	info, _ := os.Stat(path)
	var size int64
	if info != nil {
		size = info.Size()
	}
	logger := log.WithComponent("snapshot")
	logger.Info().
		Str("path", path).
		Int("tables", manifest.Tables).
		Int("rows", manifest.Rows).
		Str("size", humanize.Bytes(uint64(size))).
		Msg("snapshot archive exported")
	return path, manifest, nil
}

type archiveWriter struct {
	w    *bufio.Writer
	hash hash.Hash
	rows int
}

// section writes one length-prefixed, snappy-compressed JSON section and
// folds the uncompressed payload into the running digest. The trailer
// itself is written after the digest is taken, so it is excluded.
func (w *archiveWriter) section(kind byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode section: %w", err)
	}
	if kind != sectionTrailer {
		w.hash.Write(payload)
	}
	packed := snappy.Encode(nil, payload)

	if err := w.w.WriteByte(kind); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(packed)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.w.Write(packed)
	return err
}

func (w *archiveWriter) exportTable(st storage.Store, table string) error {
	seg := TableSegment{Table: table, Rows: make([]Row, 0, segmentRows)}
	sections := 0
	flush := func() error {
		if err := w.section(sectionTable, seg); err != nil {
			return err
		}
		sections++
		w.rows += len(seg.Rows)
		seg.Rows = seg.Rows[:0]
		return nil
	}

	err := st.ForEachRow(table, func(recordID string, data map[string]any) error {
		seg.Rows = append(seg.Rows, Row{RecordID: recordID, Data: data})
		if len(seg.Rows) >= segmentRows {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Empty tables still travel as one empty segment so the joiner
	// learns they exist.
	if len(seg.Rows) > 0 || sections == 0 {
		return flush()
	}
	return nil
}

// Reader streams an archive's sections, verifying the trailer digest.
type Reader struct {
	f        *os.File
	br       *bufio.Reader
	hash     hash.Hash
	manifest *Manifest
	rows     int
	done     bool
}

// Open opens an archive and reads its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	r := &Reader{f: f, br: bufio.NewReaderSize(f, 256<<10), hash: sha256.New()}

	magic := make([]byte, len(archiveMagic))
	if _, err := io.ReadFull(r.br, magic); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read archive magic: %w", err)
	}
	if string(magic) != archiveMagic {
		_ = f.Close()
		return nil, fmt.Errorf("not a snapshot archive")
	}
	version, err := r.br.ReadByte()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read archive version: %w", err)
	}
	if version != archiveVersion {
		_ = f.Close()
		return nil, fmt.Errorf("unsupported archive version %d", version)
	}

	kind, payload, err := r.readSection()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if kind != sectionHeader {
		_ = f.Close()
		return nil, fmt.Errorf("archive missing header section")
	}
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decode archive header: %w", err)
	}
	r.manifest = &m
	return r, nil
}

// Manifest returns the archive header.
func (r *Reader) Manifest() *Manifest {
	return r.manifest
}

// Next returns the next table segment. io.EOF follows the last segment
// once the trailer digest has been verified; a bad digest surfaces as
// ErrChecksum instead.
func (r *Reader) Next() (*TableSegment, error) {
	if r.done {
		return nil, io.EOF
	}
	kind, payload, err := r.readSection()
	if err != nil {
		return nil, err
	}
	switch kind {
	case sectionTable:
		var seg TableSegment
		if err := json.Unmarshal(payload, &seg); err != nil {
			return nil, fmt.Errorf("decode table section: %w", err)
		}
		r.rows += len(seg.Rows)
		return &seg, nil
	case sectionTrailer:
		var t trailer
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode trailer: %w", err)
		}
		r.done = true
		if t.Checksum != hex.EncodeToString(r.hash.Sum(nil)) {
			return nil, ErrChecksum
		}
		if t.Rows != r.rows {
			return nil, fmt.Errorf("archive row count mismatch: trailer says %d, read %d", t.Rows, r.rows)
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("unexpected section kind %d", kind)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// readSection reads one section, decompresses it, and folds non-trailer
// payloads into the running digest.
func (r *Reader) readSection() (byte, []byte, error) {
	kind, err := r.br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, fmt.Errorf("archive truncated before trailer")
		}
		return 0, nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read section length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSectionSize {
		return 0, nil, fmt.Errorf("section of %d bytes exceeds limit", n)
	}
	packed := make([]byte, n)
	if _, err := io.ReadFull(r.br, packed); err != nil {
		return 0, nil, fmt.Errorf("read section body: %w", err)
	}
	payload, err := snappy.Decode(nil, packed)
	if err != nil {
		return 0, nil, fmt.Errorf("decompress section: %w", err)
	}
	if uint64(len(payload)) > maxSectionSize {
		return 0, nil, fmt.Errorf("section decompresses past limit")
	}
	if kind != sectionTrailer {
		r.hash.Write(payload)
	}
	return kind, payload, nil
}
