package embedded

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/flarexio/retriever/datastore"
)

const snapshotVersion = 1

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var ErrCorruptSnapshot = errors.New("corrupt snapshot")

type snapshot struct {
	Version   int
	Dimension int
	Metric    string
	NextSeq   uint64
	Records   []snapshotRecord
}

type snapshotRecord struct {
	Seq       uint64
	ID        string
	Text      string
	Metadata  map[string]any
	Embedding []float32
}

func (idx *index) snapshot(dimension int, metric datastore.Metric) *snapshot {
	snap := &snapshot{
		Version:   snapshotVersion,
		Dimension: dimension,
		Metric:    string(metric),
		NextSeq:   idx.nextSeq,
		Records:   make([]snapshotRecord, len(idx.records)),
	}

	for i, r := range idx.records {
		snap.Records[i] = snapshotRecord{
			Seq:       r.Seq,
			ID:        r.Chunk.ID,
			Text:      r.Chunk.Text,
			Metadata:  r.Chunk.Metadata,
			Embedding: r.Chunk.Embedding,
		}
	}

	return snap
}

func (snap *snapshot) index(dimension int) (*index, error) {
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptSnapshot, snap.Version)
	}

	idx := newIndex()
	idx.nextSeq = snap.NextSeq

	var last uint64
	for i, r := range snap.Records {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: record %d has no id", ErrCorruptSnapshot, i)
		}

		if len(r.Embedding) != dimension {
			return nil, fmt.Errorf("%w: record %q has dimension %d", ErrCorruptSnapshot, r.ID, len(r.Embedding))
		}

		if _, ok := idx.byID[r.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrCorruptSnapshot, r.ID)
		}

		if i > 0 && r.Seq <= last {
			return nil, fmt.Errorf("%w: records out of order", ErrCorruptSnapshot)
		}
		last = r.Seq

		if r.Seq >= idx.nextSeq {
			idx.nextSeq = r.Seq + 1
		}

		idx.byID[r.ID] = len(idx.records)
		idx.records = append(idx.records, record{
			Seq: r.Seq,
			Chunk: datastore.Chunk{
				ID:        r.ID,
				Text:      r.Text,
				Metadata:  datastore.Metadata(r.Metadata),
				Embedding: r.Embedding,
			},
		})
	}

	return idx, nil
}

// readSnapshot decodes the snapshot at path, transparently handling zstd
// compression. A missing file yields os.ErrNotExist.
func readSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		defer dec.Close()

		r = dec
	}

	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	return &snap, nil
}

// writeSnapshot replaces the file at path atomically: the snapshot goes to
// a temp file in the same directory, is synced, then renamed into place.
func writeSnapshot(path string, snap *snapshot, compress bool) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)

	if compress {
		enc, err := zstd.NewWriter(bw)
		if err != nil {
			return err
		}

		if err := gob.NewEncoder(enc).Encode(snap); err != nil {
			enc.Close()
			return err
		}

		if err := enc.Close(); err != nil {
			return err
		}
	} else {
		if err := gob.NewEncoder(bw).Encode(snap); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk. The new snapshot is already in
// place, so failures here are not reported.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()

	d.Sync()
}
