package search

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var snapshotMagic = []byte("SGIX\x01")

type snapshot struct {
	Points []*Point `msgpack:"points"`
}

// Save writes every point to path (or Config.Path when path is empty) as a
// zstd-compressed msgpack snapshot. The file is replaced atomically. Save
// holds the exclusive lock, so it observes every acknowledged mutation.
func (ix *VectorIndex) Save(path string) error {
	if path == "" {
		path = ix.cfg.Path
	}
	if path == "" {
		return fmt.Errorf("%w: no snapshot path configured", ErrIO)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	snap := snapshot{Points: make([]*Point, 0, len(ix.points))}
	it := ix.all.Iterator()
	for it.HasNext() {
		snap.Points = append(snap.Points, ix.points[it.Next()])
	}

	if err := writeSnapshot(path, &snap); err != nil {
		return fmt.Errorf("%w: saving %s: %v", ErrIO, path, err)
	}
	ix.log.Info().Str("path", path).Int("points", len(snap.Points)).Msg("index saved")
	return nil
}

func writeSnapshot(path string, snap *snapshot) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(snapshotMagic); err != nil {
		tmp.Close()
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return err
	}
	if err := msgpack.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		tmp.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load replaces the index contents with the snapshot at path (or
// Config.Path). On any error the previous contents are kept.
func (ix *VectorIndex) Load(path string) error {
	if path == "" {
		path = ix.cfg.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	snap, err := readSnapshot(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("%w: loading %s: %v", ErrIO, path, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev := ix.state()
	ix.reset()
	for _, p := range snap.Points {
		if p == nil || p.ID == "" {
			continue
		}
		if _, dup := ix.ords[p.ID]; dup {
			ix.restore(prev)
			return fmt.Errorf("%w: snapshot %s: %w: %s", ErrIO, path, ErrDuplicateID, p.ID)
		}
		if err := ix.insertLocked(p); err != nil {
			ix.restore(prev)
			return fmt.Errorf("%w: snapshot %s: %w", ErrIO, path, err)
		}
	}
	ix.log.Info().Str("path", path).Int("points", len(ix.points)).Msg("index loaded")
	return nil
}

type indexState struct {
	points    map[uint32]*Point
	ords      map[string]uint32
	nextOrd   uint32
	all       *roaring.Bitmap
	presets   map[string]*presetIndex
	fieldRefs map[string]int
}

func (ix *VectorIndex) state() indexState {
	return indexState{
		points:    ix.points,
		ords:      ix.ords,
		nextOrd:   ix.nextOrd,
		all:       ix.all,
		presets:   ix.presets,
		fieldRefs: ix.fieldRefs,
	}
}

func (ix *VectorIndex) restore(prev indexState) {
	ix.points = prev.points
	ix.ords = prev.ords
	ix.nextOrd = prev.nextOrd
	ix.all = prev.all
	ix.presets = prev.presets
	ix.fieldRefs = prev.fieldRefs
}

func readSnapshot(r io.Reader) (*snapshot, error) {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return nil, fmt.Errorf("not a soundgraph index snapshot")
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var snap snapshot
	if err := msgpack.NewDecoder(dec).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
