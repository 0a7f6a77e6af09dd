// Package snapshot writes and reads registry backups: one zstd stream holding a JSON
// header line followed by the gob-encoded save store contents.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"refuge.voxelcraft.ai/internal/refuge/registry"
)

const Version = 1

type Header struct {
	Version       int    `json:"version"`
	Tick          uint64 `json:"tick"`
	WrittenUnix   int64  `json:"written_unix"`
	Records       int    `json:"records"`
	SchemaVersion int    `json:"schema_version"`
}

type SnapshotV1 struct {
	Header Header

	Records         []registry.StoredRecord
	ReturnPositions map[string][]byte
}

// Capture copies the full contents of a save store.
func Capture(store registry.Store, tick uint64, writtenUnix int64) (SnapshotV1, error) {
	recs, err := store.LoadRecords()
	if err != nil {
		return SnapshotV1{}, fmt.Errorf("capture records: %w", err)
	}
	rps, err := store.LoadReturnPositions()
	if err != nil {
		return SnapshotV1{}, fmt.Errorf("capture return positions: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Username < recs[j].Username })
	return SnapshotV1{
		Header: Header{
			Version:       Version,
			Tick:          tick,
			WrittenUnix:   writtenUnix,
			Records:       len(recs),
			SchemaVersion: registry.CurrentVersion,
		},
		Records:         recs,
		ReturnPositions: rps,
	}, nil
}

// Restore writes snap into store. With replace set, records and return positions absent
// from the snapshot are deleted first. Records keep their stored schema version and are
// migrated by the next registry.Open.
func Restore(store registry.Store, snap SnapshotV1, replace bool) error {
	if replace {
		cur, err := store.LoadRecords()
		if err != nil {
			return err
		}
		keep := map[string]bool{}
		for _, r := range snap.Records {
			keep[r.Username] = true
		}
		for _, r := range cur {
			if !keep[r.Username] {
				if err := store.DeleteRecord(r.Username); err != nil {
					return err
				}
			}
		}
		rps, err := store.LoadReturnPositions()
		if err != nil {
			return err
		}
		for name := range rps {
			if _, ok := snap.ReturnPositions[name]; !ok {
				if err := store.DeleteReturnPosition(name); err != nil {
					return err
				}
			}
		}
	}
	for _, r := range snap.Records {
		if err := store.SaveRecord(r); err != nil {
			return fmt.Errorf("restore %s: %w", r.Username, err)
		}
	}
	for name, raw := range snap.ReturnPositions {
		if err := store.SaveReturnPosition(name, raw); err != nil {
			return fmt.Errorf("restore return position %s: %w", name, err)
		}
	}
	return nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	hl, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hl, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.ReturnPositions == nil {
		snap.ReturnPositions = map[string][]byte{}
	}
	return snap, nil
}

// PathForTick names a periodic backup file.
func PathForTick(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d.snap.zst", tick))
}

// Prune keeps the newest keep backups in dir and removes the rest.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	removed := 0
	for len(names) > keep {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return removed, err
		}
		names = names[1:]
		removed++
	}
	return removed, nil
}
