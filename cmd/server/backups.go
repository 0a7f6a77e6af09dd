package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"refuge.voxelcraft.ai/internal/persistence/savedb"
	"refuge.voxelcraft.ai/internal/persistence/snapshot"
)

// backupWriter captures the save store on the loop goroutine and writes the compressed
// file on its own goroutine so a slow disk never stalls a tick.
type backupWriter struct {
	db     *savedb.DB
	dir    string
	keep   int
	logger *log.Logger
	ch     chan snapshot.SnapshotV1
}

func newBackupWriter(db *savedb.DB, dir string, keep int, logger *log.Logger) *backupWriter {
	return &backupWriter{db: db, dir: dir, keep: keep, logger: logger, ch: make(chan snapshot.SnapshotV1, 2)}
}

func (b *backupWriter) capture(tick uint64) {
	snap, err := snapshot.Capture(b.db, tick, time.Now().Unix())
	if err != nil {
		b.logger.Printf("backup capture: %v", err)
		return
	}
	select {
	case b.ch <- snap:
	default:
		b.logger.Printf("backup at tick %d skipped: writer busy", tick)
	}
}

func (b *backupWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-b.ch:
			if err := b.write(snap); err != nil {
				b.logger.Printf("backup write: %v", err)
			}
		}
	}
}

func (b *backupWriter) writeNow(tick uint64) error {
	snap, err := snapshot.Capture(b.db, tick, time.Now().Unix())
	if err != nil {
		return err
	}
	return b.write(snap)
}

func (b *backupWriter) write(snap snapshot.SnapshotV1) error {
	path := snapshot.PathForTick(b.dir, snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return err
	}
	if err := b.db.SetMeta("last_backup", path); err != nil {
		b.logger.Printf("record backup meta: %v", err)
	}
	if n, err := snapshot.Prune(b.dir, b.keep); err != nil {
		b.logger.Printf("prune backups: %v", err)
	} else if n > 0 {
		b.logger.Printf("pruned %d old backups", n)
	}
	return nil
}

// latestBackup returns the backup in dir with the highest tick, or "".
func latestBackup(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
