// Package savedb is the persisted save store: refuge records, pending return positions
// and an audit index, in one sqlite file next to the world data.
package savedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/registry"
)

// DB implements registry.Store. Record and return-position writes are synchronous;
// audit rows go through a buffered writer goroutine and are dropped when it falls behind.
type DB struct {
	db *sql.DB

	ch   chan audit.Entry
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ registry.Store = (*DB)(nil)

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &DB{db: db, ch: make(chan audit.Entry, 4096)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS refuges (
			username TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS return_positions (
			username TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *DB) LoadRecords() ([]registry.StoredRecord, error) {
	rows, err := s.db.Query(`SELECT username, version, data FROM refuges ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.StoredRecord
	for rows.Next() {
		var (
			r    registry.StoredRecord
			data string
		)
		if err := rows.Scan(&r.Username, &r.Version, &data); err != nil {
			return nil, err
		}
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) SaveRecord(r registry.StoredRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO refuges(username, version, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(username) DO UPDATE SET version=excluded.version, data=excluded.data, updated_at=excluded.updated_at`,
		r.Username, r.Version, string(r.Data), now(),
	)
	return err
}

func (s *DB) DeleteRecord(username string) error {
	_, err := s.db.Exec(`DELETE FROM refuges WHERE username=?`, username)
	return err
}

func (s *DB) LoadReturnPositions() (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT username, data FROM return_positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		out[name] = []byte(data)
	}
	return out, rows.Err()
}

func (s *DB) SaveReturnPosition(username string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO return_positions(username, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(username) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		username, string(data), now(),
	)
	return err
}

func (s *DB) DeleteReturnPosition(username string) error {
	_, err := s.db.Exec(`DELETE FROM return_positions WHERE username=?`, username)
	return err
}

// GetMeta returns the value for key, or "" when unset.
func (s *DB) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *DB) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// WriteAudit queues e for the audit index.
func (s *DB) WriteAudit(e audit.Entry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *DB) DroppedAudits() uint64 { return s.dropped.Load() }

func (s *DB) loop() {
	for e := range s.ch {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		_, _ = s.db.Exec(
			`INSERT INTO audits(tick, actor, action, x, y, z, reason, raw_json) VALUES(?,?,?,?,?,?,?,?)`,
			int64(e.Tick), e.Actor, e.Action, e.Pos[0], e.Pos[1], e.Pos[2], e.Reason, string(raw),
		)
	}
}

// AuditRow is one indexed audit entry.
type AuditRow struct {
	Seq    int64
	Tick   uint64
	Actor  string
	Action string
	Reason string
}

// AuditsFor returns the most recent audit rows for actor, newest first.
func (s *DB) AuditsFor(actor string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT seq, tick, actor, action, COALESCE(reason,'') FROM audits WHERE actor=? ORDER BY seq DESC LIMIT ?`, actor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var (
			r    AuditRow
			tick int64
		)
		if err := rows.Scan(&r.Seq, &tick, &r.Actor, &r.Action, &r.Reason); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}
