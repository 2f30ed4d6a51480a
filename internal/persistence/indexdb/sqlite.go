package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tilestream.dev/internal/sim/catalogs"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropTick  atomic.Uint64
	writeErrs atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSession
)

type req struct {
	kind reqKind

	tick    tickRow
	session session.Manifest
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
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
		"PRAGMA foreign_keys=ON;",
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
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			map_id TEXT NOT NULL,
			seed INTEGER NOT NULL,
			tick_rate_hz INTEGER NOT NULL,
			spawn_x REAL NOT NULL,
			spawn_z REAL NOT NULL,
			catalog_digest TEXT NOT NULL,
			config_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			cell_x INTEGER NOT NULL,
			cell_z INTEGER NOT NULL,
			moved INTEGER NOT NULL,
			tiles_loaded INTEGER NOT NULL,
			tiles_unloaded INTEGER NOT NULL,
			obstacles_loaded INTEGER NOT NULL,
			obstacles_unloaded INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			cache_size INTEGER NOT NULL,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_cell ON ticks(session_id, cell_x, cell_z);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
		WriteErrTotal: s.writeErrs.Load(),
	}
}

func (s *SQLiteIndex) TickLogger(sessionID string) session.TickLogger {
	return sessionTicks{write: s.enqueueTick, id: sessionID}
}

func (s *SQLiteIndex) enqueueTick(r tickRow) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: r}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

// RecordSession is queued behind earlier ticks but never dropped.
func (s *SQLiteIndex) RecordSession(m session.Manifest) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.ch <- req{kind: reqSession, session: m}
	return nil
}

func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := catalogRows(configDir, cats, tune)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return fmt.Errorf("catalog %s: %w", r.name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Sessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id,map_id,seed,catalog_digest,started_at FROM sessions ORDER BY started_at, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r       SessionRow
			seed    int64
			started string
		)
		if err := rows.Scan(&r.SessionID, &r.MapID, &seed, &r.CatalogDigest, &started); err != nil {
			return nil, err
		}
		r.Seed = uint64(seed)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) TickDigests(ctx context.Context, sessionID string) ([]TickDigest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,digest FROM ticks WHERE session_id=? ORDER BY tick`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickDigest
	for rows.Next() {
		var (
			tick int64
			d    TickDigest
		)
		if err := rows.Scan(&tick, &d.Digest); err != nil {
			return nil, err
		}
		d.Tick = uint64(tick)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(session_id,tick,cell_x,cell_z,moved,tiles_loaded,tiles_unloaded,obstacles_loaded,obstacles_unloaded,pending,cache_size,digest,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session_id,map_id,seed,tick_rate_hz,spawn_x,spawn_z,catalog_digest,config_json,started_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertSession != nil {
			_ = insertSession.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrs.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrs.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrs.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	apply := func(r req) {
		begin()
		if tx == nil {
			return
		}
		switch r.kind {
		case reqTick:
			e := r.tick.entry
			if insertTick == nil {
				return
			}
			raw, _ := json.Marshal(e)
			if _, err := tx.Stmt(insertTick).Exec(
				r.tick.sessionID,
				int64(e.Tick),
				e.Cell.X, e.Cell.Z,
				e.Moved,
				e.TilesLoaded,
				e.TilesUnloaded,
				e.ObstaclesLoaded,
				e.ObstaclesUnloaded,
				e.Pending,
				e.CacheSize,
				e.Digest,
				string(raw),
			); err != nil {
				rollback()
				return
			}
			opCount++

		case reqSession:
			m := r.session
			if insertSession == nil {
				return
			}
			cfg, _ := json.Marshal(m.Config)
			if _, err := tx.Stmt(insertSession).Exec(
				m.SessionID,
				m.MapID,
				int64(m.Seed),
				m.TickRateHz,
				m.Spawn.X, m.Spawn.Z,
				m.CatalogDigest,
				string(cfg),
				m.StartedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				rollback()
				return
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Idle commits release the single connection for readers.
	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			apply(r)
		case <-idle.C:
			commit()
		}
	}
}
