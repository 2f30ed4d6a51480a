package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"tilestream.dev/internal/persistence/indexdb/migrations"
	"tilestream.dev/internal/sim/catalogs"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tuning"
)

const (
	pgBatchSize     = 512
	pgFlushInterval = time.Second
)

// PostgresIndex batches tick rows into one round trip per flush.
type PostgresIndex struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropTick  atomic.Uint64
	writeErrs atomic.Uint64
}

// RunMigrations runs goose migrations on the given DSN.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// OpenPostgres migrates the database, then connects a pool.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresIndex, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := RunMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &PostgresIndex{
		pool: pool,
		log:  logger.With("component", "indexdb", "backend", "postgres"),
		ch:   make(chan req, 65536),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p, nil
}

func (p *PostgresIndex) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		p.pool.Close()
	})
	return nil
}

func (p *PostgresIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(p.ch),
		QueueCapacity: cap(p.ch),
		DropTickTotal: p.dropTick.Load(),
		WriteErrTotal: p.writeErrs.Load(),
	}
}

func (p *PostgresIndex) TickLogger(sessionID string) session.TickLogger {
	return sessionTicks{write: p.enqueueTick, id: sessionID}
}

func (p *PostgresIndex) enqueueTick(r tickRow) error {
	if p.closed.Load() {
		return nil
	}
	select {
	case p.ch <- req{kind: reqTick, tick: r}:
	default:
		p.dropTick.Add(1)
	}
	return nil
}

func (p *PostgresIndex) RecordSession(m session.Manifest) error {
	if p.closed.Load() {
		return nil
	}
	p.ch <- req{kind: reqSession, session: m}
	return nil
}

func (p *PostgresIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, r := range catalogRows(configDir, cats, tune) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO catalogs (name, digest, json, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (name) DO UPDATE SET digest = EXCLUDED.digest, json = EXCLUDED.json, updated_at = EXCLUDED.updated_at`,
			r.name, r.digest, string(r.json), now,
		); err != nil {
			return fmt.Errorf("catalog %s: %w", r.name, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresIndex) Sessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, map_id, seed, catalog_digest, started_at FROM sessions ORDER BY started_at, session_id`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r    SessionRow
			seed int64
		)
		if err := rows.Scan(&r.SessionID, &r.MapID, &seed, &r.CatalogDigest, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		r.Seed = uint64(seed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) TickDigests(ctx context.Context, sessionID string) ([]TickDigest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tick, digest FROM ticks WHERE session_id = $1 ORDER BY tick`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying ticks for %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []TickDigest
	for rows.Next() {
		var (
			tick int64
			d    TickDigest
		)
		if err := rows.Scan(&tick, &d.Digest); err != nil {
			return nil, fmt.Errorf("scanning tick: %w", err)
		}
		d.Tick = uint64(tick)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) queue(b *pgx.Batch, r req) {
	switch r.kind {
	case reqTick:
		e := r.tick.entry
		raw, _ := json.Marshal(e)
		b.Queue(
			`INSERT INTO ticks (session_id, tick, cell_x, cell_z, moved, tiles_loaded, tiles_unloaded,
			   obstacles_loaded, obstacles_unloaded, pending, cache_size, digest, raw_json)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (session_id, tick) DO NOTHING`,
			r.tick.sessionID, int64(e.Tick), e.Cell.X, e.Cell.Z, e.Moved, e.TilesLoaded, e.TilesUnloaded,
			e.ObstaclesLoaded, e.ObstaclesUnloaded, e.Pending, e.CacheSize, e.Digest, string(raw),
		)
	case reqSession:
		m := r.session
		cfg, _ := json.Marshal(m.Config)
		b.Queue(
			`INSERT INTO sessions (session_id, map_id, seed, tick_rate_hz, spawn_x, spawn_z, catalog_digest, config_json, started_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (session_id) DO NOTHING`,
			m.SessionID, m.MapID, int64(m.Seed), m.TickRateHz, m.Spawn.X, m.Spawn.Z, m.CatalogDigest, string(cfg), m.StartedAt.UTC(),
		)
	}
}

func (p *PostgresIndex) loop() {
	batch := &pgx.Batch{}
	flush := func() {
		if batch.Len() == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
			p.writeErrs.Add(1)
			p.log.Warn("index batch failed", "rows", batch.Len(), "err", err)
		}
		batch = &pgx.Batch{}
	}

	ticker := time.NewTicker(pgFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-p.ch:
			if !ok {
				flush()
				return
			}
			p.queue(batch, r)
			if batch.Len() >= pgBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
