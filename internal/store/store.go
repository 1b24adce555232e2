// Package store provides SQLite persistence for computation history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// Computation status values.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// ErrNotFound is returned when no computation matches an ID.
var ErrNotFound = errors.New("computation not found")

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// Computation is one row of history: the request that was run and how it
// ended. Histogram samples are loaded separately with LoadResult.
type Computation struct {
	ID         string    `db:"id"`
	Status     string    `db:"status"`
	Endpoint   string    `db:"endpoint"`
	Processor  string    `db:"processor"`
	Timeseries string    `db:"timeseries"`
	Firings    string    `db:"firings"`
	Filter     string    `db:"filter"` // JSON EventFilter
	Clusters   string    `db:"clusters"`
	Histograms int       `db:"histograms"`
	Discarded  int       `db:"discarded"`
	ErrorKind  string    `db:"error_kind"`
	ErrorStage string    `db:"error_stage"`
	ErrorMsg   string    `db:"error_msg"`
	CreatedAt  time.Time `db:"created_at"`
	FinishedAt time.Time `db:"finished_at"`
}

type histogramRow struct {
	Ord          int    `db:"ord"`
	K1           int    `db:"k1"`
	K2           int    `db:"k2"`
	Same         string `db:"same"`
	Other        string `db:"other"`
	SameDerived  bool   `db:"same_derived"`
	OtherDerived bool   `db:"other_derived"`
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		connStr = "file::memory:?cache=shared"
	}

	db, err := sqlx.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection for :memory:, otherwise each connection gets its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS computations (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		processor TEXT NOT NULL DEFAULT '',
		timeseries TEXT NOT NULL DEFAULT '',
		firings TEXT NOT NULL DEFAULT '',
		filter TEXT NOT NULL DEFAULT '{}',
		clusters TEXT NOT NULL DEFAULT '',
		histograms INTEGER NOT NULL DEFAULT 0,
		discarded INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_stage TEXT NOT NULL DEFAULT '',
		error_msg TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_computations_created ON computations(created_at DESC);

	CREATE TABLE IF NOT EXISTS histograms (
		computation_id TEXT NOT NULL REFERENCES computations(id) ON DELETE CASCADE,
		ord INTEGER NOT NULL,
		k1 INTEGER NOT NULL,
		k2 INTEGER NOT NULL,
		same TEXT NOT NULL,
		other TEXT NOT NULL,
		same_derived INTEGER NOT NULL DEFAULT 0,
		other_derived INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (computation_id, ord)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func computationFor(req discrim.Request, status string) (Computation, error) {
	filter, err := json.Marshal(req.Filter)
	if err != nil {
		return Computation{}, err
	}
	return Computation{
		ID:         req.ID,
		Status:     status,
		Endpoint:   req.Endpoint,
		Processor:  req.Processor,
		Timeseries: req.Timeseries,
		Firings:    req.Firings,
		Filter:     string(filter),
		Clusters:   discrim.JoinClusters(req.Clusters),
		CreatedAt:  req.CreatedAt,
		FinishedAt: time.Now(),
	}, nil
}

const upsertComputation = `
	INSERT OR REPLACE INTO computations (
		id, status, endpoint, processor, timeseries, firings, filter, clusters,
		histograms, discarded, error_kind, error_stage, error_msg, created_at, finished_at
	) VALUES (
		:id, :status, :endpoint, :processor, :timeseries, :firings, :filter, :clusters,
		:histograms, :discarded, :error_kind, :error_stage, :error_msg, :created_at, :finished_at
	)`

// SaveResult records a successful computation and all of its histograms.
// Saving the same request again replaces the earlier record.
func (s *Store) SaveResult(ctx context.Context, req discrim.Request, res discrim.Result) error {
	c, err := computationFor(req, StatusDone)
	if err != nil {
		return err
	}
	c.Histograms = len(res.Histograms)
	c.Discarded = res.Discarded
	if !res.ComputedAt.IsZero() {
		c.FinishedAt = res.ComputedAt
	}

	rows := make([]histogramRow, len(res.Histograms))
	for i, h := range res.Histograms {
		same, err := json.Marshal(nonNil(h.Same))
		if err != nil {
			return err
		}
		other, err := json.Marshal(nonNil(h.Other))
		if err != nil {
			return err
		}
		rows[i] = histogramRow{Ord: i, K1: int(h.K1), K2: int(h.K2), Same: string(same), Other: string(other),
			SameDerived: h.SameDerived, OtherDerived: h.OtherDerived}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM histograms WHERE computation_id = ?", c.ID); err != nil {
		return fmt.Errorf("clear histograms: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, upsertComputation, c); err != nil {
		return fmt.Errorf("save computation: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO histograms (computation_id, ord, k1, k2, same, other, same_derived, other_derived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, c.ID, r.Ord, r.K1, r.K2, r.Same, r.Other,
			boolToInt(r.SameDerived), boolToInt(r.OtherDerived)); err != nil {
			return fmt.Errorf("save histogram %d/%d: %w", r.K1, r.K2, err)
		}
	}

	return tx.Commit()
}

// SaveFailure records a computation that ended with err.
func (s *Store) SaveFailure(ctx context.Context, req discrim.Request, err *discrim.StageError) error {
	c, cerr := computationFor(req, StatusFailed)
	if cerr != nil {
		return cerr
	}
	if err != nil {
		c.ErrorKind = string(err.Kind)
		c.ErrorStage = err.Stage
		c.ErrorMsg = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.NamedExecContext(ctx, upsertComputation, c); err != nil {
		return fmt.Errorf("save failure: %w", err)
	}
	return nil
}

// ListComputations returns the most recent computations, newest first.
// limit <= 0 returns all of them.
func (s *Store) ListComputations(ctx context.Context, limit int) ([]Computation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT * FROM computations ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []Computation
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one computation record.
func (s *Store) Get(ctx context.Context, id string) (Computation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Computation
	err := s.db.GetContext(ctx, &c, `SELECT * FROM computations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Computation{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return c, err
}

// ResolveID expands a unique ID prefix to the full computation ID.
func (s *Store) ResolveID(ctx context.Context, prefix string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM computations WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escaped+"%"); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%s: %w", prefix, ErrNotFound)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("prefix %q is ambiguous", prefix)
}

// LoadResult rebuilds the result of a successful computation.
func (s *Store) LoadResult(ctx context.Context, id string) (discrim.Result, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return discrim.Result{}, err
	}
	if c.Status != StatusDone {
		return discrim.Result{}, fmt.Errorf("computation %s %s: %s", id, c.Status, c.ErrorMsg)
	}

	clusters, err := discrim.ParseClusters(c.Clusters)
	if err != nil {
		return discrim.Result{}, fmt.Errorf("computation %s: %w", id, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []histogramRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT ord, k1, k2, same, other, same_derived, other_derived
		FROM histograms WHERE computation_id = ? ORDER BY ord`, id); err != nil {
		return discrim.Result{}, err
	}

	res := discrim.Result{
		RequestID:  c.ID,
		Clusters:   clusters,
		Histograms: make([]discrim.Histogram, 0, len(rows)),
		Discarded:  c.Discarded,
		ComputedAt: c.FinishedAt,
	}
	for _, r := range rows {
		h := discrim.Histogram{K1: discrim.ClusterID(r.K1), K2: discrim.ClusterID(r.K2),
			SameDerived: r.SameDerived, OtherDerived: r.OtherDerived}
		if err := json.Unmarshal([]byte(r.Same), &h.Same); err != nil {
			return discrim.Result{}, fmt.Errorf("decode %d/%d: %w", r.K1, r.K2, err)
		}
		if err := json.Unmarshal([]byte(r.Other), &h.Other); err != nil {
			return discrim.Result{}, fmt.Errorf("decode %d/%d: %w", r.K1, r.K2, err)
		}
		res.Histograms = append(res.Histograms, h)
	}
	return res, nil
}

// Latest returns the newest successful result.
func (s *Store) Latest(ctx context.Context) (discrim.Result, error) {
	s.mu.RLock()
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM computations WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT 1`, StatusDone)
	s.mu.RUnlock()
	if errors.Is(err, sql.ErrNoRows) {
		return discrim.Result{}, ErrNotFound
	}
	if err != nil {
		return discrim.Result{}, err
	}
	return s.LoadResult(ctx, id)
}

// Delete removes a computation and its histograms.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM histograms WHERE computation_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM computations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func nonNil(xs []float64) []float64 {
	if xs == nil {
		return []float64{}
	}
	return xs
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
