package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding documents, chunks and traces.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "regcopilot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB returns the underlying handle. The retrieval store shares it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	contentType := d.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, partition, source, title, section, effective_date, content_type, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Partition, d.Source, d.Title, d.Section, formatOptionalTime(d.EffectiveDate),
		contentType, d.ChunkCount, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

const documentColumns = `id, partition, source, title, section, effective_date, content_type, chunk_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var effective, createdAt string
	if err := row.Scan(&d.ID, &d.Partition, &d.Source, &d.Title, &d.Section, &effective, &d.ContentType, &d.ChunkCount, &createdAt); err != nil {
		return Document{}, err
	}
	var err error
	if d.EffectiveDate, err = parseOptionalTime(effective); err != nil {
		return Document{}, fmt.Errorf("parsing effective_date for document %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at for document %s: %w", d.ID, err)
	}
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns the newest documents first, optionally limited to
// one partition.
func (s *Store) ListDocuments(ctx context.Context, partition string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if partition == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE partition = ? ORDER BY created_at DESC, id ASC LIMIT ?`, partition, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and all of its chunks atomically.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id, err)
	}
	return tx.Commit()
}

// --- Traces ---

func (s *Store) SaveTrace(ctx context.Context, t TraceRecord) error {
	status := t.Status
	if status == "" {
		status = "completed"
	}
	entries := t.EntriesJSON
	if entries == "" {
		entries = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (correlation_id, created_at, query, routing_kind, primary_agent, status, entries_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.CorrelationID, t.CreatedAt.UTC().Format(traceTimeLayout), t.Query, t.RoutingKind,
		t.PrimaryAgent, status, entries,
	)
	return err
}

// traceTimeLayout has a fixed-width fraction so created_at sorts lexically.
const traceTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const traceColumns = `correlation_id, created_at, query, routing_kind, primary_agent, status, entries_json`

func scanTrace(row rowScanner) (TraceRecord, error) {
	var t TraceRecord
	var createdAt string
	if err := row.Scan(&t.CorrelationID, &createdAt, &t.Query, &t.RoutingKind, &t.PrimaryAgent, &t.Status, &t.EntriesJSON); err != nil {
		return TraceRecord{}, err
	}
	ts, err := time.Parse(traceTimeLayout, createdAt)
	if err != nil {
		return TraceRecord{}, fmt.Errorf("parsing created_at for trace %s: %w", t.CorrelationID, err)
	}
	t.CreatedAt = ts
	return t, nil
}

func (s *Store) GetTrace(ctx context.Context, correlationID string) (TraceRecord, error) {
	t, err := scanTrace(s.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE correlation_id = ?`, correlationID))
	if err == sql.ErrNoRows {
		return TraceRecord{}, ErrNotFound
	}
	return t, err
}

// RecentTraces returns up to limit traces, newest first.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]TraceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+traceColumns+` FROM traces ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceRecord
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
