package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"themis/core"
)

// SQLite backs both the audit store and the record store. WAL mode with
// a single-writer pool keeps concurrent stage writes safe.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
	closed atomic.Bool
}

// NewSQLite opens (or creates) the database and runs migrations.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// In-memory databases need shared cache so every pooled connection
	// sees the same database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// WAL mode requires exactly one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &SQLite{db: db, path: dbPath, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Infow("SQLite store opened", "path", dbPath)
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			category TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			fields TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_entries(category)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database. Further calls on the store
// return ErrDatabaseClosed.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) guard() error {
	if s.closed.Load() {
		return ErrDatabaseClosed
	}
	return nil
}

// Index writes one audit entry. Fields are stored as JSON so searches
// round-trip them losslessly.
func (s *SQLite) Index(ctx context.Context, entry *AuditEntry) error {
	if err := s.guard(); err != nil {
		return err
	}
	fields := entry.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode audit fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, timestamp, category, source, message, fields)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().UnixNano(),
		entry.Category,
		entry.Source,
		entry.Message,
		string(encoded),
	)
	if err != nil {
		return fmt.Errorf("failed to index audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// Search returns entries matching the query, newest first.
func (s *SQLite) Search(ctx context.Context, q Query) ([]*AuditEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	where, args := buildAuditWhere(q)

	query := `SELECT id, timestamp, category, source, message, fields FROM audit_entries` +
		where + ` ORDER BY timestamp DESC`
	// The field filter runs after decoding, so with one in play the
	// limit must be applied after filtering, not in SQL.
	if q.Limit > 0 && q.FieldKey == "" {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit search failed: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			entry     AuditEntry
			tsNanos   int64
			rawFields string
		)
		if err := rows.Scan(&entry.ID, &tsNanos, &entry.Category, &entry.Source, &entry.Message, &rawFields); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, tsNanos).UTC()
		if err := json.Unmarshal([]byte(rawFields), &entry.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode audit fields for %s: %w", entry.ID, err)
		}
		if !matchesFieldFilter(&entry, q) {
			continue
		}
		entries = append(entries, &entry)
		if q.Limit > 0 && len(entries) == q.Limit {
			break
		}
	}
	return entries, rows.Err()
}

// Count returns the number of entries matching the query.
func (s *SQLite) Count(ctx context.Context, q Query) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	// Field filters need decoded JSON; fall back to Search for those.
	if q.FieldKey != "" {
		entries, err := s.Search(ctx, q)
		if err != nil {
			return 0, err
		}
		return int64(len(entries)), nil
	}

	where, args := buildAuditWhere(q)
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit count failed: %w", err)
	}
	return count, nil
}

func buildAuditWhere(q Query) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if !q.From.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.From.UTC().UnixNano())
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, q.To.UTC().UnixNano())
	}
	if q.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, q.Category)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func matchesFieldFilter(entry *AuditEntry, q Query) bool {
	if q.FieldKey == "" {
		return true
	}
	value, ok := entry.Fields[q.FieldKey]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", value) == q.FieldValue
}

// Put inserts or replaces a record.
func (s *SQLite) Put(ctx context.Context, rec *core.Record) error {
	if err := s.guard(); err != nil {
		return err
	}
	encoded, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (id, created_at, fields) VALUES (?, ?, ?)`,
		rec.ID, rec.CreatedAt.UTC().UnixNano(), string(encoded))
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return nil
}

// Get fetches one record by ID.
func (s *SQLite) Get(ctx context.Context, id string) (*core.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, fields FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// ListOlderThan returns records created strictly before the cutoff.
func (s *SQLite) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*core.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, fields FROM records WHERE created_at < ? ORDER BY created_at`,
		cutoff.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Update rewrites an existing record's fields.
func (s *SQLite) Update(ctx context.Context, rec *core.Record) error {
	if err := s.guard(); err != nil {
		return err
	}
	encoded, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET fields = ? WHERE id = ?`, string(encoded), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of record %s: %w", rec.ID, err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes a record. Deleting an absent record is not an error so
// retention sweeps stay idempotent.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*core.Record, error) {
	var (
		rec          core.Record
		createdNanos int64
		rawFields    string
	)
	if err := row.Scan(&rec.ID, &createdNanos, &rawFields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdNanos).UTC()
	if err := json.Unmarshal([]byte(rawFields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields for %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	return &rec, nil
}
