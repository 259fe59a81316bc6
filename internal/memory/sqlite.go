package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores every agent's memories in one local database file.
type SQLiteBackend struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("memory: mkdir %s: %w", filepath.Dir(path), err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite: %w", err)
	}
	// One connection: writes are serialised and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	if _, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var version int
	if err := b.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if _, err := b.db.Exec(`
			CREATE TABLE IF NOT EXISTS memories (
				owner     TEXT NOT NULL,
				id        TEXT NOT NULL,
				type      TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				content   TEXT NOT NULL,
				details   TEXT NOT NULL DEFAULT '{}',
				weight    REAL NOT NULL DEFAULT 1.0,
				seq       INTEGER NOT NULL,
				PRIMARY KEY (owner, id)
			);
			CREATE INDEX IF NOT EXISTS idx_memories_owner_type ON memories(owner, type);
		`); err != nil {
			return err
		}
		if _, err := b.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts one record. The original insertion position is kept on replace.
func (b *SQLiteBackend) Save(ctx context.Context, owner string, rec Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memories (owner, id, type, timestamp, content, details, weight, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM memories WHERE owner = ?))
		ON CONFLICT(owner, id) DO UPDATE SET
			type = excluded.type,
			timestamp = excluded.timestamp,
			content = excluded.content,
			details = excluded.details,
			weight = excluded.weight`,
		owner, rec.ID, rec.Type, rec.Timestamp.Format(time.RFC3339Nano), rec.Content, string(details), rec.Weight, owner)
	return err
}

// Load returns the owner's records in insertion order. Rows that fail to
// decode are skipped.
func (b *SQLiteBackend) Load(ctx context.Context, owner string) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, type, timestamp, content, details, weight
		FROM memories WHERE owner = ? ORDER BY seq`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ts      string
			details string
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &ts, &rec.Content, &details, &rec.Weight); err != nil {
			b.logger.Warn("skip unreadable memory row", zap.String("owner", owner), zap.Error(err))
			continue
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			b.logger.Warn("skip memory with bad timestamp", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			b.logger.Warn("skip memory with bad details", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
