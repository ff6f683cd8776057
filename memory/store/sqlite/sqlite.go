// Package sqlite persists conversations, memory records, and consolidation
// markers in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/jjinchin/gobi/core"
	"github.com/jjinchin/gobi/memory"
)

// Store implements memory.ConversationStore and memory.MemoryStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer. One shared connection lets database/sql
	// serialize the flush path and the consolidation path instead of
	// letting them fight over file locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_date ON chats (date, seq);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			date TEXT NOT NULL,
			topic TEXT NOT NULL,
			summary TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_date ON memories (date);`,
		`CREATE TABLE IF NOT EXISTS consolidations (
			date TEXT PRIMARY KEY,
			topics INTEGER NOT NULL,
			completed_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one batch of turns under the given partition date. The caller
// guarantees idempotency via the Persisted flag; the store itself does not
// dedupe.
func (s *Store) Append(ctx context.Context, date string, turns []core.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (date, role, content) VALUES (?, ?, ?)`,
			date, string(t.Role), t.Content,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

// ByDate returns the partition's turns in insertion order, marked persisted.
func (s *Store) ByDate(ctx context.Context, date string) ([]core.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM chats WHERE date = ? ORDER BY seq`, date)
	if err != nil {
		return nil, fmt.Errorf("query partition %s: %w", date, err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, core.Turn{Role: core.Role(role), Content: content, Persisted: true})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition %s: %w", date, err)
	}
	return turns, nil
}

// LatestID returns the highest record id, or 0 when the table is empty.
func (s *Store) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM memories`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// UpsertRecord writes one memory record by id.
func (s *Store) UpsertRecord(ctx context.Context, rec memory.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, date, topic, summary) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET date = excluded.date, topic = excluded.topic, summary = excluded.summary
	`, rec.ID, rec.Date, rec.Topic, rec.Summary)
	if err != nil {
		return fmt.Errorf("upsert record %d: %w", rec.ID, err)
	}
	return nil
}

// RecordByID fetches one record, or nil when the id is unknown.
func (s *Store) RecordByID(ctx context.Context, id int64) (*memory.Record, error) {
	rec := &memory.Record{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, date, topic, summary FROM memories WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Date, &rec.Topic, &rec.Summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// IDsByDate lists record ids created from the given partition date.
func (s *Store) IDsByDate(ctx context.Context, date string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memories WHERE date = ? ORDER BY id`, date)
	if err != nil {
		return nil, fmt.Errorf("ids for %s: %w", date, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids for %s: %w", date, err)
	}
	return ids, nil
}

// DeleteByDate removes all records created from the given partition date.
func (s *Store) DeleteByDate(ctx context.Context, date string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE date = ?`, date); err != nil {
		return fmt.Errorf("delete records for %s: %w", date, err)
	}
	return nil
}

// Completed reports whether the date carries a consolidation marker.
func (s *Store) Completed(ctx context.Context, date string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM consolidations WHERE date = ?`, date).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check marker for %s: %w", date, err)
	}
	return n > 0, nil
}

// MarkCompleted records that consolidation for the date finished.
func (s *Store) MarkCompleted(ctx context.Context, date string, topics int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidations (date, topics, completed_at) VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET topics = excluded.topics, completed_at = excluded.completed_at
	`, date, topics, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark %s complete: %w", date, err)
	}
	return nil
}
