package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chunk-player/internal/player"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// SQLiteStore persists history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One writer keeps trimming and upserting serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS watch_history (
		video_id TEXT PRIMARY KEY,
		position_seconds REAL NOT NULL,
		duration REAL NOT NULL,
		progress_percent REAL NOT NULL,
		is_completed INTEGER NOT NULL DEFAULT 0,
		last_watched INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		thumbnail TEXT NOT NULL DEFAULT '',
		qualities TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_watch_history_last_watched ON watch_history(last_watched);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, p player.Progress) (Entry, error) {
	e := NewEntry(p)
	qualities, err := json.Marshal(e.Qualities)
	if err != nil {
		return Entry{}, fmt.Errorf("encode qualities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watch_history (video_id, position_seconds, duration, progress_percent, is_completed, last_watched, title, thumbnail, qualities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			position_seconds = excluded.position_seconds,
			duration = excluded.duration,
			progress_percent = excluded.progress_percent,
			is_completed = excluded.is_completed,
			last_watched = excluded.last_watched,
			title = excluded.title,
			thumbnail = excluded.thumbnail,
			qualities = excluded.qualities`,
		e.VideoID, e.CurrentTime, e.Duration, e.ProgressPercent, e.IsCompleted,
		e.LastWatched.UnixNano(), e.Title, e.Thumbnail, string(qualities))
	if err != nil {
		return Entry{}, fmt.Errorf("upsert %s: %w", e.VideoID, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM watch_history WHERE video_id NOT IN (
			SELECT video_id FROM watch_history ORDER BY last_watched DESC LIMIT ?
		)`, MaxEntries)
	if err != nil {
		return Entry{}, fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, videoID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE video_id = ?`, videoID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+` ORDER BY last_watched DESC`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, videoID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watch_history WHERE video_id = ?`, videoID)
	return err
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watch_history`)
	return err
}

const selectEntry = `SELECT video_id, position_seconds, duration, progress_percent, is_completed, last_watched, title, thumbnail, qualities FROM watch_history`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		watched   int64
		qualities string
	)
	if err := row.Scan(&e.VideoID, &e.CurrentTime, &e.Duration, &e.ProgressPercent, &e.IsCompleted,
		&watched, &e.Title, &e.Thumbnail, &qualities); err != nil {
		return Entry{}, err
	}
	e.LastWatched = time.Unix(0, watched).UTC()
	if err := json.Unmarshal([]byte(qualities), &e.Qualities); err != nil {
		return Entry{}, fmt.Errorf("decode qualities of %s: %w", e.VideoID, err)
	}
	return e, nil
}
