// Package knowledge stores notes with embedding vectors and derives the
// similarity graph rendered by the knowledge page.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Note is one stored knowledge entry. Embedding is a unit-norm vector used
// for similarity scoring.
type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists notes in SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	embedding  TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open opens (creating if necessary) the note store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open note store %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise note store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a note and returns its assigned ID.
func (s *Store) Insert(ctx context.Context, n Note) (int64, error) {
	tags, err := json.Marshal(n.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}
	embedding, err := json.Marshal(n.Embedding)
	if err != nil {
		return 0, fmt.Errorf("marshal embedding: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (title, content, tags, embedding) VALUES (?, ?, ?, ?)`,
		n.Title, n.Content, string(tags), string(embedding),
	)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("note id: %w", err)
	}
	return id, nil
}

// Notes returns every note, newest first, without embeddings.
func (s *Store) Notes(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content, tags, created_at FROM notes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var tags string
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &tags, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for note %d: %w", n.ID, err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// NotesWithEmbeddings returns every note ordered by ID, embeddings
// included, for graph construction.
func (s *Store) NotesWithEmbeddings(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content, tags, embedding, created_at FROM notes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list notes with embeddings: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var tags, embedding string
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &tags, &embedding, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for note %d: %w", n.ID, err)
		}
		if err := json.Unmarshal([]byte(embedding), &n.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for note %d: %w", n.ID, err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Count reports how many notes are stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return n, nil
}

// Clear removes every note.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes`); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	return nil
}
