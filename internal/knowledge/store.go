// Package knowledge provides SQLite-based storage for the documents the RAG
// service retrieves from. Each document keeps its embedding; search ranks all
// stored documents by cosine similarity to a query embedding.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/jackbot/internal/logger"
)

// ErrInvalidDocument is returned for documents without an id, text or embedding.
var ErrInvalidDocument = errors.New("invalid document")

// Document is a piece of knowledge and its embedding.
type Document struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a search hit.
type Match struct {
	Document
	Score float64 `json:"score"`
}

// Store is a document table in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures the
// documents table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY,
        text TEXT NOT NULL,
        embedding TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	logger.L.Info("knowledge store initialized", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores doc, replacing any document with the same id.
func (s *Store) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.Text == "" || len(doc.Embedding) == 0 {
		return fmt.Errorf("%w: id, text and embedding are required", ErrInvalidDocument)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	emb, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (id, text, embedding, created_at) VALUES (?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET text = excluded.text, embedding = excluded.embedding, created_at = excluded.created_at;`,
		doc.ID, doc.Text, string(emb), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store document %s: %w", doc.ID, err)
	}
	return nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Search returns up to k documents ordered by decreasing similarity to query.
// Documents whose embedding has a different dimension are skipped.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding, created_at FROM documents;`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var (
			m   Match
			raw string
		)
		if err := rows.Scan(&m.ID, &m.Text, &raw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Embedding); err != nil {
			logger.L.Warn("skipping document with unreadable embedding", "id", m.ID, "error", err)
			continue
		}
		score, ok := cosine(query, m.Embedding)
		if !ok {
			logger.L.Debug("skipping document with mismatched embedding", "id", m.ID, "dims", len(m.Embedding), "want", len(query))
			continue
		}
		m.Score = score
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, true
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
