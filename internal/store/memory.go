package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	. "github.com/pith-agent/pith/internal/logging"
)

// MemoryEntry is one long-term memory row.
type MemoryEntry struct {
	ID        int64
	Content   string
	Kind      string // "episodic", "durable", ...
	Tags      []string
	Source    string
	CreatedAt time.Time
}

// MemorySave stores a memory entry and returns its id. Kind defaults
// to "episodic" and source to "runtime".
func (s *Store) MemorySave(ctx context.Context, content, kind string, tags []string, source string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("empty memory content")
	}
	if kind == "" {
		kind = "episodic"
	}
	if source == "" {
		source = "runtime"
	}

	var tagsValue interface{}
	if len(tags) > 0 {
		tagsValue = strings.Join(tags, ",")
	}

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (content, kind, tags, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, content, kind, tagsValue, source, now, now)
	if err != nil {
		return 0, fmt.Errorf("save memory: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	L_debug("store: memory saved", "id", id, "kind", kind)
	return id, nil
}

// MemorySearch finds entries matching the query. The full-text index
// is tried first, ranked best-match first; any FTS error (a malformed
// query, typically) falls back to a recency-ordered substring scan.
// Soft-deleted entries never surface.
func (s *Store) MemorySearch(ctx context.Context, query string, limit int) ([]MemoryEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	entries, err := s.searchFTS(ctx, query, limit)
	if err == nil {
		return entries, nil
	}
	L_debug("store: fts query failed, falling back to substring", "query", query, "error", err)

	return s.searchSubstring(ctx, query, limit)
}

func (s *Store) searchFTS(ctx context.Context, query string, limit int) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.kind, m.tags, m.source, m.created_at
		FROM memory_entries m
		JOIN memory_fts f ON f.rowid = m.id
		WHERE m.deleted = 0 AND memory_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func (s *Store) searchSubstring(ctx context.Context, query string, limit int) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, kind, tags, source, created_at
		FROM memory_entries
		WHERE deleted = 0 AND content LIKE ?
		ORDER BY created_at DESC LIMIT ?
	`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

type memoryRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanMemoryRows(rows memoryRows) ([]MemoryEntry, error) {
	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var tags *string
		var created int64
		if err := rows.Scan(&e.ID, &e.Content, &e.Kind, &tags, &e.Source, &created); err != nil {
			return nil, err
		}
		if tags != nil && *tags != "" {
			e.Tags = strings.Split(*tags, ",")
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MemoryDelete soft-deletes an entry; the row stays for audit but
// disappears from search.
func (s *Store) MemoryDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE memory_entries SET deleted = 1, updated_at = ? WHERE id = ?",
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("memory entry %d not found", id)
	}
	return nil
}
