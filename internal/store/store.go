package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/types"
)

// ErrSessionNotFound is returned when a session id doesn't exist
var ErrSessionNotFound = errors.New("session not found")

// App state keys the runtime relies on.
const (
	StateActiveSession     = "active_session_id"
	StateBootstrapComplete = "bootstrap_complete"
	StateBootstrapNote     = "bootstrap_note"
)

// Profile types.
const (
	ProfileAgent = "agent"
	ProfileUser  = "user"
)

// summaryEntryMax caps each message's serialized form inside a
// compaction summary line.
const summaryEntryMax = 200

// Session is a conversation session row.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	IsActive  bool
}

// ProfileField is one identity field, ordered by key on read.
type ProfileField struct {
	Key   string
	Value string
}

// Summary is one compaction summary row.
type Summary struct {
	ID        int64
	SessionID string
	Text      string
	CreatedAt time.Time
}

// --- app state ---

// SetAppState upserts an opaque key/value pair.
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set app state %s: %w", key, err)
	}
	return nil
}

// GetAppState returns the value for key, or fallback when unset.
func (s *Store) GetAppState(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get app state %s: %w", key, err)
	}
	return value, nil
}

// --- profiles ---

// SetProfile upserts one identity field for "agent" or "user".
func (s *Store) SetProfile(ctx context.Context, profileType, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (profile_type, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_type, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, profileType, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set profile %s.%s: %w", profileType, key, err)
	}
	return nil
}

// GetProfile returns all fields of one profile type, ordered by key.
func (s *Store) GetProfile(ctx context.Context, profileType string) ([]ProfileField, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM profiles WHERE profile_type = ? ORDER BY key", profileType)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", profileType, err)
	}
	defer rows.Close()

	var fields []ProfileField
	for rows.Next() {
		var f ProfileField
		if err := rows.Scan(&f.Key, &f.Value); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// ProfileValue returns a single profile field, empty string when unset.
func (s *Store) ProfileValue(ctx context.Context, profileType, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM profiles WHERE profile_type = ? AND key = ?", profileType, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get profile %s.%s: %w", profileType, key, err)
	}
	return value, nil
}

// --- bootstrap ---

// BootstrapComplete reports whether onboarding is done: either the
// explicit flag is set, or the identity fields (agent name, agent
// nature, user name) are all non-empty. The flag is monotone: once
// "1" the answer stays true even if fields are later blanked.
func (s *Store) BootstrapComplete(ctx context.Context) (bool, error) {
	flag, err := s.GetAppState(ctx, StateBootstrapComplete, "")
	if err != nil {
		return false, err
	}
	if flag == "1" {
		return true, nil
	}
	return s.bootstrapDerived(ctx)
}

func (s *Store) bootstrapDerived(ctx context.Context) (bool, error) {
	for _, field := range [][2]string{
		{ProfileAgent, "name"},
		{ProfileAgent, "nature"},
		{ProfileUser, "name"},
	} {
		value, err := s.ProfileValue(ctx, field[0], field[1])
		if err != nil {
			return false, err
		}
		if strings.TrimSpace(value) == "" {
			return false, nil
		}
	}
	return true, nil
}

// SetBootstrapComplete marks onboarding done. The flag is monotone,
// so false is a no-op.
func (s *Store) SetBootstrapComplete(ctx context.Context, complete bool) error {
	if !complete {
		return nil
	}
	return s.SetAppState(ctx, StateBootstrapComplete, "1")
}

// ReconcileBootstrap derives completion from the profile fields and
// persists the flag when it flipped to true. Returns the current state.
func (s *Store) ReconcileBootstrap(ctx context.Context) (bool, error) {
	flag, err := s.GetAppState(ctx, StateBootstrapComplete, "")
	if err != nil {
		return false, err
	}
	if flag == "1" {
		return true, nil
	}

	derived, err := s.bootstrapDerived(ctx)
	if err != nil {
		return false, err
	}
	if derived {
		if err := s.SetAppState(ctx, StateBootstrapComplete, "1"); err != nil {
			return false, err
		}
		L_info("store: bootstrap complete")
	}
	return derived, nil
}

// --- sessions ---

// nextSessionStamp returns a strictly increasing second-granular time.
func (s *Store) nextSessionStamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	now := time.Now().UTC().Truncate(time.Second)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Second)
	}
	s.lastStamp = now
	return now
}

func sessionID(t time.Time) string {
	return t.UTC().Format("20060102T150405") + "." + strconv.FormatInt(t.Unix(), 10)
}

// NewSession creates a session and installs it as the active one.
func (s *Store) NewSession(ctx context.Context) (string, error) {
	stamp := s.nextSessionStamp()
	id := sessionID(stamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET is_active = 0 WHERE is_active = 1"); err != nil {
		return "", fmt.Errorf("clear active session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (id, created_at, updated_at, is_active) VALUES (?, ?, ?, 1)",
		id, stamp.Unix(), stamp.Unix()); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, StateActiveSession, id); err != nil {
		return "", fmt.Errorf("install active session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	L_info("store: new session", "id", id)
	return id, nil
}

// EnsureActiveSession returns the active session id, creating a fresh
// session when none is installed or the pointer is stale.
func (s *Store) EnsureActiveSession(ctx context.Context) (string, error) {
	id, err := s.GetAppState(ctx, StateActiveSession, "")
	if err != nil {
		return "", err
	}
	if id != "" {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&exists)
		if err == nil {
			return id, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("check session: %w", err)
		}
		L_warn("store: active session pointer is stale", "id", id)
	}
	return s.NewSession(ctx)
}

// GetSession returns one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var created, updated int64
	var active int
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, updated_at, is_active FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &created, &updated, &active)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.UpdatedAt = time.Unix(updated, 0).UTC()
	sess.IsActive = active == 1
	return &sess, nil
}

// --- messages ---

// AppendMessages serializes and inserts messages in order within one
// transaction, and bumps the session's updated_at.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, messages []types.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, msg := range messages {
		data, err := types.MarshalMessage(msg)
		if err != nil {
			return fmt.Errorf("serialize message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, message_json, created_at) VALUES (?, ?, ?)",
			sessionID, string(data), now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	L_debug("store: appended messages", "session", sessionID, "count", len(messages))
	return nil
}

// MessageHistory returns the last limit messages by id, re-ordered
// ascending so the caller sees them chronologically.
func (s *Store) MessageHistory(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_json FROM messages
		WHERE session_id = ?
		ORDER BY id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to chronological
	messages := make([]types.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		msg, err := types.UnmarshalMessage([]byte(raw[i]))
		if err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MessageCount returns the total stored messages for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// --- compaction ---

// CompactSession folds the oldest surplus messages into one summary
// row, then deletes them. No-op when the session holds at most
// keepRecent messages. Summary write and deletes share a transaction.
func (s *Store) CompactSession(ctx context.Context, sessionID string, keepRecent int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if total <= keepRecent {
		return 0, nil
	}
	surplus := total - keepRecent

	rows, err := tx.QueryContext(ctx, `
		SELECT id, message_json FROM messages
		WHERE session_id = ?
		ORDER BY id ASC LIMIT ?
	`, sessionID, surplus)
	if err != nil {
		return 0, fmt.Errorf("load surplus: %w", err)
	}

	var ids []int64
	var lines []string
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
		lines = append(lines, truncateRunes(data, summaryEntryMax))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO session_summaries (session_id, summary_text, created_at) VALUES (?, ?, ?)",
		sessionID, strings.Join(lines, "\n"), now); err != nil {
		return 0, fmt.Errorf("write summary: %w", err)
	}

	// Delete only after the summary is in
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE id IN ("+placeholders+")", args...); err != nil {
		return 0, fmt.Errorf("delete surplus: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	L_info("store: compacted session", "session", sessionID, "evicted", surplus, "kept", keepRecent)
	return surplus, nil
}

// SessionSummaries returns a session's compaction summaries in order.
func (s *Store) SessionSummaries(ctx context.Context, sessionID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, summary_text, created_at FROM session_summaries
		WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var created int64
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Text, &created); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.Unix(created, 0).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// truncateRunes caps a string at max runes without splitting a rune.
func truncateRunes(v string, max int) string {
	runes := []rune(v)
	if len(runes) <= max {
		return v
	}
	return string(runes[:max])
}
