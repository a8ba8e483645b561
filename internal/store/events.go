package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/pith-agent/pith/internal/logging"
)

// ExtensionTool is the recorded registration of one extension tool.
type ExtensionTool struct {
	Name        string
	Description string
	Path        string
}

// LogEvent records a runtime event in the audit table and, when an
// events log is configured, appends it as a JSON line. The file write
// is best-effort; the audit row is the durable record.
func (s *Store) LogEvent(ctx context.Context, event, level string, payload map[string]interface{}) error {
	if level == "" {
		level = "info"
	}

	var payloadJSON interface{}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log (event, level, payload, created_at) VALUES (?, ?, ?, ?)",
		event, level, payloadJSON, time.Now().Unix()); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}

	if s.eventsLog != "" {
		if err := s.appendEventLine(event, level, payload); err != nil {
			L_warn("store: events.jsonl append failed", "error", err)
		}
	}
	return nil
}

func (s *Store) appendEventLine(event, level string, payload map[string]interface{}) error {
	line, err := json.Marshal(map[string]interface{}{
		"event":   event,
		"level":   level,
		"payload": payload,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.eventsLog), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(s.eventsLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// RecordExtensionTools replaces the recorded extension tool registry.
func (s *Store) RecordExtensionTools(ctx context.Context, tools []ExtensionTool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM extension_tools"); err != nil {
		return fmt.Errorf("clear extension tools: %w", err)
	}

	now := time.Now().Unix()
	for _, tool := range tools {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO extension_tools (name, description, path, updated_at) VALUES (?, ?, ?, ?)",
			tool.Name, tool.Description, tool.Path, now); err != nil {
			return fmt.Errorf("record extension tool %s: %w", tool.Name, err)
		}
	}

	return tx.Commit()
}
