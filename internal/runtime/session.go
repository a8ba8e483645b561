package runtime

import (
	"context"
	"encoding/json"

	"github.com/pith-agent/pith/internal/store"
	"github.com/pith-agent/pith/internal/tokens"
)

// NewSession starts a fresh session and makes it the active one.
func (r *Runtime) NewSession(ctx context.Context) (string, error) {
	return r.store.NewSession(ctx)
}

// Compact folds the older portion of a session into a summary row,
// keeping the configured number of recent messages verbatim. An empty
// id targets the active session.
func (r *Runtime) Compact(ctx context.Context, sessionID string) (string, error) {
	var err error
	if sessionID == "" {
		sessionID, err = r.store.EnsureActiveSession(ctx)
		if err != nil {
			return "", err
		}
	}
	if _, err := r.store.CompactSession(ctx, sessionID, r.cfg.Agent.CompactKeep); err != nil {
		return "", err
	}
	return "compacted session " + sessionID, nil
}

// sessionInfo fields are ordered so the JSON keys come out sorted.
type sessionInfo struct {
	AgentProfile      map[string]string `json:"agent_profile"`
	BootstrapComplete bool              `json:"bootstrap_complete"`
	EstimatedTokens   int               `json:"estimated_tokens"`
	MessageCount      int               `json:"message_count"`
	SessionID         string            `json:"session_id"`
	UserProfile       map[string]string `json:"user_profile"`
}

// Info reports session state as indented JSON: identity profiles,
// bootstrap status, and the size of the current history window.
func (r *Runtime) Info(ctx context.Context, sessionID string) (string, error) {
	var err error
	if sessionID == "" {
		sessionID, err = r.store.EnsureActiveSession(ctx)
		if err != nil {
			return "", err
		}
	}

	complete, err := r.store.BootstrapComplete(ctx)
	if err != nil {
		return "", err
	}
	agentProfile, err := r.store.GetProfile(ctx, store.ProfileAgent)
	if err != nil {
		return "", err
	}
	userProfile, err := r.store.GetProfile(ctx, store.ProfileUser)
	if err != nil {
		return "", err
	}
	history, err := r.store.MessageHistory(ctx, sessionID, r.cfg.Agent.MaxMessages)
	if err != nil {
		return "", err
	}

	info := sessionInfo{
		AgentProfile:      profileMap(agentProfile),
		BootstrapComplete: complete,
		EstimatedTokens:   tokens.Get().CountMessages(history),
		MessageCount:      len(history),
		SessionID:         sessionID,
		UserProfile:       profileMap(userProfile),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func profileMap(fields []store.ProfileField) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}
