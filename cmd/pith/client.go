package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pith-agent/pith/internal/config"
)

// apiTimeout bounds the non-streaming calls. /chat streams for as long as
// the turn runs and gets no deadline.
const apiTimeout = 10 * time.Second

// client talks to a running pith service over its HTTP API.
type client struct {
	base string
	http *http.Client
}

// newClient resolves the service address: an explicit --addr wins, otherwise
// the configured host/port, otherwise the default port on localhost. A
// wildcard listen host is dialed as loopback.
func newClient(g *Globals) *client {
	if g.Addr != "" {
		return &client{base: strings.TrimRight(g.Addr, "/"), http: &http.Client{}}
	}
	host, port := "127.0.0.1", 8420
	if cfg, err := config.Load(g.Base); err == nil {
		if cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}
		if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
			host = cfg.Server.Host
		}
	}
	return &client{
		base: fmt.Sprintf("http://%s:%d", host, port),
		http: &http.Client{},
	}
}

// ping checks the service is reachable.
func (c *client) ping() error {
	var out struct {
		Status string `json:"status"`
	}
	return c.getJSON("/health", &out)
}

// newSession asks the service for a fresh session and returns its id.
func (c *client) newSession() (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postJSON("/session/new", map[string]string{}, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// compact folds old history in the given session (or the active one when
// empty) and returns the service's summary line.
func (c *client) compact(sessionID string) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	body := map[string]string{"session_id": sessionID}
	if err := c.postJSON("/session/compact", body, &out); err != nil {
		return "", err
	}
	return out.Result, nil
}

// info fetches the session info document as the service renders it,
// indented JSON ready for printing.
func (c *client) info(sessionID string) (string, error) {
	path := "/session/info"
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session info: %s", readError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// bootstrapComplete reports whether the agent has finished first-run setup.
func (c *client) bootstrapComplete(sessionID string) (bool, error) {
	raw, err := c.info(sessionID)
	if err != nil {
		return false, err
	}
	var out struct {
		BootstrapComplete bool `json:"bootstrap_complete"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return false, err
	}
	return out.BootstrapComplete, nil
}

// provideSecret answers a pending secret request on the service.
func (c *client) provideSecret(requestID, value string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	body := map[string]string{"request_id": requestID, "value": value}
	return c.postJSON("/secret/provide", body, &out)
}

// stream POSTs a chat turn and invokes handle for every SSE frame until the
// stream ends. The final frame is always done or error.
func (c *client) stream(ctx context.Context, sessionID, message string, handle func(event, data string) error) error {
	body, err := json.Marshal(map[string]string{
		"message":    message,
		"session_id": sessionID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat failed: %s", readError(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" {
				if err := handle(event, data); err != nil {
					return err
				}
				event, data = "", ""
			}
		}
	}
	return scanner.Err()
}

func (c *client) getJSON(path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *client) postJSON(path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, readError(resp))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readError extracts a useful message from a non-200 response. The API
// writes plain-text errors, so the body usually is the message.
func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return resp.Status
}
