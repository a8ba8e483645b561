package mcp

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

	"github.com/gorilla/websocket"
)

// Transport sends one JSON-RPC request and returns the correlated
// response.
type Transport interface {
	Send(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)
	Close() error
}

// NewTransport picks a transport from the URL scheme: ws/wss speak
// WebSocket, everything else HTTP POST.
func NewTransport(rawURL string, headers map[string]string) (Transport, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", rawURL, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return &wsTransport{url: rawURL, headers: headers}, nil
	case "http", "https":
		return &httpTransport{url: rawURL, headers: headers, client: &http.Client{}}, nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
}

// httpTransport POSTs each request. Servers answer with plain JSON or,
// for streamable endpoints, a short SSE stream carrying the response.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func (t *httpTransport) Send(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return JSONRPCResponse{}, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return parseSSEResponse(ctx, resp.Body, req.ID)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return rpcResp, nil
}

// parseSSEResponse extracts the JSON-RPC response matching the request
// ID from an SSE stream.
func parseSSEResponse(ctx context.Context, body io.Reader, reqID *int) (JSONRPCResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return JSONRPCResponse{}, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
			continue
		}
		if reqID == nil || resp.ID == *reqID {
			return resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("sse stream: %w", err)
	}
	return JSONRPCResponse{}, fmt.Errorf("sse stream ended without matching response")
}

func (t *httpTransport) Close() error { return nil }

// wsTransport opens a fresh connection per request: dial, write the
// request, read until the matching id arrives, close. Keeping no
// persistent socket means a flaky server costs one call, not the
// registry.
type wsTransport struct {
	url     string
	headers map[string]string
}

func (t *wsTransport) Send(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{}
	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	conn, _, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteJSON(req); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("websocket write: %w", err)
	}

	// Servers may interleave notifications; skip until our id shows up.
	for {
		var resp JSONRPCResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return JSONRPCResponse{}, fmt.Errorf("websocket read: %w", err)
		}
		if req.ID == nil || resp.ID == *req.ID {
			return resp, nil
		}
	}
}

func (t *wsTransport) Close() error { return nil }
