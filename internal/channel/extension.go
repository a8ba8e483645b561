package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pith-agent/pith/internal/extensions"
	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/runtime"
)

// Extension adapts a discovered channel executable. The process is
// long-running and speaks JSON lines: it prints one object per incoming
// message (at least a "text" field, plus any routing fields it needs)
// and reads reply lines on stdin. Each reply line is the incoming
// object with a "reply" field added, so routing fields come back to
// the process untouched.
type Extension struct {
	name  string
	path  string
	agent Agent

	// mu guards stdin, which is only set while a process is running.
	// Pushes and reply writes share it so lines never interleave.
	mu    sync.Mutex
	stdin io.WriteCloser

	cancel context.CancelFunc
	done   chan struct{}
}

// NewExtension wraps a channel executable from the registry.
func NewExtension(ext extensions.Channel, agent Agent) *Extension {
	return &Extension{name: ext.Name, path: ext.Path, agent: agent}
}

func (e *Extension) Name() string { return e.name }

// Start launches the receive loop. The loop keeps the process alive,
// restarting it after exits until Stop or context cancellation.
func (e *Extension) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx)
	return nil
}

func (e *Extension) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	<-e.done
	return nil
}

func (e *Extension) run(ctx context.Context) {
	defer close(e.done)

	for {
		err := e.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		L_warn("channel: extension process exited", "channel", e.name, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// serve runs one process lifetime: spawn, pump messages until the
// process closes its stdout, reap.
func (e *Extension) serve(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.path, err)
	}
	L_debug("channel: extension process started", "channel", e.name, "pid", cmd.Process.Pid)

	e.mu.Lock()
	e.stdin = stdin
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.stdin = nil
		e.mu.Unlock()
	}()

	go e.drainStderr(stderr)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		incoming, text, ok := decodeIncoming([]byte(line))
		if !ok {
			L_warn("channel: unparseable message line", "channel", e.name, "line", line)
			continue
		}
		if text == "" {
			continue
		}

		reply, err := e.agent.ChatText(ctx, runtime.ChatRequest{Message: text, Channel: e.name})
		if err != nil {
			L_error("channel: chat failed", "channel", e.name, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}

		if err := e.write(incoming, reply); err != nil {
			// The process likely died; the scanner loop will see EOF.
			L_warn("channel: reply write failed", "channel", e.name, "error", err)
		}
	}

	stdin.Close()
	return cmd.Wait()
}

// write sends one line to the current process.
func (e *Extension) write(incoming map[string]any, reply string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdin == nil {
		return fmt.Errorf("channel %s not running", e.name)
	}
	return writeReply(e.stdin, incoming, reply)
}

// Send pushes a message to the channel process outside any turn. The
// line carries a reply with no routing fields; the process decides
// where it goes.
func (e *Extension) Send(ctx context.Context, text string) error {
	return e.write(nil, text)
}

func (e *Extension) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		L_debug("channel: extension stderr", "channel", e.name, "line", scanner.Text())
	}
}

// decodeIncoming parses one message line. The object's "text" field
// carries the user message; everything else is routing data the
// process gets back with the reply.
func decodeIncoming(line []byte) (incoming map[string]any, text string, ok bool) {
	if err := json.Unmarshal(line, &incoming); err != nil {
		return nil, "", false
	}
	raw, _ := incoming["text"].(string)
	return incoming, strings.TrimSpace(raw), true
}

// writeReply sends the incoming object back with the reply attached.
func writeReply(w io.Writer, incoming map[string]any, reply string) error {
	out := make(map[string]any, len(incoming)+1)
	for k, v := range incoming {
		out[k] = v
	}
	out["reply"] = reply

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
