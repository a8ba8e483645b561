// Package interp runs agent-authored Python code in an embedded
// interpreter. Code executes in-process with no filesystem, network or
// import access; the host wires in read/write/edit callbacks that route
// through the workspace sandbox.
package interp

import (
	"context"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	. "github.com/pith-agent/pith/internal/logging"
)

// maxSteps bounds interpreter work per call so a runaway loop cannot
// stall a turn even without a context deadline.
const maxSteps = 50_000_000

// Host supplies the file callbacks exposed to interpreted code.
type Host struct {
	Read  func(path string) (string, error)
	Write func(path, content string) (string, error)
	Edit  func(path, old, new string) (string, error)
}

// fileOptions makes the dialect as Python-like as the interpreter
// allows: while loops, top-level control flow, set literals,
// reassignable globals and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Run executes code and returns what the model should see: the value of
// a bare expression, printed output for a program, or the interpreter
// error rendered as text. Run never returns an error; failures are part
// of the output.
func Run(ctx context.Context, code string, host Host) string {
	var printed strings.Builder

	thread := &starlark.Thread{
		Name: "run_python",
		Print: func(_ *starlark.Thread, msg string) {
			printed.WriteString(msg)
			printed.WriteByte('\n')
		},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	// Cancel the interpreter when the turn is cancelled. Cancel is
	// sticky, so firing before execution starts is fine.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("interrupted")
		case <-finished:
		}
	}()

	env := hostEnv(host)
	L_debug("interp: executing", "bytes", len(code))

	// A bare expression evaluates to its value; anything else runs as
	// a program and the model sees what it printed.
	if expr, err := fileOptions.ParseExpr("agent.py", code, 0); err == nil {
		value, err := starlark.EvalExprOptions(fileOptions, thread, expr, env)
		if err != nil {
			return combine(printed.String(), renderError(err))
		}
		return combine(printed.String(), renderValue(value))
	}

	if _, err := starlark.ExecFileOptions(fileOptions, thread, "agent.py", code, env); err != nil {
		L_debug("interp: execution failed", "error", err)
		return combine(printed.String(), renderError(err))
	}
	return strings.TrimSuffix(printed.String(), "\n")
}

// combine joins captured print output with a trailing value or error,
// the way a console would show them.
func combine(printed, tail string) string {
	printed = strings.TrimSuffix(printed, "\n")
	if printed == "" {
		return tail
	}
	if tail == "" {
		return printed
	}
	return printed + "\n" + tail
}

func renderValue(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.NoneType:
		return ""
	case starlark.String:
		return string(val)
	default:
		return v.String()
	}
}

func renderError(err error) string {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return "error: " + evalErr.Msg
	}
	return "error: " + err.Error()
}

// hostEnv exposes the three file callbacks as predeclared functions.
func hostEnv(host Host) starlark.StringDict {
	read := starlark.NewBuiltin("read", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		text, err := host.Read(path)
		if err != nil {
			return nil, err
		}
		return starlark.String(text), nil
	})

	write := starlark.NewBuiltin("write", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path, content string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
			return nil, err
		}
		out, err := host.Write(path, content)
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	})

	edit := starlark.NewBuiltin("edit", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path, oldText, newText string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "old", &oldText, "new", &newText); err != nil {
			return nil, err
		}
		out, err := host.Edit(path, oldText, newText)
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	})

	return starlark.StringDict{
		"read":  read,
		"write": write,
		"edit":  edit,
	}
}
