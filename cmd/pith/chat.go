package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pith-agent/pith/internal/llm"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")). // Blue
			Bold(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")). // Orange
			Italic(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Gray

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // Red
)

type ChatCmd struct {
	Session string `help:"Session id to resume. Starts a fresh session when unset."`
}

func (c *ChatCmd) Run(g *Globals) error {
	api := newClient(g)
	if err := api.ping(); err != nil {
		return fmt.Errorf("cannot reach pith at %s (is `pith serve` running?): %w", api.base, err)
	}

	sessionID := c.Session
	fresh := sessionID == ""
	if fresh {
		var err error
		if sessionID, err = api.newSession(); err != nil {
			return err
		}
	}

	fmt.Println(dimStyle.Render("pith " + version + " — /quit to exit, /new /compact /info"))
	if fresh {
		if err := c.greet(api, sessionID); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		switch text {
		case "/quit":
			return nil
		case "/new":
			id, err := api.newSession()
			if err != nil {
				fmt.Println(errorStyle.Render("error: " + err.Error()))
				continue
			}
			sessionID = id
			if err := c.greet(api, sessionID); err != nil {
				return err
			}
			continue
		case "/compact":
			result, err := api.compact(sessionID)
			if err != nil {
				fmt.Println(errorStyle.Render("error: " + err.Error()))
				continue
			}
			fmt.Println(result)
			continue
		case "/info":
			info, err := api.info(sessionID)
			if err != nil {
				fmt.Println(errorStyle.Render("error: " + err.Error()))
				continue
			}
			fmt.Println(info)
			continue
		}

		if err := c.send(api, sessionID, text); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// greet sends an opening signal so the model starts the conversation: the
// first-run line when bootstrap has not finished, a new-conversation marker
// otherwise.
func (c *ChatCmd) greet(api *client, sessionID string) error {
	complete, err := api.bootstrapComplete(sessionID)
	if err != nil {
		return err
	}
	fmt.Println()
	if complete {
		return c.send(api, sessionID, "[new conversation]")
	}
	return c.send(api, sessionID, "Hello — I just started pith for the first time.")
}

// send streams one turn to the terminal. Turn-level errors are printed and
// swallowed so the REPL continues; an auth failure ends the program instead,
// since every further turn would fail the same way.
func (c *ChatCmd) send(api *client, sessionID, message string) error {
	sp := newSpinner()
	sp.start()
	defer sp.stop()

	var turnErr error
	err := api.stream(context.Background(), sessionID, message, func(event, data string) error {
		sp.stop()
		switch event {
		case "text":
			var p struct {
				Delta string `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &p) == nil {
				fmt.Print(p.Delta)
			}
		case "tool":
			var p struct {
				Name string `json:"name"`
			}
			if json.Unmarshal([]byte(data), &p) == nil {
				fmt.Println(toolStyle.Render("[tool] " + p.Name))
			}
		case "tool_result":
			var p struct {
				Name    string `json:"name"`
				Success bool   `json:"success"`
			}
			if json.Unmarshal([]byte(data), &p) == nil && !p.Success {
				fmt.Println(toolStyle.Render("[tool] " + p.Name + " failed"))
			}
		case "secret_request":
			var p struct {
				RequestID string `json:"request_id"`
				Name      string `json:"name"`
			}
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				return err
			}
			value, perr := promptSecret(p.Name)
			if perr != nil {
				// An empty answer turns into a tool error on the service
				// side, which beats leaving the turn hanging until timeout.
				value = ""
			}
			if err := api.provideSecret(p.RequestID, value); err != nil {
				fmt.Println(errorStyle.Render("failed to deliver secret: " + err.Error()))
			}
		case "done":
			fmt.Println()
		case "error":
			var p struct {
				Message string `json:"message"`
			}
			if json.Unmarshal([]byte(data), &p) == nil {
				fmt.Println(errorStyle.Render("error: " + p.Message))
				turnErr = errors.New(p.Message)
			}
		}
		return nil
	})
	if err != nil {
		fmt.Println(errorStyle.Render("error: " + err.Error()))
		return nil
	}
	if turnErr != nil && llm.IsAuthError(turnErr) {
		return fmt.Errorf("invalid API key — set it with `pith secret set` and restart the service")
	}
	return nil
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinner shows a thinking indicator until the first event of a turn
// arrives. stop is idempotent and returns only after the line is cleared,
// so callers can print immediately afterwards.
type spinner struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

func newSpinner() *spinner {
	return &spinner{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *spinner) start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		i := 0
		for {
			select {
			case <-s.stopCh:
				fmt.Print("\r\033[K")
				return
			case <-ticker.C:
				fmt.Print("\r" + dimStyle.Render(spinnerFrames[i%len(spinnerFrames)]))
				i++
			}
		}
	}()
}

func (s *spinner) stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}
