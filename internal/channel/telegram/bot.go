// Package telegram is the Telegram transport: a telebot long-poller
// that turns private-chat messages into runtime turns.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/pith-agent/pith/internal/channel"
	"github.com/pith-agent/pith/internal/config"
	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/runtime"
)

// messageLimit stays under Telegram's 4096-char message cap with room
// for the HTML tags formatting adds.
const messageLimit = 4000

const helpText = `*pith commands*

/new - start a fresh session
/compact - fold old history into a summary
/info - show session info
/help - show this help

Anything else is a chat message.`

// Bot adapts Telegram to the channel interface.
type Bot struct {
	bot      *tele.Bot
	agent    channel.Agent
	allowed  map[int64]bool
	fallback int64 // first allowed user, push target before any chat is seen

	// lastChat is the most recent private chat, the target for pushes.
	lastChat atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the bot and registers its handlers. An empty
// allowed_users list admits any sender; a non-empty one restricts the
// bot to those IDs.
func New(cfg config.TelegramConfig, token string, agent channel.Agent) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	L_debug("telegram: bot created", "username", bot.Me.Username, "id", bot.Me.ID)

	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}

	b := &Bot{bot: bot, agent: agent, allowed: allowed}
	if len(cfg.AllowedUsers) > 0 {
		b.fallback = cfg.AllowedUsers[0]
	}
	b.setupHandlers()
	return b, nil
}

func (b *Bot) Name() string { return "telegram" }

// Start begins long polling. Turns started by handlers run under the
// given context.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.bot.Start()
	return nil
}

func (b *Bot) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.bot.Stop()
	return nil
}

func (b *Bot) setupHandlers() {
	b.bot.Handle(tele.OnText, b.guard(b.handleText))

	b.bot.Handle("/start", b.guard(func(c tele.Context) error {
		return c.Send("Hello! Send me a message to chat, or /help for commands.")
	}))

	b.bot.Handle("/help", b.guard(func(c tele.Context) error {
		return c.Send(helpText, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	}))

	b.bot.Handle("/new", b.guard(func(c tele.Context) error {
		id, err := b.agent.NewSession(b.ctx)
		if err != nil {
			return c.Send("Error: " + err.Error())
		}
		return c.Send("new session " + id)
	}))

	b.bot.Handle("/compact", b.guard(func(c tele.Context) error {
		result, err := b.agent.Compact(b.ctx, "")
		if err != nil {
			return c.Send("Error: " + err.Error())
		}
		return c.Send(result)
	}))

	b.bot.Handle("/info", b.guard(func(c tele.Context) error {
		info, err := b.agent.Info(b.ctx, "")
		if err != nil {
			return c.Send("Error: " + err.Error())
		}
		return c.Send(info)
	}))
}

// guard filters out group chats and senders outside allowed_users
// before the wrapped handler runs.
func (b *Bot) guard(h tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Chat() == nil || c.Chat().Type != tele.ChatPrivate {
			L_debug("telegram: ignoring non-private chat")
			return nil
		}
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		if len(b.allowed) > 0 && !b.allowed[sender.ID] {
			L_warn("telegram: unauthorized user ignored", "userID", sender.ID)
			return nil
		}
		b.lastChat.Store(c.Chat().ID)
		return h(c)
	}
}

func (b *Bot) handleText(c tele.Context) error {
	text := strings.TrimSpace(c.Text())
	if text == "" {
		return nil
	}
	L_debug("telegram: message received", "userID", c.Sender().ID, "length", len(text))

	_ = c.Notify(tele.Typing)

	reply, err := b.agent.ChatText(b.ctx, runtime.ChatRequest{Message: text, Channel: "telegram"})
	if err != nil {
		L_error("telegram: chat failed", "error", err)
		return c.Send("Error: " + err.Error())
	}
	if strings.TrimSpace(reply) == "" {
		reply = "(no response)"
	}
	return b.send(c, reply)
}

// send delivers a reply, splitting long ones across messages. Each
// chunk goes out as HTML with a plain-text fallback when Telegram
// rejects the markup.
func (b *Bot) send(c tele.Context, text string) error {
	for _, chunk := range splitMessage(text, messageLimit) {
		if err := c.Send(Format(chunk), &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
			L_debug("telegram: HTML send failed, falling back to plain text", "error", err)
			if err := c.Send(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Send pushes a message outside any turn. It goes to the last private
// chat seen this run, or the first allowed user when the bot has not
// been spoken to yet. Private chat IDs equal user IDs on Telegram.
func (b *Bot) Send(ctx context.Context, text string) error {
	chatID := b.lastChat.Load()
	if chatID == 0 {
		chatID = b.fallback
	}
	if chatID == 0 {
		return fmt.Errorf("no chat to deliver to")
	}

	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitMessage(text, messageLimit) {
		if _, err := b.bot.Send(chat, Format(chunk), &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
			L_debug("telegram: HTML send failed, falling back to plain text", "error", err)
			if _, err := b.bot.Send(chat, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most limit runes,
// preferring newline boundaries in the upper half of each chunk.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
