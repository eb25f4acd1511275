// Package telegram is the Telegram bot front: long-polled updates mapped
// onto the same chat pipeline the WebSocket front uses. Responses go out as
// plain text; Telegram markup is not rendered.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/gateway"
)

// maxMessageRunes is Telegram's hard cap on message text length.
const maxMessageRunes = 4096

const helpText = `Commands:
/pwd - show the working directory
/cd <dir> - change the working directory
/agent [id] - list or switch agents
/search <query> - code search in the workspace
/resume - resume the previous agent thread
/esc - interrupt the running turn
/clear - clear conversation history

Anything else is sent to the agent as a prompt.`

// Bot long-polls the Telegram Bot API and routes messages into the chat
// pipeline under the "tg" namespace.
type Bot struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	chat    *gateway.Chat
	logger  *logger.Logger
	allowed map[string]bool
}

// New builds the bot. The token is validated lazily on the first poll.
func New(cfg config.TelegramConfig, chat *gateway.Chat, log *logger.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errkind.Config("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, errkind.Config("telegram bot: %v", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[strings.TrimPrefix(strings.ToLower(id), "@")] = true
	}
	return &Bot{
		bot:     bot,
		cfg:     cfg,
		chat:    chat,
		logger:  log.WithField("component", "telegram"),
		allowed: allowed,
	}, nil
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	updates, err := b.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return errkind.Upstream("telegram long polling: %v", err)
	}
	b.logger.Info("telegram bot polling")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// senderAllowed checks the allowlist against the numeric user id and the
// username. An empty allowlist admits nobody; the bot is a private front.
func (b *Bot) senderAllowed(user *telego.User) bool {
	if user == nil {
		return false
	}
	if b.allowed[strconv.FormatInt(user.ID, 10)] {
		return true
	}
	return user.Username != "" && b.allowed[strings.ToLower(user.Username)]
}

func (b *Bot) handleMessage(ctx context.Context, msg *telego.Message) {
	if !b.senderAllowed(msg.From) {
		b.logger.WithField("user", senderLabel(msg.From)).Debug("telegram sender rejected")
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	userID := "tg:" + strconv.FormatInt(msg.From.ID, 10)
	sessionID := strconv.FormatInt(msg.Chat.ID, 10)

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, msg, userID, sessionID, text)
		return
	}

	// Telegram redelivers unconfirmed updates after a restart; the chat
	// message id keys the dedupe.
	clientID := fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)
	duplicate, err := b.chat.Ack(ctx, sessionID, clientID, text)
	if err != nil {
		b.reply(ctx, msg.Chat.ID, "failed to record message: "+err.Error())
		return
	}
	if duplicate {
		return
	}

	go b.runPrompt(ctx, msg.Chat.ID, userID, sessionID, text)
}

func (b *Bot) runPrompt(ctx context.Context, chatID int64, userID, sessionID, text string) {
	b.typing(ctx, chatID)
	stop := make(chan struct{})
	defer close(stop)
	go b.keepTyping(ctx, chatID, stop)

	result, err := b.chat.RunPrompt(ctx, userID, sessionID, text)
	switch {
	case errors.Is(err, context.Canceled):
		b.reply(ctx, chatID, "Turn aborted.")
	case err != nil:
		b.logger.WithError(err).Warn("telegram turn failed")
		b.reply(ctx, chatID, "Error: "+err.Error())
	default:
		b.reply(ctx, chatID, result.Response)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *telego.Message, userID, sessionID, line string) {
	// Strip the @botname suffix groups append to commands.
	if cmd, rest, found := strings.Cut(line, " "); found {
		line = strings.SplitN(cmd, "@", 2)[0] + " " + rest
	} else {
		line = strings.SplitN(line, "@", 2)[0]
	}

	switch cmd := strings.Fields(line)[0]; cmd {
	case "/start", "/help":
		b.reply(ctx, msg.Chat.ID, helpText)
		return
	case "/clear":
		if _, err := b.chat.ClearHistory(ctx, userID, sessionID); err != nil {
			b.reply(ctx, msg.Chat.ID, "Error: "+err.Error())
			return
		}
		b.reply(ctx, msg.Chat.ID, "Conversation history cleared.")
		return
	}

	result, err := b.chat.Command(ctx, userID, sessionID, line)
	if err != nil {
		b.reply(ctx, msg.Chat.ID, "Error: "+err.Error())
		return
	}
	if result.Silent || result.Text == "" {
		return
	}
	b.reply(ctx, msg.Chat.ID, result.Text)
}

// reply sends text, splitting it into Telegram-sized chunks.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			b.logger.WithError(err).Warn("telegram send failed")
			return
		}
	}
}

func (b *Bot) typing(ctx context.Context, chatID int64) {
	if err := b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		b.logger.WithError(err).Debug("telegram chat action failed")
	}
}

// keepTyping refreshes the typing indicator while a turn runs. Telegram
// expires the indicator after about five seconds.
func (b *Bot) keepTyping(ctx context.Context, chatID int64, stop <-chan struct{}) {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			b.typing(ctx, chatID)
		}
	}
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// newline boundaries so code blocks and paragraphs stay intact.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			out = append(out, strings.TrimRight(string(runes), "\n"))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return out
}

func senderLabel(user *telego.User) string {
	if user == nil {
		return "unknown"
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	return strconv.FormatInt(user.ID, 10)
}
