package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAlerter posts alerts to a chat through the Bot API.
type TelegramAlerter struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramAlerter(botToken, chatID string) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return &TelegramAlerter{bot: bot, chatID: id}, nil
}

func (t *TelegramAlerter) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(a))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send Telegram alert: %w", err)
	}
	return nil
}

func formatAlert(a Alert) string {
	icon := "⚠️"
	switch a.Severity {
	case SeverityCritical:
		icon = "🚨"
	case SeverityInfo:
		icon = "✅"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n%s\n", icon, escapeMarkdownV2(strings.ToUpper(string(a.Severity))), escapeMarkdownV2(a.Message))

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "• %s: `%s`\n", escapeMarkdownV2(k), escapeCode(fmt.Sprint(a.Fields[k])))
	}
	return b.String()
}

func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes the two characters significant inside a code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}
