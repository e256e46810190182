package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botSender is the subset of tgbotapi.BotAPI used for delivery
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts alerts to a Telegram chat
type TelegramSink struct {
	bot            botSender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegramSink creates a Telegram sink
func NewTelegramSink(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegramSink(bot, chatID, maxRetries, retryDelayBase)
}

func newTelegramSink(bot botSender, chatID string, maxRetries int, retryDelayBase time.Duration) (*TelegramSink, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &TelegramSink{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Send delivers the alert with linear backoff between attempts
func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	msg := tgbotapi.NewMessage(s.chatID, formatAlert(a))
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < s.maxRetries; i++ {
		_, err := s.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed to send alert after %d retries: %w", s.maxRetries, lastErr)
}

func formatAlert(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s*\n\n", escapeMarkdownV2(a.Kind))
	if a.AccountID != "" {
		fmt.Fprintf(&b, "👤 Account: `%s`\n", escapeMarkdownV2(a.AccountID))
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(a.At.UTC().Format("2006-01-02 15:04:05")))
	}
	if a.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdownV2(a.Message))
	}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "   • %s: %s\n", escapeMarkdownV2(k), escapeMarkdownV2(a.Fields[k]))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

var _ Sink = (*TelegramSink)(nil)
