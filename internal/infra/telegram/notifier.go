package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/infra/metrics"
)

var (
	_ adapter.Notifier = (*BotNotifier)(nil)
	_ adapter.Notifier = (*NoopNotifier)(nil)
)

// BotNotifier sends plain text messages through the Telegram Bot API.
type BotNotifier struct {
	bot *tgbotapi.BotAPI
}

// NewBotNotifier creates a notifier. It calls getMe, so a bad token fails here.
func NewBotNotifier(token string) (*BotNotifier, error) {
	return NewBotNotifierWithClient(token, tgbotapi.APIEndpoint, http.DefaultClient)
}

// NewBotNotifierWithClient points the bot at endpoint (a "%s/%s" format
// taking token and method) using client.
func NewBotNotifierWithClient(token, endpoint string, client tgbotapi.HTTPClient) (*BotNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &BotNotifier{bot: bot}, nil
}

// SendMessage delivers text to chatID. A chat that blocked the bot or no
// longer exists is reported as domain.ErrInvalidArgument so callers stop
// retrying.
func (n *BotNotifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		metrics.IncNotification("error")
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden) {
			return fmt.Errorf("telegram chat %d: %s: %w", chatID, apiErr.Message, domain.ErrInvalidArgument)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	metrics.IncNotification("sent")
	return nil
}

// NoopNotifier logs messages instead of sending them. Used when no bot token
// is configured.
type NoopNotifier struct {
	log *zerolog.Logger
}

func NewNoopNotifier(logger *zerolog.Logger) *NoopNotifier {
	l := logger.With().Str("component", "noop_notifier").Logger()
	return &NoopNotifier{log: &l}
}

func (n *NoopNotifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Info().Int64("chat_id", chatID).Str("text", text).Msg("notification")
	return nil
}
