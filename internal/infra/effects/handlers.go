package effects

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/i18n"
	"entitlement-service/internal/infra/metrics"
)

// AchievementHandler forwards achievement_check effects. The effect id is the
// consumer's idempotency key.
func AchievementHandler(checker adapter.AchievementChecker) Handler {
	return HandlerFunc(func(ctx context.Context, e *model.Effect) error {
		trigger := e.Payload["trigger"]
		if trigger == "" {
			return fmt.Errorf("achievement effect without trigger: %w", domain.ErrInvalidArgument)
		}
		return checker.CheckAchievements(ctx, e.ID, e.UserID, trigger, e.Payload)
	})
}

// EnrollmentHandler bumps the enrollment count of the program in SubjectID.
func EnrollmentHandler(counter adapter.EnrollmentCounter) Handler {
	return HandlerFunc(func(ctx context.Context, e *model.Effect) error {
		return counter.IncrementEnrollment(ctx, e.ID, e.SubjectID)
	})
}

// NotificationHandler sends purchase and subscription messages to the user's
// Telegram chat. Users without a linked chat and silent changes are skipped.
type NotificationHandler struct {
	users    repository.UserRepository
	notifier adapter.Notifier
	messages *i18n.Translator
	log      *zerolog.Logger
}

func NewNotificationHandler(users repository.UserRepository, notifier adapter.Notifier, messages *i18n.Translator, logger *zerolog.Logger) *NotificationHandler {
	l := logger.With().Str("component", "notification_handler").Logger()
	return &NotificationHandler{users: users, notifier: notifier, messages: messages, log: &l}
}

func (h *NotificationHandler) Handle(ctx context.Context, e *model.Effect) error {
	u, err := h.users.FindByID(ctx, nil, e.UserID)
	if err != nil {
		return fmt.Errorf("notification user %s: %w", e.UserID, err)
	}
	if u.TelegramChatID == nil {
		metrics.IncNotification("no_chat")
		h.log.Debug().Str("user_id", e.UserID).Str("effect_id", e.ID).Msg("user has no chat, skipping")
		return nil
	}
	text, err := h.text(e)
	if err != nil || text == "" {
		return err
	}
	return h.notifier.SendMessage(ctx, *u.TelegramChatID, text)
}

// Subscription changes whose message names the tier.
var tierMessages = map[string]bool{
	"created":           true,
	"tier_changed":      true,
	"payment_recovered": true,
}

func (h *NotificationHandler) text(e *model.Effect) (string, error) {
	var (
		key  string
		args []interface{}
	)
	switch e.Kind {
	case model.EffectPurchaseNotification:
		key = "purchase." + e.Payload["status"]
	case model.EffectSubscriptionNotification:
		change := e.Payload["change"]
		key = "subscription." + change
		if tierMessages[change] {
			args = append(args, e.Payload["tier"])
		}
	}
	if text, ok := h.messages.Lookup(key, args...); ok && key != "" {
		return text, nil
	}
	return "", fmt.Errorf("no message for kind=%s payload=%v: %w", e.Kind, e.Payload, domain.ErrInvalidArgument)
}
