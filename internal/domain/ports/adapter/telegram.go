// File: internal/domain/ports/adapter/telegram.go
package adapter

import "context"

// Notifier delivers a short text message to a user's chat.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}
