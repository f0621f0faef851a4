package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	ack := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(ack); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	var userID int64
	if cb.From != nil {
		userID = cb.From.ID
	}
	b.log.Info("callback",
		"data", cb.Data,
		"chat_id", chatID,
		"user_id", userID,
	)

	if cb.Data == callbackUnlink {
		b.handleStop(ctx, chatID)
	}
}
