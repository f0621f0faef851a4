package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bizdash/internal/storage"
)

const callbackUnlink = "unlink"

func (b *Bot) handleStart(ctx context.Context, chatID int64, code string) {
	if code == "" {
		b.reply(chatID, `Welcome to the dashboard notifier.

To receive account updates here, open the dashboard, copy your link code
and send:
/start <link-code>`)
		return
	}

	u, err := b.store.LinkTelegram(ctx, code, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "That link code is not valid. Copy it again from the dashboard.")
		return
	}
	if err != nil {
		b.log.Error("link telegram", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}

	b.log.Info("telegram linked", "user_id", u.ID, "chat_id", chatID)
	if b.onLinked != nil {
		b.onLinked(ctx, u.ID)
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Linked to %s. Updates will arrive in this chat.", u.Email))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Stop updates", callbackUnlink),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send link confirmation", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	ok, err := b.store.UnlinkTelegram(ctx, chatID)
	if err != nil {
		b.log.Error("unlink telegram", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}
	if !ok {
		b.reply(chatID, "This chat is not linked to an account.")
		return
	}
	b.log.Info("telegram unlinked", "chat_id", chatID)
	b.reply(chatID, "Unlinked. You will no longer receive updates here.")
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `/start <link-code> - link this chat to your dashboard account
/stop - stop receiving updates in this chat
/help - show this message`)
}
