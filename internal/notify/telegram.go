// Package notify отправляет уведомления покупателям через Telegram Bot API.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram отправляет сообщения пользователям от имени бота магазина.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram создаёт отправитель уведомлений с указанным токеном бота.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	return &Telegram{bot: bot}, nil
}

// SendMessage отправляет текстовое сообщение пользователю. Доставка
// негарантированная: пользователь мог заблокировать бота.
func (t *Telegram) SendMessage(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(userID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send message to %d: %w", userID, err)
	}

	return nil
}
