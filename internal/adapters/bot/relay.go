package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/metrics"
)

// Sender описывает часть tgbotapi.BotAPI, которой пользуется бот.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Relay пересылает сообщения от имени бота.
type Relay struct {
	bot Sender
}

var _ domain.Relayer = (*Relay)(nil)

// NewRelay создаёт пересыльщик бота.
func NewRelay(bot Sender) *Relay {
	return &Relay{bot: bot}
}

// Forward пересылает сообщение источника получателю.
func (r *Relay) Forward(_ context.Context, msg domain.InboundMessage, destID int64) error {
	start := time.Now()
	_, err := r.bot.Send(tgbotapi.NewForward(destID, msg.SourceID, msg.MessageID))
	metrics.ObserveNetworkRequest("telegram_bot", "forward_message", metrics.ChatTarget(destID), start, err)
	if err != nil {
		return fmt.Errorf("пересылка ботом в %d: %w", destID, err)
	}
	return nil
}
