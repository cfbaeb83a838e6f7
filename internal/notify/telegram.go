// Package notify pushes task and account alerts to operators.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"botflow/internal/events"
)

// Telegram forwards failure and ban events to a Telegram chat. It is an
// events.Bus subscriber; successful completions are deliberately not
// forwarded to keep the channel readable.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

func NewTelegram(token string, chatID int64, logger zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("svc", "notify.Telegram").Logger(),
	}, nil
}

// Subscriber returns the function to register on the event bus.
func (t *Telegram) Subscriber() events.Subscriber {
	return func(e events.Event) {
		var text string
		switch e.Kind {
		case events.TaskFailed:
			text = fmt.Sprintf("❌ task %s (%s) failed for account %s: %s", e.TaskID, e.TaskType, e.AccountID, e.Error)
		case events.AccountBanned:
			text = fmt.Sprintf("🚫 account %s flagged as banned: %s", e.AccountID, e.Error)
		default:
			return
		}
		// Fire and forget from a goroutine: bus delivery is synchronous
		// and must not block on Telegram.
		go func() {
			if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
				t.logger.Warn().Err(err).Msg("send notification")
			}
		}()
	}
}
