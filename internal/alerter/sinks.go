package alerter

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "zmnotify/pkg/logx"
)

// LogSink writes alerts to the structured log. It is the fallback when no
// chat sink is configured.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Notify(_ context.Context, text string) error {
	s.Log.Info("ALERT", logx.String("text", text))
	return nil
}

func (s LogSink) Name() string { return "log" }

// TelegramSink forwards alerts to a Telegram chat.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	// No updates are consumed; the bot only sends.
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: bot, chat: &tele.Chat{ID: chatID}}, nil
}

func (s *TelegramSink) Notify(_ context.Context, text string) error {
	_, err := s.bot.Send(s.chat, text)
	return err
}

func (s *TelegramSink) Name() string { return "telegram" }
