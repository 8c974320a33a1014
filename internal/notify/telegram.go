package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const queueSize = 256

// Sender is the subset of *tgbotapi.BotAPI used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type outgoing struct {
	chatID int64
	text   string
}

// Telegram delivers alerts to per-user chats from a background worker.
// Alerts for users without a chat, or arriving while the queue is full,
// are dropped and counted.
type Telegram struct {
	sender  Sender
	chatIDs map[string]int64

	queue    chan outgoing
	wg       sync.WaitGroup
	stopOnce sync.Once

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string, chatIDs map[string]int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram: %w", err)
	}
	log.Info().Str("username", bot.Self.UserName).Msg("notify: telegram bot connected")
	return NewTelegram(bot, chatIDs), nil
}

// NewTelegram starts the delivery worker over sender.
func NewTelegram(sender Sender, chatIDs map[string]int64) *Telegram {
	ids := make(map[string]int64, len(chatIDs))
	for u, c := range chatIDs {
		ids[u] = c
	}
	t := &Telegram{
		sender:  sender,
		chatIDs: ids,
		queue:   make(chan outgoing, queueSize),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Telegram) SendAlert(_ context.Context, kind Kind, payload map[string]any, userID string) {
	chatID, ok := t.chatIDs[userID]
	if !ok {
		t.dropped.Add(1)
		return
	}
	select {
	case t.queue <- outgoing{chatID: chatID, text: Format(kind, payload)}:
	default:
		t.dropped.Add(1)
		log.Warn().Str("kind", string(kind)).Str("user", userID).Msg("notify: telegram queue full, alert dropped")
	}
}

func (t *Telegram) run() {
	defer t.wg.Done()
	for m := range t.queue {
		if _, err := t.sender.Send(tgbotapi.NewMessage(m.chatID, m.text)); err != nil {
			t.failed.Add(1)
			log.Error().Err(err).Int64("chat", m.chatID).Msg("notify: telegram send failed")
			continue
		}
		t.sent.Add(1)
	}
}

// Close drains queued alerts and stops the worker. SendAlert must not be
// called after Close.
func (t *Telegram) Close() {
	t.stopOnce.Do(func() { close(t.queue) })
	t.wg.Wait()
}

// TelegramStats reports delivery counters.
type TelegramStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

func (t *Telegram) Stats() TelegramStats {
	return TelegramStats{
		Sent:    t.sent.Load(),
		Failed:  t.failed.Load(),
		Dropped: t.dropped.Load(),
	}
}
