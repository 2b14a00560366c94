package notify

import (
	"context"
	"strconv"

	"github.com/fyrsmithlabs/healer/internal/logging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Subscriptions adds and removes recipients.
type Subscriptions interface {
	Subscribe(ctx context.Context, r Recipient) error
	Unsubscribe(ctx context.Context, r Recipient) error
}

// BotAPI is the part of the Telegram client the bot uses.
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// SubscriptionBot long-polls Telegram and manages subscriptions through
// the /start and /stop commands.
type SubscriptionBot struct {
	api    BotAPI
	subs   Subscriptions
	logger *logging.Logger
}

// NewSubscriptionBot creates a bot.
func NewSubscriptionBot(api BotAPI, subs Subscriptions, logger *logging.Logger) *SubscriptionBot {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SubscriptionBot{api: api, subs: subs, logger: logger.Named("bot")}
}

// Run handles updates until ctx is done.
func (b *SubscriptionBot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)
	defer b.api.StopReceivingUpdates()

	b.logger.Info(ctx, "subscription bot polling")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handle(ctx, update)
		}
	}
}

func (b *SubscriptionBot) handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() || msg.Chat == nil {
		return
	}
	chat := Recipient(strconv.FormatInt(msg.Chat.ID, 10))

	var reply string
	switch msg.Command() {
	case "start":
		if err := b.subs.Subscribe(ctx, chat); err != nil {
			b.logger.Error(ctx, "subscribe failed", zap.String("chat", string(chat)), zap.Error(err))
			reply = "Subscription failed, please try again later."
			break
		}
		b.logger.Info(ctx, "chat subscribed", zap.String("chat", string(chat)))
		reply = "Hello, " + displayName(msg.From) + "!\nYou are subscribed to healer pull request updates."
	case "stop":
		if err := b.subs.Unsubscribe(ctx, chat); err != nil {
			b.logger.Error(ctx, "unsubscribe failed", zap.String("chat", string(chat)), zap.Error(err))
			reply = "Unsubscribe failed, please try again later."
			break
		}
		b.logger.Info(ctx, "chat unsubscribed", zap.String("chat", string(chat)))
		reply = "You will no longer receive healer updates."
	default:
		return
	}

	if _, err := b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
		b.logger.Warn(ctx, "bot reply failed", zap.String("chat", string(chat)), zap.Error(err))
	}
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return "there"
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	if name == "" {
		return "there"
	}
	return name
}
