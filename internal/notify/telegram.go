package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMessenger delivers messages through a Telegram bot.
type TelegramMessenger struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramBot authenticates a bot. An empty endpoint uses the public
// Bot API; a nil client uses http.DefaultClient.
func NewTelegramBot(token, endpoint string, client *http.Client) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connecting telegram bot: %w", err)
	}
	return bot, nil
}

// NewTelegramMessenger wraps an authenticated bot.
func NewTelegramMessenger(bot *tgbotapi.BotAPI) *TelegramMessenger {
	return &TelegramMessenger{bot: bot}
}

// Send implements Messenger. The Bot API client takes no context, so the
// deadline is enforced by the caller's HTTP client timeout and checked
// before sending.
func (m *TelegramMessenger) Send(ctx context.Context, to Recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(string(to), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid chat id %q", ErrRecipientNotFound, to)
	}
	if _, err := m.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return classifyTelegramError(err)
	}
	return nil
}

// classifyTelegramError maps Bot API errors for vanished chats onto
// ErrRecipientNotFound.
func classifyTelegramError(err error) error {
	var apiErr tgbotapi.Error
	var apiErrPtr *tgbotapi.Error
	switch {
	case errors.As(err, &apiErrPtr):
		apiErr = *apiErrPtr
	case errors.As(err, &apiErr):
	default:
		return err
	}
	switch {
	case apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, apiErr.Message)
	case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "chat not found"):
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, apiErr.Message)
	}
	return fmt.Errorf("telegram error %d: %s", apiErr.Code, apiErr.Message)
}
