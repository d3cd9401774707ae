package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers reminders as chat messages. Addresses are numeric chat ids.
type Telegram struct {
	bot botAPI
}

var _ Notifier = (*Telegram)(nil)

// NewTelegram wraps an authorised bot.
func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

// ValidAddress accepts non-zero integer chat ids.
func (t *Telegram) ValidAddress(addr string) bool {
	id, err := strconv.ParseInt(addr, 10, 64)
	return err == nil && id != 0
}

// Send renders title, body and payload into one text message.
// The sound preference has no Telegram equivalent and is ignored.
func (t *Telegram) Send(ctx context.Context, m Message) (Ticket, error) {
	chatID, err := strconv.ParseInt(m.To, 10, 64)
	if err != nil || chatID == 0 {
		return Ticket{}, fmt.Errorf("%w: %q is not a chat id", ErrInvalidToken, m.To)
	}
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}

	msg, err := t.bot.Send(tgbotapi.NewMessage(chatID, renderText(m)))
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) &&
			(apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden) {
			return Ticket{}, fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message)
		}
		return Ticket{}, fmt.Errorf("telegram send: %w", err)
	}
	return Ticket{ID: strconv.Itoa(msg.MessageID)}, nil
}

func renderText(m Message) string {
	var b strings.Builder
	b.WriteString(m.Title)
	if m.Body != "" {
		b.WriteString("\n")
		b.WriteString(m.Body)
	}
	if m.Data != nil {
		if raw, err := json.Marshal(m.Data); err == nil && string(raw) != "null" {
			b.WriteString("\n\n")
			b.Write(raw)
		}
	}
	return b.String()
}
