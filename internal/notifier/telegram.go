package notifier

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// TelegramConfig tunes the Telegram notifier.
type TelegramConfig struct {
	// Endpoint is a tgbotapi endpoint format, "https://api.telegram.org/bot%s/%s" by default.
	Endpoint   string
	Timeout    time.Duration
	RatePerSec int
}

// Telegram sends messages through the Bot API. One client is kept per bot
// token so users with their own bots do not pay a getMe on every send.
//
// It is safe for concurrent use.
type Telegram struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	return &Telegram{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		// Telegram allows ~30 messages per second per bot; burst = rate.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		bots:    make(map[string]*tgbotapi.BotAPI),
	}
}

// Send delivers text with Markdown parse mode. chatID is either a numeric
// chat id or an @channel username.
func (t *Telegram) Send(ctx context.Context, botToken, chatID, text string) error {
	botToken = strings.TrimSpace(botToken)
	chatID = strings.TrimSpace(chatID)
	if botToken == "" || chatID == "" {
		return &DeliveryError{Reason: "missing bot token or chat id"}
	}

	msg, err := newMessage(chatID, text)
	if err != nil {
		return err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- t.send(botToken, msg)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (t *Telegram) send(token string, msg tgbotapi.MessageConfig) error {
	api, err := t.bot(token)
	if err != nil {
		return classify(err)
	}
	if _, err := api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
			t.forget(token)
		}
		return classify(err)
	}
	return nil
}

func (t *Telegram) bot(token string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	api, ok := t.bots[token]
	t.mu.Unlock()
	if ok {
		return api, nil
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, t.endpoint, t.client)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.bots[token] = api
	t.mu.Unlock()
	return api, nil
}

func (t *Telegram) forget(token string) {
	t.mu.Lock()
	delete(t.bots, token)
	t.mu.Unlock()
}

func newMessage(chatID, text string) (tgbotapi.MessageConfig, error) {
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(chatID, "@") {
		msg = tgbotapi.NewMessageToChannel(chatID, text)
	} else {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return msg, &DeliveryError{Reason: "invalid chat id " + strconv.Quote(chatID), Err: err}
		}
		msg = tgbotapi.NewMessage(id, text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	return msg, nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &DeliveryError{Reason: apiErr.Message, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &DeliveryError{Reason: "timeout", Err: err}
	}
	return &DeliveryError{Reason: "network error", Err: err}
}
