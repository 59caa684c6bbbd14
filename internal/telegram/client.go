// Package telegram talks to the Bot API: outbound sendMessage calls and
// decoding of inbound webhook updates.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/lalithlochan/remindarr/internal/metrics"
)

// MaxMessageLength is the Bot API limit for one text message, in characters
const MaxMessageLength = 4096

type Config struct {
	Token      string
	APIURL     string  // defaults to https://api.telegram.org
	RatePerSec float64 // outbound messages per second across all chats
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client sends messages through telebot without starting a poller. Updates
// arrive through the webhook instead.
type Client struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  cfg.HTTPClient,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		logger:  logger,
	}, nil
}

// SendText delivers text to chatID, splitting it into several messages when
// it exceeds the API limit. It blocks on the rate limiter before each part.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}

	for _, part := range splitText(text, MaxMessageLength) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit: %w", err)
		}

		msg, err := c.bot.Send(chat, part, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			metrics.RecordTelegramSend("error")
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		metrics.RecordTelegramSend("ok")

		c.logger.Debug("telegram message sent",
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", msg.ID),
		)
	}
	return nil
}

// ParseUpdate decodes a webhook request body
func ParseUpdate(r io.Reader) (tele.Update, error) {
	var u tele.Update
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&u); err != nil {
		return u, fmt.Errorf("decode telegram update: %w", err)
	}
	return u, nil
}

// splitText cuts s into chunks of at most limit runes, preferring line breaks
func splitText(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var parts []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
