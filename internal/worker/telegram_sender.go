package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/config"
	"github.com/lalithlochan/remindarr/internal/reminder"
)

// ErrUnknownChat is returned when an owner maps to no Telegram chat
var ErrUnknownChat = errors.New("no telegram chat for owner")

// TextSender is implemented by telegram.Client
type TextSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// ChatResolver maps an owner to a chat id. Owners created from Telegram are
// already chat ids; others go through the alias map, then the default chat.
type ChatResolver struct {
	aliases  config.ChatMap
	fallback int64
}

func NewChatResolver(aliases config.ChatMap, fallback int64) *ChatResolver {
	return &ChatResolver{aliases: aliases, fallback: fallback}
}

func (c *ChatResolver) Resolve(owner string) (int64, error) {
	owner = strings.TrimSpace(owner)
	if id, err := strconv.ParseInt(owner, 10, 64); err == nil && id != 0 {
		return id, nil
	}
	if id, ok := c.aliases.Lookup(owner); ok {
		return id, nil
	}
	if c.fallback != 0 {
		return c.fallback, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownChat, owner)
}

// TelegramSender delivers reminders as Telegram messages
type TelegramSender struct {
	client   TextSender
	resolver *ChatResolver
	logger   *zap.Logger
}

func NewTelegramSender(client TextSender, resolver *ChatResolver, logger *zap.Logger) *TelegramSender {
	return &TelegramSender{client: client, resolver: resolver, logger: logger}
}

func (s *TelegramSender) Send(ctx context.Context, r *reminder.Reminder) error {
	chatID, err := s.resolver.Resolve(r.Owner)
	if err != nil {
		return fmt.Errorf("%w: %w", reminder.ErrDeliveryFailed, err)
	}

	if err := s.client.SendText(ctx, chatID, r.Message); err != nil {
		return fmt.Errorf("%w: %w", reminder.ErrDeliveryFailed, err)
	}

	s.logger.Debug("reminder sent to telegram",
		zap.String("id", r.ID.String()),
		zap.Int64("chat_id", chatID),
	)
	return nil
}
