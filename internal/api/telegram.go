package api

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/telegram"
)

// TestMessage is what POST /v1/notifications/test sends
const TestMessage = "Hi from Remindarr!"

// TextSender is implemented by telegram.Client
type TextSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// ChatReplier is implemented by command.Executor
type ChatReplier interface {
	Reply(ctx context.Context, owner, text string) (string, error)
}

// WithTelegram enables the webhook and the test notification. defaultChat
// receives the test message.
func WithTelegram(bot TextSender, chat ChatReplier, defaultChat int64) Option {
	return func(h *Handler) {
		h.bot = bot
		h.chat = chat
		h.defaultChat = defaultChat
	}
}

// SendTestNotification handles POST /v1/notifications/test
func (h *Handler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	if h.bot == nil || h.defaultChat == 0 {
		h.writeError(w, http.StatusServiceUnavailable, "telegram_disabled",
			"Telegram is not configured", "BOT_TOKEN and CHAT_ID are required")
		return
	}

	if err := h.bot.SendText(r.Context(), h.defaultChat, TestMessage); err != nil {
		h.logger.Error("test notification failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "telegram_error", "Failed to send test notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// TelegramWebhook handles POST /telegram/webhook. Telegram retries anything
// but a 2xx, so command failures are answered in the chat and acknowledged.
func (h *Handler) TelegramWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	update, err := telegram.ParseUpdate(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed update", err.Error())
		return
	}

	if h.updates != nil {
		first, err := h.updates.FirstSeen(ctx, update.ID)
		if err != nil {
			h.logger.Warn("update dedup failed, proceeding", zap.Error(err), zap.Int("update_id", update.ID))
		} else if !first {
			metrics.RecordIdempotencyHit("update")
			h.logger.Debug("duplicate telegram update", zap.Int("update_id", update.ID))
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" || h.chat == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	chatID := msg.Chat.ID
	owner := strconv.FormatInt(chatID, 10)

	reply, err := h.chat.Reply(ctx, owner, msg.Text)
	if err != nil {
		h.logger.Error("chat command failed",
			zap.Error(err),
			zap.String("owner", owner),
			zap.Int("update_id", update.ID),
		)
		reply = "Something went wrong, please try again."
	}

	if h.bot != nil {
		if err := h.bot.SendText(ctx, chatID, reply); err != nil {
			h.logger.Error("failed to send chat reply", zap.Error(err), zap.Int64("chat_id", chatID))
		}
	}
	w.WriteHeader(http.StatusOK)
}
