package telegram

import (
	"context"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"
)

// CommandHandler defines the callback signature for processing commands
type CommandHandler func(command string) string

// Listener long-polls for commands from the authorized chat.
type Listener struct {
	client   *Client
	handler  CommandHandler
	poll     time.Duration
	errPause time.Duration
}

func NewListener(client *Client, handler CommandHandler) *Listener {
	return &Listener{client: client, handler: handler, poll: 60 * time.Second, errPause: 5 * time.Second}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	if l.client == nil {
		logger.Info("Telegram Listener: credentials missing, disabled")
		return
	}
	logger.Info("Telegram Listener: started")

	offset := 0
	for ctx.Err() == nil {
		updates, err := l.client.GetUpdates(ctx, offset, l.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Telegram Listener error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.errPause):
			}
			continue
		}
		offset = l.dispatch(ctx, updates, offset)
	}
}

// dispatch handles one batch of updates and returns the next offset.
func (l *Listener) dispatch(ctx context.Context, updates []Update, offset int) int {
	for _, update := range updates {
		offset = update.UpdateID + 1

		// Access Control
		if update.Message.Chat.ID != l.client.ChatID() {
			logger.WithFields(logger.Fields{
				"user":    update.Message.From.Username,
				"chat_id": update.Message.Chat.ID,
				"text":    update.Message.Text,
			}).Warn("⚠️ unauthorized command attempt")
			// No reply to unauthorized users.
			continue
		}

		text := strings.TrimSpace(update.Message.Text)
		if !strings.HasPrefix(text, "/") {
			continue
		}
		logger.WithField("command", text).Info("command received")
		response := l.handler(text)
		if response == "" {
			continue
		}
		if err := l.client.SendMessage(ctx, response); err != nil {
			logger.WithError(err).Warn("failed to send command reply")
		}
	}
	return offset
}
