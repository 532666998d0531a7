package match

import (
	"context"

	"github.com/park285/Cheese-Twitch-bot/internal/msgcat"
	"go.uber.org/zap"
)

// Announcer renders catalog messages and posts them to chat. Failures are logged, never returned.
type Announcer struct {
	chat    Chat
	catalog *msgcat.Catalog
	logger  *zap.Logger
}

func NewAnnouncer(chat Chat, catalog *msgcat.Catalog, logger *zap.Logger) *Announcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{chat: chat, catalog: catalog, logger: logger}
}

func (a *Announcer) Announce(ctx context.Context, key string, data map[string]any) {
	text := a.Text(key, data)
	if text == "" {
		return
	}
	if err := a.chat.SendMessage(ctx, text); err != nil {
		a.logger.Warn("chat_send_failed", zap.String("key", key), zap.Error(err))
	}
}

// Text renders key, or returns "" after logging when the template is missing or broken.
func (a *Announcer) Text(key string, data map[string]any) string {
	text, err := a.catalog.Render(key, data)
	if err != nil {
		a.logger.Error("message_render_failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return text
}

func requestData(req ChallengeRequest) map[string]any {
	return map[string]any{"Requester": req.Requester, "Opponent": req.Opponent}
}
