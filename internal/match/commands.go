package match

import (
	"context"
	"errors"
	"strings"

	"github.com/park285/Cheese-Twitch-bot/internal/stats"
	"github.com/park285/Cheese-Twitch-bot/internal/twitch"
	"go.uber.org/zap"
)

// NewCommands builds the static chat command table: challenge, play, when and stats.
// Privileged commands stay silent for regular viewers.
func NewCommands(o *Orchestrator, store stats.Store, prefix string) twitch.Commands {
	h := &commandHandlers{o: o, store: store, prefix: prefix}
	return twitch.Commands{
		"challenge": h.challenge,
		"play":      h.play,
		"when":      h.when,
		"stats":     h.stats,
	}
}

type commandHandlers struct {
	o      *Orchestrator
	store  stats.Store
	prefix string
}

func (h *commandHandlers) text(key string, data map[string]any) string {
	return h.o.Announcer().Text(key, data)
}

func (h *commandHandlers) challenge(ctx context.Context, cmd twitch.Command) string {
	if !cmd.Message.Privileged() {
		return ""
	}
	if len(cmd.Args) < 2 {
		return h.text("command.usage_challenge", map[string]any{"Prefix": h.prefix})
	}
	h.request(ctx, cmd.Arg(0), cmd.Arg(1))
	return ""
}

func (h *commandHandlers) play(ctx context.Context, cmd twitch.Command) string {
	if len(cmd.Args) < 1 {
		return h.text("command.usage_play", map[string]any{"Prefix": h.prefix})
	}
	h.request(ctx, cmd.Message.Sender, cmd.Arg(0))
	return ""
}

// request relies on the orchestrator's own chat announcements for feedback.
func (h *commandHandlers) request(ctx context.Context, requester, opponent string) {
	if _, err := h.o.RequestChallenge(ctx, requester, opponent); err != nil {
		h.o.logger.Warn("challenge_request_rejected",
			zap.String("requester", requester),
			zap.String("opponent", opponent),
			zap.Error(err))
	}
}

func (h *commandHandlers) when(_ context.Context, cmd twitch.Command) string {
	if !cmd.Message.Privileged() {
		return ""
	}
	pos, opponent, playing := h.o.QueuePosition(cmd.Message.Sender)
	switch {
	case playing:
		return h.text("command.when_playing", map[string]any{"Opponent": opponent})
	case pos > 0:
		return h.text("command.when_position", map[string]any{"Position": pos, "Opponent": opponent})
	default:
		return h.text("command.when_absent", nil)
	}
}

func (h *commandHandlers) stats(ctx context.Context, cmd twitch.Command) string {
	if !cmd.Message.Privileged() {
		return ""
	}
	user := cmd.Message.Sender
	if arg := strings.TrimPrefix(cmd.Arg(0), "@"); arg != "" {
		user = arg
	}
	if h.store == nil {
		return h.text("command.stats_unavailable", nil)
	}
	st, err := h.store.GetUser(ctx, user)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.o.logger.Error("stats_lookup_failed", zap.String("user", user), zap.Error(err))
		}
		return h.text("command.stats_unavailable", nil)
	}
	return h.text("command.stats", map[string]any{"Games": st.Games, "Won": st.Won, "Rank": st.RankLabel()})
}
