// Package vote runs one audience vote over the legal moves of a position.
package vote

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/Cheese-Twitch-bot/internal/twitch"
	"go.uber.org/zap"
)

var ErrNoLegalMoves = errors.New("no legal moves in position")

// Position is the part of the move oracle a vote needs.
type Position interface {
	LegalMoves() []string
}

// Listener delivers chat messages while a vote window is open.
type Listener interface {
	OnMessage(cb twitch.MessageCallback) int
	RemoveMessageCallback(id int)
}

// Announcer renders and posts a catalog message to chat.
type Announcer interface {
	Announce(ctx context.Context, key string, data map[string]any)
}

type Collector struct {
	listener  Listener
	announcer Announcer
	logger    *zap.Logger
	wait      func(ctx context.Context, d time.Duration) error

	rndM sync.Mutex
	rnd  *rand.Rand
}

type Option func(*Collector)

// WithSeed makes the no-vote fallback reproducible.
func WithSeed(seed uint64) Option {
	return func(c *Collector) { c.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWait replaces the window timer.
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Collector) {
		if fn != nil {
			c.wait = fn
		}
	}
}

func NewCollector(l Listener, a Announcer, opts ...Option) *Collector {
	c := &Collector{
		listener:  l,
		announcer: a,
		logger:    zap.NewNop(),
		wait:      sleepWithContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rnd == nil {
		now := uint64(time.Now().UnixNano())
		c.rnd = rand.New(rand.NewPCG(now, now>>1))
	}
	return c
}

// Collect opens a vote of length window and returns the selected move in SAN.
// With no valid votes a uniformly random legal move is chosen.
func (c *Collector) Collect(ctx context.Context, pos Position, window time.Duration) (string, error) {
	legal := append([]string(nil), pos.LegalMoves()...)
	if len(legal) == 0 {
		return "", ErrNoLegalMoves
	}
	sort.Strings(legal)

	tally := NewTally(legal)
	c.announce(ctx, "vote.open", map[string]any{"Seconds": int(window.Round(time.Second) / time.Second)})

	id := c.listener.OnMessage(func(msg *twitch.Message) {
		if msg == nil {
			return
		}
		if tally.Add(msg.Sender, msg.Text) {
			c.logger.Debug("vote_counted", zap.String("voter", msg.Sender), zap.String("move", strings.TrimSpace(msg.Text)))
		}
	})
	err := c.wait(ctx, window)
	c.listener.RemoveMessageCallback(id)
	if err != nil {
		return "", err
	}

	if move, ok := tally.Winner(); ok {
		c.logger.Info("vote_closed", zap.String("move", move), zap.Int("votes", tally.Total()))
		c.announce(ctx, "vote.selected", map[string]any{"Move": move})
		return move, nil
	}
	c.rndM.Lock()
	move := legal[c.rnd.IntN(len(legal))]
	c.rndM.Unlock()
	c.logger.Info("vote_closed_random", zap.String("move", move))
	c.announce(ctx, "vote.random", map[string]any{"Move": move})
	return move, nil
}

func (c *Collector) announce(ctx context.Context, key string, data map[string]any) {
	if c.announcer != nil {
		c.announcer.Announce(ctx, key, data)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
