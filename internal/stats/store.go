// Package stats keeps per-challenger game counts and win ranks, and archives finished games.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEmptyUser = errors.New("stats: empty user")

// UserStats is one challenger's record. Rank is 1 + the number of users with strictly more wins.
type UserStats struct {
	User  string
	Games int
	Won   int
	Rank  int
	Total int
}

func (s UserStats) RankLabel() string {
	return fmt.Sprintf("%d/%d", s.Rank, s.Total)
}

// unknownUser mirrors the historical answer for users without games: 0 games, rank 1/1.
func unknownUser(user string) UserStats {
	return UserStats{User: user, Rank: 1, Total: 1}
}

type Store interface {
	AddGame(ctx context.Context, user string, won bool) error
	GetUser(ctx context.Context, user string) (UserStats, error)
	Close() error
}

// GameRecord is a finished game as archived. Result is "white", "black", "draw" or "" when undecided.
type GameRecord struct {
	GameID    string
	SessionID string
	Requester string
	Opponent  string
	BotColor  string
	Result    string
	Status    string
	MovesUCI  []string
	MovesSAN  []string
	StartedAt time.Time
	EndedAt   time.Time
}

type Archiver interface {
	SaveGame(ctx context.Context, rec GameRecord) error
}

func normalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

type Options struct {
	Backend     string
	Path        string
	DatabaseURL string
	RedisURL    string
}

// Open builds the configured backend: sqlite (default), postgres, redis or memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "sqlite":
		s, err = OpenSQLite(ctx, opts.Path)
	case "postgres":
		s, err = OpenPostgres(ctx, opts.DatabaseURL)
	case "redis":
		s, err = OpenRedis(ctx, opts.RedisURL)
	case "memory":
		s = NewMemoryStore()
	default:
		err = fmt.Errorf("stats: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
