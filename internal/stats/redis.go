package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "votechess:stats"

// RedisStore keeps wins in a sorted set (rank = ZCOUNT above own score) and games in a hash.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func OpenRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb), nil
}

func (s *RedisStore) keyWon() string   { return redisKeyPrefix + ":won" }
func (s *RedisStore) keyGames() string { return redisKeyPrefix + ":games" }

func (s *RedisStore) AddGame(ctx context.Context, user string, won bool) error {
	key := normalizeUser(user)
	if key == "" {
		return ErrEmptyUser
	}
	inc := 0.0
	if won {
		inc = 1
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, s.keyGames(), key, 1)
		// ZINCRBY 0 still adds the member so it counts toward the total
		p.ZIncrBy(ctx, s.keyWon(), inc, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis add game: %w", err)
	}
	return nil
}

func (s *RedisStore) GetUser(ctx context.Context, user string) (UserStats, error) {
	key := normalizeUser(user)
	games, err := s.rdb.HGet(ctx, s.keyGames(), key).Int()
	if errors.Is(err, redis.Nil) {
		return unknownUser(key), nil
	}
	if err != nil {
		return UserStats{}, fmt.Errorf("redis get games: %w", err)
	}
	won, err := s.rdb.ZScore(ctx, s.keyWon(), key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return UserStats{}, fmt.Errorf("redis get won: %w", err)
	}
	higher, err := s.rdb.ZCount(ctx, s.keyWon(), "("+strconv.FormatFloat(won, 'f', -1, 64), "+inf").Result()
	if err != nil {
		return UserStats{}, fmt.Errorf("redis rank: %w", err)
	}
	total, err := s.rdb.ZCard(ctx, s.keyWon()).Result()
	if err != nil {
		return UserStats{}, fmt.Errorf("redis count users: %w", err)
	}
	return UserStats{User: key, Games: games, Won: int(won), Rank: int(higher) + 1, Total: int(total)}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
