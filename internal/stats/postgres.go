package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS vote_chess_users (
			twitch_username TEXT PRIMARY KEY,
			games INTEGER NOT NULL DEFAULT 0,
			won INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS vote_chess_games (
			game_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			requester TEXT NOT NULL,
			opponent TEXT NOT NULL,
			bot_color TEXT NOT NULL,
			result TEXT NOT NULL,
			status TEXT NOT NULL,
			moves_uci JSONB NOT NULL,
			moves_san JSONB NOT NULL,
			pgn TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL
		)`,
	},
	addGame: `INSERT INTO vote_chess_users (twitch_username, games, won) VALUES ($1, 1, $2)
		ON CONFLICT (twitch_username) DO UPDATE SET
			games = vote_chess_users.games + 1,
			won = vote_chess_users.won + EXCLUDED.won`,
	getUser: `SELECT games, won,
		(SELECT COUNT(*) + 1 FROM vote_chess_users AS u WHERE u.won > vote_chess_users.won)
		FROM vote_chess_users WHERE twitch_username = $1`,
	count: `SELECT COUNT(*) FROM vote_chess_users`,
	saveGame: `INSERT INTO vote_chess_games (
			game_id, session_id, requester, opponent, bot_color, result, status,
			moves_uci, moves_san, pgn, started_at, ended_at, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (game_id) DO UPDATE SET
			result=EXCLUDED.result,
			status=EXCLUDED.status,
			moves_uci=EXCLUDED.moves_uci,
			moves_san=EXCLUDED.moves_san,
			pgn=EXCLUDED.pgn,
			ended_at=EXCLUDED.ended_at,
			duration_ms=EXCLUDED.duration_ms`,
}

type PostgresStore struct {
	*sqlStore
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}
