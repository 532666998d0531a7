package stats

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			twitch_username TEXT PRIMARY KEY,
			games INTEGER NOT NULL DEFAULT 0,
			won INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS games (
			game_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			requester TEXT NOT NULL,
			opponent TEXT NOT NULL,
			bot_color TEXT NOT NULL,
			result TEXT NOT NULL,
			status TEXT NOT NULL,
			moves_uci TEXT NOT NULL,
			moves_san TEXT NOT NULL,
			pgn TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
	},
	addGame: `INSERT INTO users (twitch_username, games, won) VALUES (?, 1, ?)
		ON CONFLICT (twitch_username) DO UPDATE SET games = users.games + 1, won = users.won + excluded.won`,
	getUser: `SELECT games, won,
		(SELECT COUNT(*) + 1 FROM users AS u WHERE u.won > users.won)
		FROM users WHERE twitch_username = ?`,
	count: `SELECT COUNT(*) FROM users`,
	saveGame: `INSERT INTO games (
			game_id, session_id, requester, opponent, bot_color, result, status,
			moves_uci, moves_san, pgn, started_at, ended_at, duration_ms
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (game_id) DO UPDATE SET
			result=excluded.result,
			status=excluded.status,
			moves_uci=excluded.moves_uci,
			moves_san=excluded.moves_san,
			pgn=excluded.pgn,
			ended_at=excluded.ended_at,
			duration_ms=excluded.duration_ms`,
}

// SQLiteStore is the default file-backed store (user_database.db).
type SQLiteStore struct {
	*sqlStore
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}
