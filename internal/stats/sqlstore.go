package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// dialect holds the statements that differ between SQLite and Postgres.
type dialect struct {
	name     string
	schema   []string
	addGame  string
	getUser  string
	count    string
	saveGame string
}

// sqlStore backs both the SQLite and the Postgres stores.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return &sqlStore{db: db, d: d}, nil
}

func (s *sqlStore) AddGame(ctx context.Context, user string, won bool) error {
	key := normalizeUser(user)
	if key == "" {
		return ErrEmptyUser
	}
	w := 0
	if won {
		w = 1
	}
	if _, err := s.db.ExecContext(ctx, s.d.addGame, key, w); err != nil {
		return fmt.Errorf("%s add game: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) GetUser(ctx context.Context, user string) (UserStats, error) {
	key := normalizeUser(user)
	st := UserStats{User: key}
	err := s.db.QueryRowContext(ctx, s.d.getUser, key).Scan(&st.Games, &st.Won, &st.Rank)
	if errors.Is(err, sql.ErrNoRows) {
		return unknownUser(key), nil
	}
	if err != nil {
		return UserStats{}, fmt.Errorf("%s get user: %w", s.d.name, err)
	}
	if err := s.db.QueryRowContext(ctx, s.d.count).Scan(&st.Total); err != nil {
		return UserStats{}, fmt.Errorf("%s count users: %w", s.d.name, err)
	}
	return st, nil
}

// SaveGame upserts the archive row for rec.GameID.
func (s *sqlStore) SaveGame(ctx context.Context, rec GameRecord) error {
	if strings.TrimSpace(rec.GameID) == "" {
		return errors.New("save game: empty game id")
	}
	movesUCI, _ := json.Marshal(nonNil(rec.MovesUCI))
	movesSAN, _ := json.Marshal(nonNil(rec.MovesSAN))
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err := s.db.ExecContext(ctx, s.d.saveGame,
		rec.GameID, rec.SessionID,
		normalizeUser(rec.Requester), rec.Opponent, rec.BotColor,
		rec.Result, rec.Status,
		string(movesUCI), string(movesSAN), BuildPGN(rec),
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), duration,
	)
	if err != nil {
		return fmt.Errorf("%s save game: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
