package stats

import (
	"context"
	"sync"
)

type memUser struct {
	games int
	won   int
}

// MemoryStore keeps everything in process memory. Used by tests and STATS_BACKEND=memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*memUser
	games []GameRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memUser)}
}

func (m *MemoryStore) AddGame(ctx context.Context, user string, won bool) error {
	key := normalizeUser(user)
	if key == "" {
		return ErrEmptyUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		u = &memUser{}
		m.users[key] = u
	}
	u.games++
	if won {
		u.won++
	}
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, user string) (UserStats, error) {
	key := normalizeUser(user)
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[key]
	if !ok {
		return unknownUser(key), nil
	}
	higher := 0
	for _, other := range m.users {
		if other.won > u.won {
			higher++
		}
	}
	return UserStats{User: key, Games: u.games, Won: u.won, Rank: higher + 1, Total: len(m.users)}, nil
}

func (m *MemoryStore) SaveGame(ctx context.Context, rec GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.games {
		if m.games[i].GameID == rec.GameID {
			m.games[i] = rec
			return nil
		}
	}
	m.games = append(m.games, rec)
	return nil
}

// Games returns archived records in insertion order.
func (m *MemoryStore) Games() []GameRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]GameRecord(nil), m.games...)
}

func (m *MemoryStore) Close() error { return nil }
