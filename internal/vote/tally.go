package vote

import (
	"strings"
	"sync"
)

// Tally counts one vote per voter over a fixed set of legal moves.
type Tally struct {
	mu     sync.Mutex
	legal  map[string]struct{}
	counts map[string]int
	voters map[string]struct{}
	order  []string
}

func NewTally(legal []string) *Tally {
	t := &Tally{
		legal:  make(map[string]struct{}, len(legal)),
		counts: make(map[string]int),
		voters: make(map[string]struct{}),
	}
	for _, m := range legal {
		t.legal[m] = struct{}{}
	}
	return t
}

// Add counts text as voter's vote if it is exactly a legal move and voter has not voted yet.
func (t *Tally) Add(voter, text string) bool {
	voter = strings.ToLower(strings.TrimSpace(voter))
	move := strings.TrimSpace(text)
	if voter == "" {
		return false
	}
	if _, ok := t.legal[move]; !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, voted := t.voters[voter]; voted {
		return false
	}
	t.voters[voter] = struct{}{}
	if t.counts[move] == 0 {
		t.order = append(t.order, move)
	}
	t.counts[move]++
	return true
}

// Winner returns the most voted move; ties go to the move voted first.
func (t *Tally) Winner() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	best, bestCount := "", 0
	for _, m := range t.order {
		if n := t.counts[m]; n > bestCount {
			best, bestCount = m, n
		}
	}
	return best, bestCount > 0
}

func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voters)
}

func (t *Tally) Count(move string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[move]
}
