package match

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/msgcat"
	"github.com/park285/Cheese-Twitch-bot/internal/twitch"
	"github.com/park285/Cheese-Twitch-bot/internal/vote"
)

type fakeChat struct {
	mu     sync.Mutex
	sent   []string
	cbs    map[int]twitch.MessageCallback
	nextID int
}

func newFakeChat() *fakeChat {
	return &fakeChat{cbs: make(map[int]twitch.MessageCallback)}
}

func (c *fakeChat) SendMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChat) OnMessage(cb twitch.MessageCallback) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.cbs[c.nextID] = cb
	return c.nextID
}

func (c *fakeChat) RemoveMessageCallback(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cbs, id)
}

func (c *fakeChat) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChat) has(text string) bool {
	return slices.Contains(c.messages(), text)
}

func (c *fakeChat) count(text string) int {
	n := 0
	for _, m := range c.messages() {
		if m == text {
			n++
		}
	}
	return n
}

type fakeGameStream struct {
	events    chan lichess.GameEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeGameStream(events ...lichess.GameEvent) *fakeGameStream {
	s := &fakeGameStream{events: make(chan lichess.GameEvent, len(events)+8), closed: make(chan struct{})}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

func (s *fakeGameStream) Next(ctx context.Context) (lichess.GameEvent, error) {
	select {
	case <-ctx.Done():
		return lichess.GameEvent{}, ctx.Err()
	case <-s.closed:
		return lichess.GameEvent{}, lichess.ErrStreamClosed
	case ev, ok := <-s.events:
		if !ok {
			return lichess.GameEvent{}, io.EOF
		}
		return ev, nil
	}
}

func (s *fakeGameStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeEventStream struct {
	events chan lichess.Event
}

func (s *fakeEventStream) Next(ctx context.Context) (lichess.Event, error) {
	select {
	case <-ctx.Done():
		return lichess.Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return lichess.Event{}, io.EOF
		}
		return ev, nil
	}
}

func (s *fakeEventStream) Close() error { return nil }

type fakeServer struct {
	mu         sync.Mutex
	rejections map[string]error
	challenged []string
	nextID     int
	games      map[string]*fakeGameStream
	opened     []string
	submitted  []string
	failSubmit int
	incoming   *fakeEventStream
}

func newFakeServer() *fakeServer {
	return &fakeServer{rejections: make(map[string]error), games: make(map[string]*fakeGameStream)}
}

func (s *fakeServer) reject(opponent string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[opponent] = err
}

// setGame installs the stream served for gameID.
func (s *fakeServer) setGame(gameID string, events ...lichess.GameEvent) *fakeGameStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := newFakeGameStream(events...)
	s.games[gameID] = st
	return st
}

func (s *fakeServer) CreateChallenge(_ context.Context, opponent string, _ lichess.ChallengeOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenged = append(s.challenged, opponent)
	if err, ok := s.rejections[opponent]; ok {
		return "", err
	}
	s.nextID++
	return fmt.Sprintf("ch%d", s.nextID), nil
}

func (s *fakeServer) StreamIncomingEvents(context.Context) (lichess.EventStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return nil, fmt.Errorf("no incoming stream")
	}
	return s.incoming, nil
}

func (s *fakeServer) StreamGameEvents(_ context.Context, gameID string) (lichess.GameStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, gameID)
	st, ok := s.games[gameID]
	if !ok {
		st = newFakeGameStream()
		s.games[gameID] = st
	}
	return st, nil
}

func (s *fakeServer) SubmitMove(_ context.Context, _ string, uci string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubmit > 0 {
		s.failSubmit--
		return &lichess.APIError{Status: 400, Message: "Not your turn, or game already over"}
	}
	s.submitted = append(s.submitted, uci)
	return nil
}

func (s *fakeServer) challenges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.challenged...)
}

func (s *fakeServer) moves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func (s *fakeServer) openedStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// scriptedVoter plays the scripted moves in order, falling back to the first legal move.
// Scripted moves may omit the check suffix.
type scriptedVoter struct {
	mu     sync.Mutex
	script []string
	calls  int
	err    error
}

func (v *scriptedVoter) Collect(_ context.Context, pos vote.Position, _ time.Duration) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return "", v.err
	}
	legal := pos.LegalMoves()
	if len(v.script) > 0 {
		move := v.script[0]
		v.script = v.script[1:]
		for _, l := range legal {
			if l == move || strings.TrimRight(l, "+#") == move {
				return l, nil
			}
		}
		return "", fmt.Errorf("scripted move %s is not legal", move)
	}
	if len(legal) == 0 {
		return "", vote.ErrNoLegalMoves
	}
	return legal[0], nil
}

func (v *scriptedVoter) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCatalog(t *testing.T) *msgcat.Catalog {
	t.Helper()
	c, err := msgcat.New("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func gameFull(moves, status string) lichess.GameEvent {
	return lichess.GameEvent{Type: lichess.GameEventFull, State: &lichess.GameState{Moves: moves, Status: status}}
}

func gameState(moves, status, winner string) lichess.GameEvent {
	return lichess.GameEvent{Type: lichess.GameEventState, Moves: moves, Status: status, Winner: winner}
}
