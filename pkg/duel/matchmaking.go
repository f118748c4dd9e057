package duel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// QueueState is the matchmaker's local position.
type QueueState int

const (
	QueueIdle QueueState = iota
	QueueWaiting
)

// Matchmaker joins and leaves the anonymous difficulty-scoped queue. Leaving
// flips the local state back to idle so a match-found racing the departure
// is ignored instead of silently starting an unwanted match.
type Matchmaker struct {
	c      *Client
	logger zerolog.Logger

	mu         sync.Mutex
	state      QueueState
	difficulty ws.Difficulty
}

func newMatchmaker(c *Client) *Matchmaker {
	m := &Matchmaker{
		c:      c,
		logger: c.logger.With().Str("component", "matchmaker").Logger(),
	}
	c.dispatcher.Subscribe(ws.TypeMatchFound, m.onMatchFound)
	c.dispatcher.Subscribe(EventConnectionLost, m.onConnectionLost)
	return m
}

// JoinQueue enqueues the current identity for pairing and returns the
// session that will carry the match.
func (m *Matchmaker) JoinQueue(difficulty ws.Difficulty) (*Session, error) {
	if !difficulty.Valid() {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}
	if err := m.c.acquireFlow(flowQueue); err != nil {
		return nil, err
	}

	s := newSession(m.c)
	m.c.setSession(s)
	s.toMatchmaking()

	// Arm before sending: the pairing notification can arrive on the read
	// pump before this goroutine resumes.
	m.mu.Lock()
	m.state = QueueWaiting
	m.difficulty = difficulty
	m.mu.Unlock()

	if err := m.c.send(ws.TypeJoinMatchmaking, ws.JoinMatchmakingPayload{Difficulty: difficulty}); err != nil {
		m.mu.Lock()
		m.state = QueueIdle
		m.mu.Unlock()
		s.abandon("queue join failed")
		return nil, err
	}

	m.logger.Info().Str("difficulty", string(difficulty)).Msg("joined queue")
	return s, nil
}

// LeaveQueue withdraws from the queue. Fire-and-forget: local state clears
// immediately without waiting for the server.
func (m *Matchmaker) LeaveQueue() {
	m.mu.Lock()
	if m.state != QueueWaiting {
		m.mu.Unlock()
		return
	}
	m.state = QueueIdle
	m.mu.Unlock()

	if err := m.c.send(ws.TypeLeaveMatchmaking, nil); err != nil {
		m.logger.Warn().Err(err).Msg("leave-matchmaking send failed")
	}
	if s := m.c.Session(); s != nil && s.State() == StateMatchmaking {
		s.abandon("left queue")
	}
	m.logger.Info().Msg("left queue")
}

// Waiting reports whether the player is queued.
func (m *Matchmaker) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == QueueWaiting
}

func (m *Matchmaker) onMatchFound(payload json.RawMessage) {
	m.mu.Lock()
	if m.state != QueueWaiting {
		m.mu.Unlock()
		return // left the queue already, or a challenge pairing
	}
	m.state = QueueIdle
	difficulty := m.difficulty
	m.mu.Unlock()

	var p ws.MatchFoundPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.logger.Warn().Err(err).Msg("malformed match-found payload")
		return
	}

	s := m.c.Session()
	if s == nil {
		m.logger.Warn().Str("room_id", p.RoomID).Msg("match-found without a session")
		return
	}
	s.enterRoom(RoomInfo{
		ID:         p.RoomID,
		Opponent:   p.Opponent,
		IsHost:     p.IsHost,
		Difficulty: difficulty,
	})
}

func (m *Matchmaker) onConnectionLost(json.RawMessage) {
	m.mu.Lock()
	m.state = QueueIdle
	m.mu.Unlock()
}
