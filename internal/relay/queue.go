package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// ErrAlreadyQueued rejects a second join-matchmaking while one is pending.
var ErrAlreadyQueued = errors.New("player already queued")

type waitingPlayer struct {
	player   Player
	queuedAt time.Time
}

// matchQueue holds players waiting for an anonymous opponent, one FIFO line
// per difficulty. Lines never mix: an easy player waits forever rather than
// meet a hard one.
type matchQueue struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	waiting map[ws.Difficulty][]waitingPlayer
	byID    map[string]ws.Difficulty
}

func newMatchQueue(clock clockwork.Clock, logger zerolog.Logger) *matchQueue {
	return &matchQueue{
		clock:   clock,
		logger:  logger.With().Str("component", "queue").Logger(),
		waiting: make(map[ws.Difficulty][]waitingPlayer),
		byID:    make(map[string]ws.Difficulty),
	}
}

// Join pairs the player with the longest-waiting opponent at the same
// difficulty. It returns the opponent when a pairing happened, nil when the
// player was enqueued to wait.
func (q *matchQueue) Join(p Player, difficulty ws.Difficulty) (*Player, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.byID[p.ID]; queued {
		return nil, ErrAlreadyQueued
	}

	line := q.waiting[difficulty]
	if len(line) > 0 {
		head := line[0]
		q.waiting[difficulty] = line[1:]
		delete(q.byID, head.player.ID)

		q.logger.Info().
			Str("player_id", p.ID).
			Str("opponent_id", head.player.ID).
			Str("difficulty", string(difficulty)).
			Dur("opponent_waited", q.clock.Since(head.queuedAt)).
			Msg("queue pairing")
		return &head.player, nil
	}

	q.waiting[difficulty] = append(line, waitingPlayer{player: p, queuedAt: q.clock.Now()})
	q.byID[p.ID] = difficulty

	q.logger.Info().
		Str("player_id", p.ID).
		Str("difficulty", string(difficulty)).
		Msg("player enqueued")
	return nil, nil
}

// Leave removes a player from whatever line they wait in. It reports whether
// the player was queued at all, so callers can distinguish a real departure
// from a leave racing a pairing that already happened.
func (q *matchQueue) Leave(playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	difficulty, queued := q.byID[playerID]
	if !queued {
		return false
	}

	delete(q.byID, playerID)
	line := q.waiting[difficulty]
	for i, w := range line {
		if w.player.ID == playerID {
			q.waiting[difficulty] = append(line[:i], line[i+1:]...)
			break
		}
	}

	q.logger.Info().Str("player_id", playerID).Msg("player dequeued")
	return true
}

// Depth returns the number of players waiting at a difficulty.
func (q *matchQueue) Depth(difficulty ws.Difficulty) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting[difficulty])
}
