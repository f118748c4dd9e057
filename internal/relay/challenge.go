package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// Challenge is one pending friend challenge. It resolves exactly once:
// accept, decline, expiry, and disconnect cleanup all race for the same
// Take, and the losers see nil.
type Challenge struct {
	ID         string
	From       Player
	To         Player
	Difficulty ws.Difficulty
	ExpiresIn  int // seconds, assigned by the server

	done chan struct{}
}

// challengeBook tracks pending challenges and arms one expiry timer per
// challenge. onExpire runs on the timer goroutine after the challenge has
// been removed from the book.
type challengeBook struct {
	expiry   time.Duration
	clock    clockwork.Clock
	onExpire func(*Challenge)
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Challenge
}

func newChallengeBook(expiry time.Duration, clock clockwork.Clock, onExpire func(*Challenge), logger zerolog.Logger) *challengeBook {
	return &challengeBook{
		expiry:   expiry,
		clock:    clock,
		onExpire: onExpire,
		logger:   logger.With().Str("component", "challenges").Logger(),
		pending:  make(map[string]*Challenge),
	}
}

// Create registers a challenge and starts its expiry watch.
func (b *challengeBook) Create(from, to Player, difficulty ws.Difficulty) *Challenge {
	ch := &Challenge{
		ID:         uuid.NewString(),
		From:       from,
		To:         to,
		Difficulty: difficulty,
		ExpiresIn:  int(b.expiry.Seconds()),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[ch.ID] = ch
	b.mu.Unlock()

	go b.watch(ch)

	b.logger.Info().
		Str("challenge_id", ch.ID).
		Str("from", from.ID).
		Str("to", to.ID).
		Str("difficulty", string(difficulty)).
		Msg("challenge created")
	return ch
}

// Take resolves a pending challenge and cancels its expiry. It returns nil
// when the id is unknown or the challenge already resolved.
func (b *challengeBook) Take(id string) *Challenge {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	close(ch.done)
	return ch
}

// TakeByPlayer resolves every pending challenge the player sent or received.
// Used on disconnect; the caller notifies the surviving parties.
func (b *challengeBook) TakeByPlayer(playerID string) []*Challenge {
	b.mu.Lock()
	defer b.mu.Unlock()

	var taken []*Challenge
	for id, ch := range b.pending {
		if ch.From.ID == playerID || ch.To.ID == playerID {
			delete(b.pending, id)
			close(ch.done)
			taken = append(taken, ch)
		}
	}
	return taken
}

// Pending reports whether a challenge id is still unresolved.
func (b *challengeBook) Pending(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

func (b *challengeBook) watch(ch *Challenge) {
	timer := b.clock.NewTimer(b.expiry)

	select {
	case <-timer.Chan():
		b.mu.Lock()
		_, stillPending := b.pending[ch.ID]
		if stillPending {
			delete(b.pending, ch.ID)
			close(ch.done)
		}
		b.mu.Unlock()

		if stillPending {
			b.logger.Info().Str("challenge_id", ch.ID).Msg("challenge expired")
			b.onExpire(ch)
		}
	case <-ch.done:
		stopAndDrainTimer(timer)
	}
}

// stopAndDrainTimer stops a timer and drains a fire that raced the stop, per
// the time.Timer.Stop contract.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
