package relay

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathduel/mathduel/pkg/ws"
)

func waitExpired(t *testing.T, ch <-chan *Challenge) *Challenge {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never ran")
		return nil
	}
}

func TestChallengeExpiresExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	expired := make(chan *Challenge, 2)
	book := newChallengeBook(time.Minute, clock, func(ch *Challenge) { expired <- ch }, zerolog.Nop())

	ch := book.Create(Player{ID: "a"}, Player{ID: "b"}, ws.DifficultyEasy)
	assert.Equal(t, 60, ch.ExpiresIn)
	assert.True(t, book.Pending(ch.ID))

	clock.BlockUntil(1) // expiry watch armed
	clock.Advance(time.Minute)

	got := waitExpired(t, expired)
	assert.Equal(t, ch.ID, got.ID)
	assert.False(t, book.Pending(ch.ID))
	assert.Nil(t, book.Take(ch.ID), "expired challenge cannot be taken")

	select {
	case <-expired:
		t.Fatal("expiry fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChallengeTakeCancelsExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	expired := make(chan *Challenge, 1)
	book := newChallengeBook(time.Minute, clock, func(ch *Challenge) { expired <- ch }, zerolog.Nop())

	ch := book.Create(Player{ID: "a"}, Player{ID: "b"}, ws.DifficultyHard)
	clock.BlockUntil(1)

	taken := book.Take(ch.ID)
	require.NotNil(t, taken)
	assert.Equal(t, ch.ID, taken.ID)
	assert.Nil(t, book.Take(ch.ID), "a challenge resolves exactly once")

	clock.Advance(time.Minute)
	select {
	case <-expired:
		t.Fatal("expiry ran for a resolved challenge")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChallengeTakeByPlayer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	book := newChallengeBook(time.Minute, clock, func(*Challenge) {}, zerolog.Nop())

	sent := book.Create(Player{ID: "a"}, Player{ID: "b"}, ws.DifficultyEasy)
	received := book.Create(Player{ID: "c"}, Player{ID: "a"}, ws.DifficultyEasy)
	unrelated := book.Create(Player{ID: "c"}, Player{ID: "d"}, ws.DifficultyEasy)

	taken := book.TakeByPlayer("a")
	assert.Len(t, taken, 2, "both directions resolve on departure")

	ids := map[string]bool{}
	for _, ch := range taken {
		ids[ch.ID] = true
	}
	assert.True(t, ids[sent.ID])
	assert.True(t, ids[received.ID])
	assert.True(t, book.Pending(unrelated.ID), "challenges between other players stay pending")
}

func TestChallengeUnknownTake(t *testing.T) {
	book := newChallengeBook(time.Minute, clockwork.NewFakeClock(), func(*Challenge) {}, zerolog.Nop())
	assert.Nil(t, book.Take("nope"))
	assert.Empty(t, book.TakeByPlayer("nobody"))
}
