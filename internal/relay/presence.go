package relay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

const (
	presenceOnlineKey  = "presence:online"
	presenceLookingKey = "presence:looking"

	mirrorTimeout = 2 * time.Second
)

// lookingIntent is one player's broadcast "looking for a game" state, with
// the friend set they asked to be announced to.
type lookingIntent struct {
	Player     Player
	Difficulty ws.Difficulty
	FriendIDs  []string
}

// presenceRegistry tracks who is online and who is looking for a game. The
// in-memory maps are authoritative; Redis holds a best-effort mirror so
// presence survives for dashboards and debugging, never for correctness.
type presenceRegistry struct {
	rdb    *redis.Client
	logger zerolog.Logger

	mu      sync.Mutex
	online  map[string]Player
	looking map[string]lookingIntent
}

func newPresenceRegistry(rdb *redis.Client, logger zerolog.Logger) *presenceRegistry {
	return &presenceRegistry{
		rdb:     rdb,
		logger:  logger.With().Str("component", "presence").Logger(),
		online:  make(map[string]Player),
		looking: make(map[string]lookingIntent),
	}
}

func (p *presenceRegistry) setOnline(player Player) {
	p.mu.Lock()
	p.online[player.ID] = player
	p.mu.Unlock()

	p.mirror("set online", func(ctx context.Context) error {
		return p.rdb.SAdd(ctx, presenceOnlineKey, player.ID).Err()
	})
}

// setOffline clears a player's presence. It returns the looking intent the
// player held, if any, so the caller can announce friend-stopped-looking.
func (p *presenceRegistry) setOffline(playerID string) (lookingIntent, bool) {
	p.mu.Lock()
	intent, wasLooking := p.looking[playerID]
	delete(p.looking, playerID)
	delete(p.online, playerID)
	p.mu.Unlock()

	p.mirror("set offline", func(ctx context.Context) error {
		if err := p.rdb.SRem(ctx, presenceOnlineKey, playerID).Err(); err != nil {
			return err
		}
		return p.rdb.HDel(ctx, presenceLookingKey, playerID).Err()
	})

	return intent, wasLooking
}

func (p *presenceRegistry) startLooking(player Player, difficulty ws.Difficulty, friendIDs []string) {
	p.mu.Lock()
	p.looking[player.ID] = lookingIntent{
		Player:     player,
		Difficulty: difficulty,
		FriendIDs:  append([]string(nil), friendIDs...),
	}
	p.mu.Unlock()

	p.mirror("start looking", func(ctx context.Context) error {
		return p.rdb.HSet(ctx, presenceLookingKey, player.ID, string(difficulty)).Err()
	})
}

// stopLooking withdraws a looking intent and returns it so the caller can
// notify the friends it was announced to.
func (p *presenceRegistry) stopLooking(playerID string) (lookingIntent, bool) {
	p.mu.Lock()
	intent, ok := p.looking[playerID]
	delete(p.looking, playerID)
	p.mu.Unlock()

	if !ok {
		return lookingIntent{}, false
	}

	p.mirror("stop looking", func(ctx context.Context) error {
		return p.rdb.HDel(ctx, presenceLookingKey, playerID).Err()
	})

	return intent, true
}

// onlineAmong filters a friend-id set down to the ids currently online.
func (p *presenceRegistry) onlineAmong(friendIDs []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(friendIDs))
	for _, id := range friendIDs {
		if _, ok := p.online[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// lookingAmong returns the members of a friend-id set currently looking for
// a game.
func (p *presenceRegistry) lookingAmong(friendIDs []string) []ws.LookingFriend {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ws.LookingFriend, 0)
	for _, id := range friendIDs {
		if intent, ok := p.looking[id]; ok {
			out = append(out, ws.LookingFriend{
				ID:         intent.Player.ID,
				Name:       intent.Player.Name,
				Difficulty: intent.Difficulty,
			})
		}
	}
	return out
}

func (p *presenceRegistry) isOnline(playerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[playerID]
	return ok
}

// mirror applies a Redis update with a short deadline. Failures are logged
// and swallowed; the mirror is never load-bearing.
func (p *presenceRegistry) mirror(op string, fn func(context.Context) error) {
	if p.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		p.logger.Warn().Err(err).Str("op", op).Msg("presence mirror update failed")
	}
}
