package duel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// PresenceTracker mirrors which friends are online and which are looking for
// a game. The view is eventually consistent: a periodic poll refreshes the
// whole set and server pushes patch it in between. Duplicate pushes are
// no-ops.
type PresenceTracker struct {
	c      *Client
	logger zerolog.Logger

	mu          sync.Mutex
	online      map[string]struct{}
	looking     map[string]ws.LookingFriend
	lookingSelf bool
	difficulty  ws.Difficulty
	polling     bool
	pollStop    chan struct{}
}

func newPresenceTracker(c *Client) *PresenceTracker {
	t := &PresenceTracker{
		c:       c,
		logger:  c.logger.With().Str("component", "presence").Logger(),
		online:  make(map[string]struct{}),
		looking: make(map[string]ws.LookingFriend),
	}
	c.dispatcher.Subscribe(ws.TypeFriendsStatus, t.onFriendsStatus)
	c.dispatcher.Subscribe(ws.TypeAvailableFriendsUpdate, t.onAvailableFriends)
	c.dispatcher.Subscribe(ws.TypeFriendStartedLooking, t.onFriendStartedLooking)
	c.dispatcher.Subscribe(ws.TypeFriendStoppedLooking, t.onFriendStoppedLooking)
	c.dispatcher.Subscribe(EventConnectionLost, t.onConnectionLost)
	c.dispatcher.Subscribe(EventConnectionRestored, t.onConnectionRestored)
	return t
}

// PollStatus requests online status for a friend-id set. The reply lands
// asynchronously as a friends-status event.
func (t *PresenceTracker) PollStatus(friendIDs []string) error {
	return t.c.send(ws.TypeGetFriendsStatus, ws.GetFriendsStatusPayload{FriendIDs: friendIDs})
}

// StartPolling refreshes presence on the configured interval using the
// profile store's current friend list. Requires a profile store.
func (t *PresenceTracker) StartPolling() error {
	if t.c.cfg.Profile == nil {
		return errors.New("presence polling requires a profile store")
	}

	t.mu.Lock()
	if t.polling {
		t.mu.Unlock()
		return nil
	}
	t.polling = true
	stop := make(chan struct{})
	t.pollStop = stop
	t.mu.Unlock()

	go t.pollLoop(stop)
	return nil
}

// StopPolling cancels the poll loop.
func (t *PresenceTracker) StopPolling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.polling {
		return
	}
	t.polling = false
	close(t.pollStop)
	t.pollStop = nil
}

func (t *PresenceTracker) pollLoop(stop chan struct{}) {
	t.pollOnce()

	ticker := t.c.clock.NewTicker(t.c.cfg.PresencePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			t.pollOnce()
		case <-stop:
			return
		}
	}
}

func (t *PresenceTracker) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	friendIDs, err := t.c.cfg.Profile.FriendIDs(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("friend list read failed")
		return
	}
	if len(friendIDs) == 0 {
		return
	}
	if err := t.PollStatus(friendIDs); err != nil {
		t.logger.Warn().Err(err).Msg("presence poll failed")
	}
}

// StartLooking broadcasts "looking for a game" intent to the given friends.
func (t *PresenceTracker) StartLooking(difficulty ws.Difficulty, friendIDs []string) error {
	if !difficulty.Valid() {
		return errors.New("unknown difficulty")
	}
	if err := t.c.send(ws.TypeStartLookingForGame, ws.StartLookingPayload{
		Difficulty: difficulty,
		FriendIDs:  friendIDs,
	}); err != nil {
		return err
	}

	t.mu.Lock()
	t.lookingSelf = true
	t.difficulty = difficulty
	t.mu.Unlock()

	t.logger.Info().Str("difficulty", string(difficulty)).Msg("started looking for game")
	return nil
}

// StopLooking withdraws the intent. Fire-and-forget: local state clears even
// if the send fails; the server notices departures via the transport anyway.
func (t *PresenceTracker) StopLooking() {
	t.mu.Lock()
	wasLooking := t.lookingSelf
	t.lookingSelf = false
	t.mu.Unlock()

	if !wasLooking {
		return
	}
	if err := t.c.send(ws.TypeStopLookingForGame, nil); err != nil {
		t.logger.Warn().Err(err).Msg("stop-looking send failed")
	}
	t.logger.Info().Msg("stopped looking for game")
}

// Looking reports whether this player is broadcasting intent.
func (t *PresenceTracker) Looking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookingSelf
}

// OnlineFriends returns the known-online friend ids, sorted.
func (t *PresenceTracker) OnlineFriends() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LookingFriends returns friends currently looking for a game, sorted by id.
func (t *PresenceTracker) LookingFriends() []ws.LookingFriend {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ws.LookingFriend, 0, len(t.looking))
	for _, f := range t.looking {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *PresenceTracker) onFriendsStatus(payload json.RawMessage) {
	var p ws.FriendsStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Warn().Err(err).Msg("malformed friends-status payload")
		return
	}

	online := make(map[string]struct{}, len(p.OnlineFriends))
	for _, id := range p.OnlineFriends {
		online[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

func (t *PresenceTracker) onAvailableFriends(payload json.RawMessage) {
	var p ws.AvailableFriendsUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Warn().Err(err).Msg("malformed available-friends-update payload")
		return
	}

	looking := make(map[string]ws.LookingFriend, len(p.Friends))
	for _, f := range p.Friends {
		looking[f.ID] = f
	}

	t.mu.Lock()
	t.looking = looking
	t.mu.Unlock()
}

func (t *PresenceTracker) onFriendStartedLooking(payload json.RawMessage) {
	var p ws.FriendStartedLookingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Warn().Err(err).Msg("malformed friend-started-looking payload")
		return
	}

	t.mu.Lock()
	t.looking[p.Friend.ID] = p.Friend
	t.online[p.Friend.ID] = struct{}{} // looking implies online
	t.mu.Unlock()
}

func (t *PresenceTracker) onFriendStoppedLooking(payload json.RawMessage) {
	var p ws.FriendStoppedLookingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Warn().Err(err).Msg("malformed friend-stopped-looking payload")
		return
	}

	t.mu.Lock()
	delete(t.looking, p.FriendID)
	t.mu.Unlock()
}

// onConnectionLost drops the whole view; the server forgot us too.
func (t *PresenceTracker) onConnectionLost(json.RawMessage) {
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.looking = make(map[string]ws.LookingFriend)
	t.lookingSelf = false
	t.mu.Unlock()
}

// onConnectionRestored refreshes eagerly instead of waiting a full interval.
func (t *PresenceTracker) onConnectionRestored(json.RawMessage) {
	t.mu.Lock()
	polling := t.polling
	t.mu.Unlock()
	if polling {
		go t.pollOnce()
	}
}
