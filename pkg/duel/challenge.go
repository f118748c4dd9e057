package duel

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// ChallengeStatus is the sender-side lobby position.
type ChallengeStatus int

const (
	ChallengeIdle ChallengeStatus = iota
	ChallengeSent
)

// OutgoingChallenge is a sent challenge's lobby. ID stays empty until the
// server confirms with challenge-lobby-created.
type OutgoingChallenge struct {
	ID         string
	FriendID   string
	FriendName string
	Difficulty ws.Difficulty
	ExpiresIn  int
}

// IncomingChallenge is a pending challenge from a friend.
type IncomingChallenge struct {
	ID         string
	From       ws.PlayerRef
	Difficulty ws.Difficulty
	ExpiresIn  int
}

// Challenges coordinates direct friend challenges on both sides: sending a
// time-boxed lobby, and accepting or declining received ones. A challenge
// resolves exactly once; whatever lands first (accept, decline, expiry)
// wins and later actions on it are rejected.
type Challenges struct {
	c      *Client
	logger zerolog.Logger

	mu                sync.Mutex
	status            ChallengeStatus
	outgoing          *OutgoingChallenge
	pendingAccept     string // challenge id accepted, awaiting match-found
	pendingDifficulty ws.Difficulty
	incoming          map[string]IncomingChallenge
}

func newChallenges(c *Client) *Challenges {
	h := &Challenges{
		c:        c,
		logger:   c.logger.With().Str("component", "challenges").Logger(),
		incoming: make(map[string]IncomingChallenge),
	}
	c.dispatcher.Subscribe(ws.TypeChallengeLobbyCreated, h.onLobbyCreated)
	c.dispatcher.Subscribe(ws.TypeFriendChallengeReceived, h.onChallengeReceived)
	c.dispatcher.Subscribe(ws.TypeChallengeTimeout, h.onChallengeTimeout)
	c.dispatcher.Subscribe(ws.TypeChallengeExpired, h.onChallengeExpired)
	c.dispatcher.Subscribe(ws.TypeMatchFound, h.onMatchFound)
	c.dispatcher.Subscribe(ws.TypeError, h.onServerError)
	c.dispatcher.Subscribe(EventConnectionLost, h.onConnectionLost)
	return h
}

// Send challenges a friend and returns the session that will carry the match
// if they accept. The server assigns the lobby's expiry window.
func (h *Challenges) Send(friendID string, difficulty ws.Difficulty) (*Session, error) {
	if !difficulty.Valid() {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}
	if err := h.c.acquireFlow(flowChallenge); err != nil {
		return nil, err
	}

	s := newSession(h.c)
	h.c.setSession(s)
	s.toChallengeLobby()

	h.mu.Lock()
	h.status = ChallengeSent
	h.outgoing = &OutgoingChallenge{FriendID: friendID, Difficulty: difficulty}
	h.mu.Unlock()

	if err := h.c.send(ws.TypeSendFriendChallenge, ws.SendFriendChallengePayload{
		FriendID:   friendID,
		Difficulty: difficulty,
	}); err != nil {
		h.reset()
		s.abandon("challenge send failed")
		return nil, err
	}

	h.logger.Info().
		Str("friend_id", friendID).
		Str("difficulty", string(difficulty)).
		Msg("challenge sent")
	return s, nil
}

// Accept takes a pending incoming challenge into a match. Pairing arrives as
// a regular match-found, short-circuiting the queue.
func (h *Challenges) Accept(challengeID string) (*Session, error) {
	h.mu.Lock()
	inc, ok := h.incoming[challengeID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChallenge
	}
	if err := h.c.acquireFlow(flowChallenge); err != nil {
		return nil, err
	}

	s := newSession(h.c)
	h.c.setSession(s)
	s.toChallengeLobby()

	h.mu.Lock()
	h.pendingAccept = challengeID
	h.pendingDifficulty = inc.Difficulty
	delete(h.incoming, challengeID)
	h.mu.Unlock()

	if err := h.c.send(ws.TypeAcceptFriendChallenge, ws.AcceptFriendChallengePayload{
		ChallengeID:  challengeID,
		ChallengerID: inc.From.ID,
	}); err != nil {
		h.reset()
		s.abandon("challenge accept failed")
		return nil, err
	}

	h.logger.Info().Str("challenge_id", challengeID).Msg("challenge accepted")
	return s, nil
}

// Decline rejects a pending incoming challenge. The server notifies the
// sender with this player's name.
func (h *Challenges) Decline(challengeID string) error {
	h.mu.Lock()
	inc, ok := h.incoming[challengeID]
	if ok {
		delete(h.incoming, challengeID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownChallenge
	}

	h.logger.Info().Str("challenge_id", challengeID).Msg("challenge declined")
	return h.c.send(ws.TypeDeclineFriendChallenge, ws.DeclineFriendChallengePayload{
		ChallengeID:  challengeID,
		ChallengerID: inc.From.ID,
	})
}

// Outgoing returns the sent challenge's lobby, or nil.
func (h *Challenges) Outgoing() *OutgoingChallenge {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outgoing == nil {
		return nil
	}
	out := *h.outgoing
	return &out
}

// Incoming returns pending received challenges, ordered by id.
func (h *Challenges) Incoming() []IncomingChallenge {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]IncomingChallenge, 0, len(h.incoming))
	for _, inc := range h.incoming {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Challenges) reset() {
	h.mu.Lock()
	h.status = ChallengeIdle
	h.outgoing = nil
	h.pendingAccept = ""
	h.mu.Unlock()
}

func (h *Challenges) onLobbyCreated(payload json.RawMessage) {
	var p ws.ChallengeLobbyCreatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn().Err(err).Msg("malformed challenge-lobby-created payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != ChallengeSent || h.outgoing == nil {
		h.logger.Warn().Str("challenge_id", p.ChallengeID).Msg("lobby created without a sent challenge")
		return
	}
	h.outgoing.ID = p.ChallengeID
	h.outgoing.FriendName = p.FriendName
	h.outgoing.ExpiresIn = p.ExpiresIn
	h.logger.Info().
		Str("challenge_id", p.ChallengeID).
		Int("expires_in", p.ExpiresIn).
		Msg("challenge lobby created")
}

func (h *Challenges) onChallengeReceived(payload json.RawMessage) {
	var p ws.FriendChallengeReceivedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn().Err(err).Msg("malformed friend-challenge-received payload")
		return
	}

	h.mu.Lock()
	h.incoming[p.ChallengeID] = IncomingChallenge{
		ID:         p.ChallengeID,
		From:       p.From,
		Difficulty: p.Difficulty,
		ExpiresIn:  p.ExpiresIn,
	}
	h.mu.Unlock()

	h.logger.Info().
		Str("challenge_id", p.ChallengeID).
		Str("from", p.From.ID).
		Msg("challenge received")
}

// onChallengeTimeout handles the sender-side lobby ending without an accept:
// the payload message names the decliner for display.
func (h *Challenges) onChallengeTimeout(payload json.RawMessage) {
	var p ws.ChallengeTimeoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn().Err(err).Msg("malformed challenge-timeout payload")
		return
	}

	h.mu.Lock()
	active := h.status == ChallengeSent
	h.mu.Unlock()
	if !active {
		return
	}

	h.reset()
	h.logger.Info().Str("message", p.Message).Msg("challenge closed")
	if s := h.c.Session(); s != nil && s.State() == StateChallengeLobby {
		s.abandon("challenge declined")
	}
}

func (h *Challenges) onChallengeExpired(payload json.RawMessage) {
	var p ws.ChallengeExpiredPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn().Err(err).Msg("malformed challenge-expired payload")
		return
	}

	h.mu.Lock()
	if _, ok := h.incoming[p.ChallengeID]; ok {
		delete(h.incoming, p.ChallengeID)
		h.mu.Unlock()
		h.logger.Info().Str("challenge_id", p.ChallengeID).Msg("incoming challenge expired")
		return
	}

	sent := h.outgoing != nil && h.outgoing.ID == p.ChallengeID
	accepted := h.pendingAccept == p.ChallengeID
	h.mu.Unlock()

	if !sent && !accepted {
		return
	}

	h.reset()
	h.logger.Info().Str("challenge_id", p.ChallengeID).Msg("challenge expired")
	if s := h.c.Session(); s != nil && s.State() == StateChallengeLobby {
		s.abandon("challenge expired")
	}
}

func (h *Challenges) onMatchFound(payload json.RawMessage) {
	h.mu.Lock()
	viaSent := h.status == ChallengeSent && h.outgoing != nil
	viaAccept := h.pendingAccept != ""
	var difficulty ws.Difficulty
	switch {
	case viaSent:
		difficulty = h.outgoing.Difficulty
	case viaAccept:
		difficulty = h.pendingDifficulty
	default:
		h.mu.Unlock()
		return // a queue pairing; not ours
	}
	h.status = ChallengeIdle
	h.outgoing = nil
	h.pendingAccept = ""
	h.mu.Unlock()

	var p ws.MatchFoundPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn().Err(err).Msg("malformed match-found payload")
		return
	}

	s := h.c.Session()
	if s == nil {
		h.logger.Warn().Str("room_id", p.RoomID).Msg("match-found without a session")
		return
	}
	s.enterRoom(RoomInfo{
		ID:         p.RoomID,
		Opponent:   p.Opponent,
		IsHost:     p.IsHost,
		Difficulty: difficulty,
	})
}

// onServerError unwinds a challenge the server rejected before creating its
// lobby, e.g. the target is not online. The connection itself is untouched.
func (h *Challenges) onServerError(payload json.RawMessage) {
	h.mu.Lock()
	rejected := h.status == ChallengeSent && h.outgoing != nil && h.outgoing.ID == ""
	h.mu.Unlock()
	if !rejected {
		return
	}

	var p ws.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		p.Message = "challenge rejected"
	}

	h.reset()
	h.c.pushErr(&ChallengeError{Reason: p.Message})
	if s := h.c.Session(); s != nil && s.State() == StateChallengeLobby {
		s.abandon("challenge rejected")
	}
}

func (h *Challenges) onConnectionLost(json.RawMessage) {
	h.mu.Lock()
	h.status = ChallengeIdle
	h.outgoing = nil
	h.pendingAccept = ""
	h.incoming = make(map[string]IncomingChallenge)
	h.mu.Unlock()
}
