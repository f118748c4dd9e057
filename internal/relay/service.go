package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// Player is the resolved identity behind a connected socket.
type Player struct {
	ID   string
	Name string
}

// Ref converts to the wire-level public fragment.
func (p Player) Ref() ws.PlayerRef {
	return ws.PlayerRef{ID: p.ID, Name: p.Name}
}

// Sender delivers protocol messages to connected players. *ws.Hub satisfies
// it; tests substitute a recorder.
type Sender interface {
	SendToPlayer(playerID string, msg ws.Message) error
	BroadcastToRoom(roomID string, msg ws.Message) error
	JoinRoom(roomID, playerID string)
	CloseRoom(roomID string)
	IsConnected(playerID string) bool
}

// MatchRecord is the persisted outcome of one ended room.
type MatchRecord struct {
	RoomID          string
	Difficulty      ws.Difficulty
	Players         []Player
	Winner          string // empty on tie and on abandonment
	Status          string // completed, timeout, abandoned
	Scores          map[string]int
	CompletionTimes map[string]float64
	Answers         map[string][]ws.AnswerRecord
	StartedAt       time.Time
	EndedAt         time.Time
}

// MatchRecorder persists ended matches. Persistence is off the hot path and
// best-effort; a nil recorder disables it.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, rec MatchRecord) error
}

// Config carries the relay's game pacing knobs.
type Config struct {
	MatchTimer      time.Duration // authoritative per-match clock
	GameStartDelay  time.Duration // pause between match-found and game-start
	ChallengeExpiry time.Duration // server-assigned friend challenge window
}

func (c Config) withDefaults() Config {
	if c.MatchTimer <= 0 {
		c.MatchTimer = 120 * time.Second
	}
	if c.GameStartDelay <= 0 {
		c.GameStartDelay = 3 * time.Second
	}
	if c.ChallengeExpiry <= 0 {
		c.ChallengeExpiry = 60 * time.Second
	}
	return c
}

// Service routes inbound client messages and owns the matchmaking queue, the
// challenge book, live rooms, and the presence registry.
type Service struct {
	cfg      Config
	sender   Sender
	recorder MatchRecorder
	metrics  *Metrics
	clock    clockwork.Clock
	logger   zerolog.Logger

	queue    *matchQueue
	book     *challengeBook
	rooms    *roomTable
	presence *presenceRegistry

	mu      sync.Mutex
	players map[string]Player
}

// NewService wires the relay. rdb and recorder may be nil; metrics must not.
func NewService(cfg Config, sender Sender, recorder MatchRecorder, rdb *redis.Client, metrics *Metrics, clock clockwork.Clock, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		sender:   sender,
		recorder: recorder,
		metrics:  metrics,
		clock:    clock,
		logger:   logger.With().Str("component", "relay").Logger(),
		rooms:    newRoomTable(),
		presence: newPresenceRegistry(rdb, logger),
		players:  make(map[string]Player),
	}
	s.queue = newMatchQueue(clock, logger)
	s.book = newChallengeBook(s.cfg.ChallengeExpiry, clock, s.onChallengeExpired, logger)
	return s
}

// HandleConnect registers an authenticated player. Call before the socket's
// read pump starts so presence exists by the time messages arrive.
func (s *Service) HandleConnect(p Player) {
	s.mu.Lock()
	_, reconnect := s.players[p.ID]
	s.players[p.ID] = p
	s.mu.Unlock()

	s.presence.setOnline(p)
	if !reconnect {
		s.metrics.ConnectedPlayers.Inc()
	}

	s.logger.Info().Str("player_id", p.ID).Str("name", p.Name).Msg("player connected")
}

// HandleDisconnect runs departure cleanup: the queue spot is freed, pending
// challenges involving the player resolve as cancelled, an active room is
// abandoned, and announced looking intent is withdrawn.
func (s *Service) HandleDisconnect(playerID string) {
	s.mu.Lock()
	_, known := s.players[playerID]
	delete(s.players, playerID)
	s.mu.Unlock()
	if !known {
		return
	}

	if s.queue.Leave(playerID) {
		s.publishQueueDepths()
	}

	for _, ch := range s.book.TakeByPlayer(playerID) {
		other := ch.From
		if other.ID == playerID {
			other = ch.To
		}
		s.sendTo(other.ID, ws.TypeChallengeExpired, ws.ChallengeExpiredPayload{ChallengeID: ch.ID})
		s.metrics.Challenges.WithLabelValues(outcomeCancelled).Inc()
	}

	if room, ok := s.rooms.roomOf(playerID); ok {
		s.finishRoom(room, EndAbandoned, playerID)
	}

	if intent, wasLooking := s.presence.setOffline(playerID); wasLooking {
		s.notifyStoppedLooking(playerID, intent.FriendIDs)
	}

	s.metrics.ConnectedPlayers.Dec()
	s.logger.Info().Str("player_id", playerID).Msg("player disconnected")
}

// HandleMessage routes one inbound message from a connected player.
func (s *Service) HandleMessage(playerID string, msg ws.Message) error {
	p, ok := s.player(playerID)
	if !ok {
		return fmt.Errorf("message from unknown player %s", playerID)
	}

	switch msg.Type {
	case ws.TypeJoinMatchmaking:
		return s.handleJoinMatchmaking(p, msg.Payload)
	case ws.TypeLeaveMatchmaking:
		return s.handleLeaveMatchmaking(p)
	case ws.TypeSubmitAnswer:
		return s.handleSubmitAnswer(p, msg.Payload)
	case ws.TypePlayerCompleted:
		return s.handlePlayerCompleted(p, msg.Payload)
	case ws.TypeSendFriendChallenge:
		return s.handleSendFriendChallenge(p, msg.Payload)
	case ws.TypeAcceptFriendChallenge:
		return s.handleAcceptFriendChallenge(p, msg.Payload)
	case ws.TypeDeclineFriendChallenge:
		return s.handleDeclineFriendChallenge(p, msg.Payload)
	case ws.TypeStartLookingForGame:
		return s.handleStartLooking(p, msg.Payload)
	case ws.TypeStopLookingForGame:
		return s.handleStopLooking(p)
	case ws.TypeGetFriendsStatus:
		return s.handleGetFriendsStatus(p, msg.Payload)
	default:
		return s.sendError(p.ID, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *Service) handleJoinMatchmaking(p Player, payload json.RawMessage) error {
	var req ws.JoinMatchmakingPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid join-matchmaking payload")
	}
	if !req.Difficulty.Valid() {
		return s.sendError(p.ID, fmt.Sprintf("unknown difficulty: %s", req.Difficulty))
	}
	if _, busy := s.rooms.roomOf(p.ID); busy {
		return s.sendError(p.ID, "already in a match")
	}

	opponent, err := s.queue.Join(p, req.Difficulty)
	if err != nil {
		return s.sendError(p.ID, err.Error())
	}
	s.publishQueueDepths()

	if opponent != nil {
		// The waiting player hosts.
		s.startMatch(*opponent, p, req.Difficulty, sourceQueue)
	}
	return nil
}

func (s *Service) handleLeaveMatchmaking(p Player) error {
	if s.queue.Leave(p.ID) {
		s.publishQueueDepths()
	}
	// A leave that raced a pairing needs no reply: the client treats the
	// queue as abandoned and ignores the late match-found on its own.
	return nil
}

func (s *Service) handleSubmitAnswer(p Player, payload json.RawMessage) error {
	var req ws.SubmitAnswerPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid submit-answer payload")
	}

	room, ok := s.rooms.get(req.RoomID)
	if !ok {
		return nil // raced game-end, drop silently
	}
	room.submitAnswer(p.ID, req)
	return nil
}

func (s *Service) handlePlayerCompleted(p Player, payload json.RawMessage) error {
	var req ws.PlayerCompletedPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid player-completed payload")
	}

	room, ok := s.rooms.get(req.RoomID)
	if !ok {
		return nil // raced game-end, drop silently
	}
	if _, bothDone := room.playerCompleted(p.ID, req.CompletionTime); bothDone {
		s.finishRoom(room, EndCompleted, "")
	}
	return nil
}

func (s *Service) handleSendFriendChallenge(p Player, payload json.RawMessage) error {
	var req ws.SendFriendChallengePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid send-friend-challenge payload")
	}
	if !req.Difficulty.Valid() {
		return s.sendError(p.ID, fmt.Sprintf("unknown difficulty: %s", req.Difficulty))
	}
	if req.FriendID == p.ID {
		return s.sendError(p.ID, "cannot challenge yourself")
	}

	target, online := s.player(req.FriendID)
	if !online {
		return s.sendError(p.ID, "friend is not online")
	}
	if _, busy := s.rooms.roomOf(p.ID); busy {
		return s.sendError(p.ID, "already in a match")
	}

	ch := s.book.Create(p, target, req.Difficulty)

	s.sendTo(p.ID, ws.TypeChallengeLobbyCreated, ws.ChallengeLobbyCreatedPayload{
		ChallengeID: ch.ID,
		FriendID:    target.ID,
		FriendName:  target.Name,
		Difficulty:  ch.Difficulty,
		ExpiresIn:   ch.ExpiresIn,
	})
	s.sendTo(target.ID, ws.TypeFriendChallengeReceived, ws.FriendChallengeReceivedPayload{
		ChallengeID: ch.ID,
		From:        p.Ref(),
		Difficulty:  ch.Difficulty,
		ExpiresIn:   ch.ExpiresIn,
	})
	return nil
}

func (s *Service) handleAcceptFriendChallenge(p Player, payload json.RawMessage) error {
	var req ws.AcceptFriendChallengePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid accept-friend-challenge payload")
	}

	ch := s.book.Take(req.ChallengeID)
	if ch == nil {
		return s.sendError(p.ID, "challenge is no longer available")
	}
	if ch.To.ID != p.ID {
		// Not the recipient. The challenge is already resolved by the Take;
		// treat it as expired for both real parties.
		s.onChallengeExpired(ch)
		return s.sendError(p.ID, "challenge is no longer available")
	}
	if _, busy := s.rooms.roomOf(ch.From.ID); busy || !s.sender.IsConnected(ch.From.ID) {
		s.metrics.Challenges.WithLabelValues(outcomeCancelled).Inc()
		return s.sendError(p.ID, "challenge is no longer available")
	}

	s.metrics.Challenges.WithLabelValues(outcomeAccepted).Inc()
	// The challenger hosts.
	s.startMatch(ch.From, ch.To, ch.Difficulty, sourceChallenge)
	return nil
}

func (s *Service) handleDeclineFriendChallenge(p Player, payload json.RawMessage) error {
	var req ws.DeclineFriendChallengePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid decline-friend-challenge payload")
	}

	ch := s.book.Take(req.ChallengeID)
	if ch == nil {
		return s.sendError(p.ID, "challenge is no longer available")
	}

	s.metrics.Challenges.WithLabelValues(outcomeDeclined).Inc()
	s.sendTo(ch.From.ID, ws.TypeChallengeTimeout, ws.ChallengeTimeoutPayload{
		Message: fmt.Sprintf("%s declined your challenge", p.Name),
	})
	s.logger.Info().Str("challenge_id", ch.ID).Str("declined_by", p.ID).Msg("challenge declined")
	return nil
}

// onChallengeExpired runs after the book removed the challenge. Both sides
// learn the id so whichever of them holds local state clears it.
func (s *Service) onChallengeExpired(ch *Challenge) {
	s.metrics.Challenges.WithLabelValues(outcomeExpired).Inc()
	expired := ws.ChallengeExpiredPayload{ChallengeID: ch.ID}
	s.sendTo(ch.From.ID, ws.TypeChallengeExpired, expired)
	s.sendTo(ch.To.ID, ws.TypeChallengeExpired, expired)
}

func (s *Service) handleStartLooking(p Player, payload json.RawMessage) error {
	var req ws.StartLookingPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid start-looking-for-game payload")
	}
	if !req.Difficulty.Valid() {
		return s.sendError(p.ID, fmt.Sprintf("unknown difficulty: %s", req.Difficulty))
	}

	s.presence.startLooking(p, req.Difficulty, req.FriendIDs)

	looking := ws.LookingFriend{ID: p.ID, Name: p.Name, Difficulty: req.Difficulty}
	for _, friendID := range s.presence.onlineAmong(req.FriendIDs) {
		s.sendTo(friendID, ws.TypeFriendStartedLooking, ws.FriendStartedLookingPayload{Friend: looking})
	}

	// Snapshot for the new looker: which of their friends are already looking.
	s.sendTo(p.ID, ws.TypeAvailableFriendsUpdate, ws.AvailableFriendsUpdatePayload{
		Friends: s.presence.lookingAmong(req.FriendIDs),
	})
	return nil
}

func (s *Service) handleStopLooking(p Player) error {
	intent, wasLooking := s.presence.stopLooking(p.ID)
	if wasLooking {
		s.notifyStoppedLooking(p.ID, intent.FriendIDs)
	}
	return nil
}

func (s *Service) notifyStoppedLooking(playerID string, friendIDs []string) {
	for _, friendID := range s.presence.onlineAmong(friendIDs) {
		s.sendTo(friendID, ws.TypeFriendStoppedLooking, ws.FriendStoppedLookingPayload{FriendID: playerID})
	}
}

func (s *Service) handleGetFriendsStatus(p Player, payload json.RawMessage) error {
	var req ws.GetFriendsStatusPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(p.ID, "invalid get-friends-status payload")
	}

	return s.sendTo(p.ID, ws.TypeFriendsStatus, ws.FriendsStatusPayload{
		OnlineFriends: s.presence.onlineAmong(req.FriendIDs),
	})
}

// startMatch creates the room, announces match-found to both players, and
// hands pacing to runRoom. The host is always the first argument.
func (s *Service) startMatch(host, guest Player, difficulty ws.Difficulty, source string) {
	// Pairing pulled both out of any looking state.
	for _, p := range []Player{host, guest} {
		if intent, wasLooking := s.presence.stopLooking(p.ID); wasLooking {
			s.notifyStoppedLooking(p.ID, intent.FriendIDs)
		}
	}

	room := newRoom(uuid.NewString(), host, guest, difficulty, s.clock.Now(), s.sender, s.logger)
	s.rooms.add(room)
	s.sender.JoinRoom(room.ID, host.ID)
	s.sender.JoinRoom(room.ID, guest.ID)

	room.announce()
	s.metrics.MatchesStarted.WithLabelValues(source, string(difficulty)).Inc()
	s.logger.Info().
		Str("room_id", room.ID).
		Str("host", host.ID).
		Str("guest", guest.ID).
		Str("difficulty", string(difficulty)).
		Str("source", source).
		Msg("match started")

	go s.runRoom(room)
}

// runRoom paces one room: the game-start delay, then the authoritative match
// clock. Both timers abort when the room ends first.
func (s *Service) runRoom(room *Room) {
	start := s.clock.NewTimer(s.cfg.GameStartDelay)
	select {
	case <-start.Chan():
	case <-room.done:
		stopAndDrainTimer(start)
		return
	}

	if !room.begin(s.clock.Now()) {
		return
	}

	clock := s.clock.NewTimer(s.cfg.MatchTimer)
	select {
	case <-clock.Chan():
		s.finishRoom(room, EndTimeout, "")
	case <-room.done:
		stopAndDrainTimer(clock)
	}
}

// finishRoom ends a room idempotently and runs the post-end bookkeeping.
func (s *Service) finishRoom(room *Room, reason, leaverID string) {
	rec, ended := room.end(reason, leaverID, s.clock.Now())
	if !ended {
		return
	}

	s.sender.CloseRoom(room.ID)
	s.rooms.remove(room)
	s.metrics.MatchesEnded.WithLabelValues(reason).Inc()

	if s.recorder != nil {
		go s.recordMatch(*rec)
	}
}

func (s *Service) recordMatch(rec MatchRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.recorder.RecordMatch(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("room_id", rec.RoomID).Msg("match history write failed")
	}
}

func (s *Service) publishQueueDepths() {
	for _, d := range []ws.Difficulty{ws.DifficultyEasy, ws.DifficultyMedium, ws.DifficultyHard} {
		s.metrics.QueueDepth.WithLabelValues(string(d)).Set(float64(s.queue.Depth(d)))
	}
}

func (s *Service) player(playerID string) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	return p, ok
}

func (s *Service) sendTo(playerID, msgType string, payload any) error {
	if err := s.sender.SendToPlayer(playerID, newMessage(msgType, payload)); err != nil {
		s.logger.Warn().Err(err).Str("player_id", playerID).Str("type", msgType).Msg("send failed")
		return err
	}
	return nil
}

func (s *Service) sendError(playerID, message string) error {
	return s.sendTo(playerID, ws.TypeError, ws.ErrorPayload{Message: message})
}

// newMessage builds an envelope for payloads that cannot fail to marshal.
func newMessage(msgType string, payload any) ws.Message {
	msg, _ := ws.NewMessage(msgType, payload)
	return msg
}
