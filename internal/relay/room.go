package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// End reasons. They double as the persisted match status.
const (
	EndCompleted = "completed"
	EndTimeout   = "timeout"
	EndAbandoned = "abandoned"
)

type roomPhase int

const (
	roomPending roomPhase = iota // match-found sent, game-start scheduled
	roomActive                   // game-start sent, accepting submissions
	roomEnded
)

// Room is one live match between two players. Players[0] is the host.
//
// Every mutation and every room broadcast happens under mu. Send queues are
// per-connection FIFO, so enqueueing under the lock is what guarantees the
// protocol order each client assumes: game-start before the first
// score-update, game-end after everything else.
type Room struct {
	ID         string
	Difficulty ws.Difficulty
	Players    [2]Player

	sender Sender
	logger zerolog.Logger

	mu          sync.Mutex
	phase       roomPhase
	scores      map[string]int
	answers     map[string][]ws.AnswerRecord
	completions map[string]float64
	createdAt   time.Time
	startedAt   time.Time

	// done closes exactly once, when the room ends. The start and match
	// clock goroutines select on it.
	done chan struct{}
}

func newRoom(id string, host, guest Player, difficulty ws.Difficulty, now time.Time, sender Sender, logger zerolog.Logger) *Room {
	return &Room{
		ID:          id,
		Difficulty:  difficulty,
		Players:     [2]Player{host, guest},
		sender:      sender,
		logger:      logger.With().Str("room_id", id).Logger(),
		scores:      make(map[string]int, 2),
		answers:     make(map[string][]ws.AnswerRecord, 2),
		completions: make(map[string]float64, 2),
		createdAt:   now,
		done:        make(chan struct{}),
	}
}

// announce sends match-found to both players. Each side gets its own view:
// the opponent field differs and only the host is told isHost.
func (r *Room) announce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, guest := r.Players[0], r.Players[1]
	r.send(host.ID, newMessage(ws.TypeMatchFound, ws.MatchFoundPayload{
		RoomID:   r.ID,
		Opponent: guest.Ref(),
		IsHost:   true,
	}))
	r.send(guest.ID, newMessage(ws.TypeMatchFound, ws.MatchFoundPayload{
		RoomID:   r.ID,
		Opponent: host.Ref(),
		IsHost:   false,
	}))
}

// begin moves the room to active and announces game-start. Returns false if
// the room ended while the start delay ran.
func (r *Room) begin(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != roomPending {
		return false
	}
	r.phase = roomActive
	r.startedAt = now

	r.broadcast(newMessage(ws.TypeGameStart, ws.GameStartPayload{StartTime: now.UnixMilli()}))
	r.logger.Info().Str("difficulty", string(r.Difficulty)).Msg("game started")
	return true
}

// submitAnswer records one round result and broadcasts the submitter's new
// authoritative score. Returns false when the submission cannot be accepted;
// such submissions race the end of the match and are dropped without error.
func (r *Room) submitAnswer(playerID string, p ws.SubmitAnswerPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != roomActive || !r.isMember(playerID) {
		return false
	}

	r.answers[playerID] = append(r.answers[playerID], ws.AnswerRecord{
		Round:         len(r.answers[playerID]) + 1,
		Question:      p.Question,
		CorrectAnswer: p.CorrectAnswer,
		Answer:        p.Answer,
		Correct:       p.Correct,
		TimeSpent:     p.TimeSpent,
	})
	if p.Correct {
		r.scores[playerID]++
	}

	r.broadcast(newMessage(ws.TypeScoreUpdate, ws.ScoreUpdatePayload{
		PlayerID: playerID,
		Score:    r.scores[playerID],
	}))
	return true
}

// playerCompleted records a completion report and relays it to the room.
// bothDone signals the caller to end the match.
func (r *Room) playerCompleted(playerID string, completionTime float64) (accepted, bothDone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != roomActive || !r.isMember(playerID) {
		return false, false
	}
	if _, reported := r.completions[playerID]; reported {
		return false, false
	}

	r.completions[playerID] = completionTime
	r.broadcast(newMessage(ws.TypePlayerCompleted, ws.PlayerCompletedBroadcast{
		PlayerID:       playerID,
		CompletionTime: completionTime,
	}))

	return true, len(r.completions) == len(r.Players)
}

// end closes the room exactly once. Completed and timed-out rooms broadcast
// the terminal game-end; abandoned rooms instead tell the surviving peer
// opponent-disconnect and send no game-end at all. The returned record is
// what the match history persists.
func (r *Room) end(reason string, leaverID string, now time.Time) (*MatchRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == roomEnded {
		return nil, false
	}
	started := r.phase == roomActive
	r.phase = roomEnded
	close(r.done)

	winner := ""
	host, guest := r.Players[0], r.Players[1]
	switch {
	case r.scores[host.ID] > r.scores[guest.ID]:
		winner = host.ID
	case r.scores[guest.ID] > r.scores[host.ID]:
		winner = guest.ID
	}

	if reason == EndAbandoned {
		winner = ""
		if peer, ok := r.opponentOf(leaverID); ok {
			r.send(peer.ID, newMessage(ws.TypeOpponentDisconnect, nil))
		}
	} else {
		r.broadcast(newMessage(ws.TypeGameEnd, ws.GameEndPayload{
			Winner:          winner,
			Scores:          copyScores(r.scores),
			CompletionTimes: copyCompletions(r.completions),
			Questions:       copyAnswers(r.answers),
		}))
	}

	startedAt := r.startedAt
	if !started {
		startedAt = r.createdAt
	}

	r.logger.Info().
		Str("reason", reason).
		Str("winner", winner).
		Msg("room ended")

	return &MatchRecord{
		RoomID:          r.ID,
		Difficulty:      r.Difficulty,
		Players:         []Player{host, guest},
		Winner:          winner,
		Status:          reason,
		Scores:          copyScores(r.scores),
		CompletionTimes: copyCompletions(r.completions),
		Answers:         copyAnswers(r.answers),
		StartedAt:       startedAt,
		EndedAt:         now,
	}, true
}

func (r *Room) isMember(playerID string) bool {
	return r.Players[0].ID == playerID || r.Players[1].ID == playerID
}

func (r *Room) opponentOf(playerID string) (Player, bool) {
	switch playerID {
	case r.Players[0].ID:
		return r.Players[1], true
	case r.Players[1].ID:
		return r.Players[0], true
	}
	return Player{}, false
}

// send and broadcast are called with mu held. Delivery failures mean the
// target's socket is gone; the disconnect path cleans up, so they only log.
func (r *Room) send(playerID string, msg ws.Message) {
	if err := r.sender.SendToPlayer(playerID, msg); err != nil {
		r.logger.Warn().Err(err).Str("player_id", playerID).Str("type", msg.Type).Msg("room send failed")
	}
}

func (r *Room) broadcast(msg ws.Message) {
	if err := r.sender.BroadcastToRoom(r.ID, msg); err != nil {
		r.logger.Warn().Err(err).Str("type", msg.Type).Msg("room broadcast failed")
	}
}

func copyScores(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyCompletions(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAnswers(in map[string][]ws.AnswerRecord) map[string][]ws.AnswerRecord {
	out := make(map[string][]ws.AnswerRecord, len(in))
	for k, v := range in {
		out[k] = append([]ws.AnswerRecord(nil), v...)
	}
	return out
}

// roomTable indexes live rooms by id and by member.
type roomTable struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	byPlayer map[string]string
}

func newRoomTable() *roomTable {
	return &roomTable{
		rooms:    make(map[string]*Room),
		byPlayer: make(map[string]string),
	}
}

func (t *roomTable) add(r *Room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[r.ID] = r
	for _, p := range r.Players {
		t.byPlayer[p.ID] = r.ID
	}
}

func (t *roomTable) get(roomID string) (*Room, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rooms[roomID]
	return r, ok
}

func (t *roomTable) roomOf(playerID string) (*Room, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	roomID, ok := t.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	r, ok := t.rooms[roomID]
	return r, ok
}

func (t *roomTable) remove(r *Room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, r.ID)
	for _, p := range r.Players {
		if t.byPlayer[p.ID] == r.ID {
			delete(t.byPlayer, p.ID)
		}
	}
}
