package ws

import "encoding/json"

// Event type constants for the duel WebSocket protocol.
const (
	// Client -> Server
	TypeJoinMatchmaking        = "join-matchmaking"
	TypeLeaveMatchmaking       = "leave-matchmaking"
	TypeSubmitAnswer           = "submit-answer"
	TypePlayerCompleted        = "player-completed"
	TypeSendFriendChallenge    = "send-friend-challenge"
	TypeAcceptFriendChallenge  = "accept-friend-challenge"
	TypeDeclineFriendChallenge = "decline-friend-challenge"
	TypeStartLookingForGame    = "start-looking-for-game"
	TypeStopLookingForGame     = "stop-looking-for-game"
	TypeGetFriendsStatus       = "get-friends-status"

	// Server -> Client
	TypeMatchFound              = "match-found"
	TypeGameStart               = "game-start"
	TypeScoreUpdate             = "score-update"
	TypeGameEnd                 = "game-end"
	TypeOpponentDisconnect      = "opponent-disconnect"
	TypeFriendChallengeReceived = "friend-challenge-received"
	TypeChallengeLobbyCreated   = "challenge-lobby-created"
	TypeChallengeTimeout        = "challenge-timeout"
	TypeChallengeExpired        = "challenge-expired"
	TypeFriendsStatus           = "friends-status"
	TypeAvailableFriendsUpdate  = "available-friends-update"
	TypeFriendStartedLooking    = "friend-started-looking"
	TypeFriendStoppedLooking    = "friend-stopped-looking"
	TypeError                   = "error"
)

// Difficulty selects the arithmetic tier for a match. Both queue pairing and
// challenge lobbies are scoped to a single difficulty.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the three known tiers.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Message wraps every payload exchanged over the duel socket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a Message envelope. A nil payload produces
// a bare event (several protocol events carry no body).
func NewMessage(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// PlayerRef is the public profile fragment shared with opponents and friends.
type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LookingFriend describes a friend broadcasting "looking for game" intent.
type LookingFriend struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Difficulty Difficulty `json:"difficulty"`
}

// AnswerRecord is one round's outcome as reported by a client. Records are
// append-only per match and echoed back in the game-end question log.
type AnswerRecord struct {
	Round         int     `json:"round"`
	Question      string  `json:"question"`
	CorrectAnswer string  `json:"correctAnswer"`
	Answer        string  `json:"answer"`
	Correct       bool    `json:"correct"`
	TimeSpent     float64 `json:"timeSpent"`
}

// Client messages (incoming)

type JoinMatchmakingPayload struct {
	Difficulty Difficulty `json:"difficulty"`
}

type SubmitAnswerPayload struct {
	RoomID        string  `json:"roomId"`
	Answer        string  `json:"answer"`
	Correct       bool    `json:"correct"`
	TimeSpent     float64 `json:"timeSpent"`
	Question      string  `json:"question"`
	CorrectAnswer string  `json:"correctAnswer"`
}

type PlayerCompletedPayload struct {
	RoomID         string  `json:"roomId"`
	CompletionTime float64 `json:"completionTime"`
}

type SendFriendChallengePayload struct {
	FriendID   string     `json:"friendId"`
	Difficulty Difficulty `json:"difficulty"`
}

type AcceptFriendChallengePayload struct {
	ChallengeID  string `json:"challengeId"`
	ChallengerID string `json:"challengerId"`
}

type DeclineFriendChallengePayload struct {
	ChallengeID  string `json:"challengeId"`
	ChallengerID string `json:"challengerId"`
}

type StartLookingPayload struct {
	Difficulty Difficulty `json:"difficulty"`
	FriendIDs  []string   `json:"friendIds"`
}

type GetFriendsStatusPayload struct {
	FriendIDs []string `json:"friendIds"`
}

// Server messages (outgoing)

type MatchFoundPayload struct {
	RoomID   string    `json:"roomId"`
	Opponent PlayerRef `json:"opponent"`
	IsHost   bool      `json:"isHost"`
}

type GameStartPayload struct {
	StartTime int64 `json:"startTime"` // unix millis, display only
}

type ScoreUpdatePayload struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
}

// PlayerCompletedBroadcast relays an opponent's completion report. Same event
// name as the client-side PlayerCompletedPayload, different body.
type PlayerCompletedBroadcast struct {
	PlayerID       string  `json:"playerId"`
	CompletionTime float64 `json:"completionTime"`
}

type GameEndPayload struct {
	Winner          string                    `json:"winner"` // empty on tie or abandon
	Scores          map[string]int            `json:"scores"`
	CompletionTimes map[string]float64        `json:"completionTimes"`
	Questions       map[string][]AnswerRecord `json:"questions"`
}

type FriendChallengeReceivedPayload struct {
	ChallengeID string     `json:"challengeId"`
	From        PlayerRef  `json:"from"`
	Difficulty  Difficulty `json:"difficulty"`
	ExpiresIn   int        `json:"expiresIn"` // seconds
}

type ChallengeLobbyCreatedPayload struct {
	ChallengeID string     `json:"challengeId"`
	FriendID    string     `json:"friendId"`
	FriendName  string     `json:"friendName"`
	Difficulty  Difficulty `json:"difficulty"`
	ExpiresIn   int        `json:"expiresIn"`
}

type ChallengeTimeoutPayload struct {
	Message string `json:"message"`
}

type ChallengeExpiredPayload struct {
	ChallengeID string `json:"challengeId"`
}

type FriendsStatusPayload struct {
	OnlineFriends []string `json:"onlineFriends"`
}

type AvailableFriendsUpdatePayload struct {
	Friends []LookingFriend `json:"friends"`
}

type FriendStartedLookingPayload struct {
	Friend LookingFriend `json:"friend"`
}

type FriendStoppedLookingPayload struct {
	FriendID string `json:"friendId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
