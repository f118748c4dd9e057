package duel

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// ProfileStore is the external profile-persistence collaborator: it supplies
// the current friend list and receives the derived rewards once per finished
// match. Implementations live outside this package.
type ProfileStore interface {
	FriendIDs(ctx context.Context) ([]string, error)
	SaveMatchOutcome(ctx context.Context, outcome MatchOutcome) error
}

// RewardConfig holds the reward constants (defaults match production).
type RewardConfig struct {
	BaseCoins         map[ws.Difficulty]int     // full base on win or tie, half on loss
	Multiplier        map[ws.Difficulty]float64 // XP difficulty multiplier
	WinBonus          float64                   // XP bonus for win or tie
	LossBonus         float64                   // XP bonus for a loss
	XPPerCorrect      int                       // XP granted per correct answer before bonuses
	QuestionsPerMatch int                       // accuracy denominator when the event carries none
}

// DefaultRewardConfig returns production defaults.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		BaseCoins: map[ws.Difficulty]int{
			ws.DifficultyEasy:   50,
			ws.DifficultyMedium: 75,
			ws.DifficultyHard:   100,
		},
		Multiplier: map[ws.Difficulty]float64{
			ws.DifficultyEasy:   1.0,
			ws.DifficultyMedium: 1.5,
			ws.DifficultyHard:   2.0,
		},
		WinBonus:          1.5,
		LossBonus:         1.0,
		XPPerCorrect:      10,
		QuestionsPerMatch: 10,
	}
}

// MatchOutcome is the reconciled result of one finished match: the
// authoritative raw data plus the derived reward values.
type MatchOutcome struct {
	RoomID     string
	Difficulty ws.Difficulty

	Won            bool
	Tie            bool
	CorrectAnswers int
	OpponentScore  int

	CoinsEarned      int
	ExperienceGained int
	Accuracy         int // percent, clamped to [0, 100]

	Scores          map[string]int
	CompletionTimes map[string]float64
	Questions       map[string][]ws.AnswerRecord
}

// RewardEngine turns a terminal game-end event into a MatchOutcome. Only the
// server-broadcast score map is trusted; locally counted answers never feed
// the reward math. Each room id is reconciled at most once.
type RewardEngine struct {
	config RewardConfig
	store  ProfileStore
	logger zerolog.Logger

	mu      sync.Mutex
	handled map[string]struct{}
	last    *MatchOutcome
}

// NewRewardEngine creates a reward engine. store may be nil, in which case
// outcomes are computed but not persisted anywhere.
func NewRewardEngine(config RewardConfig, store ProfileStore, logger zerolog.Logger) *RewardEngine {
	return &RewardEngine{
		config:  config,
		store:   store,
		logger:  logger.With().Str("component", "rewards").Logger(),
		handled: make(map[string]struct{}),
	}
}

// Reconcile computes the outcome for playerID from a game-end payload and
// hands it to the profile store. A room id that was already reconciled
// returns the previous outcome without a second handoff.
func (e *RewardEngine) Reconcile(playerID string, roomID string, difficulty ws.Difficulty, end ws.GameEndPayload) *MatchOutcome {
	e.mu.Lock()
	if _, done := e.handled[roomID]; done {
		last := e.last
		e.mu.Unlock()
		e.logger.Debug().Str("room_id", roomID).Msg("match already reconciled")
		return last
	}
	e.handled[roomID] = struct{}{}
	e.mu.Unlock()

	correct := end.Scores[playerID]
	tie := isTie(end.Scores)
	won := !tie && end.Winner == playerID

	outcome := &MatchOutcome{
		RoomID:           roomID,
		Difficulty:       difficulty,
		Won:              won,
		Tie:              tie,
		CorrectAnswers:   correct,
		OpponentScore:    opponentScore(end.Scores, playerID),
		CoinsEarned:      e.Coins(difficulty, won, tie),
		ExperienceGained: e.Experience(correct, difficulty, won, tie),
		Accuracy:         e.AccuracyPercent(correct),
		Scores:           end.Scores,
		CompletionTimes:  end.CompletionTimes,
		Questions:        end.Questions,
	}

	e.mu.Lock()
	e.last = outcome
	e.mu.Unlock()

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SaveMatchOutcome(ctx, *outcome); err != nil {
			e.logger.Warn().Err(err).Str("room_id", roomID).Msg("profile store write failed")
		}
	}

	e.logger.Info().
		Str("room_id", roomID).
		Bool("won", won).
		Bool("tie", tie).
		Int("coins", outcome.CoinsEarned).
		Int("xp", outcome.ExperienceGained).
		Int("accuracy", outcome.Accuracy).
		Msg("match reconciled")

	return outcome
}

// Coins returns the coin reward: full base on win or tie, half (floored) on
// loss.
func (e *RewardEngine) Coins(difficulty ws.Difficulty, won, tie bool) int {
	base := e.config.BaseCoins[difficulty]
	if won || tie {
		return base
	}
	return base / 2
}

// Experience returns floor(correct × perCorrect × difficultyMultiplier ×
// winBonus). A tie earns the win bonus.
func (e *RewardEngine) Experience(correct int, difficulty ws.Difficulty, won, tie bool) int {
	bonus := e.config.LossBonus
	if won || tie {
		bonus = e.config.WinBonus
	}
	mult := e.config.Multiplier[difficulty]
	return int(math.Floor(float64(correct) * float64(e.config.XPPerCorrect) * mult * bonus))
}

// AccuracyPercent returns round(correct ÷ questionsPerMatch × 100) clamped to
// [0, 100].
func (e *RewardEngine) AccuracyPercent(correct int) int {
	total := e.config.QuestionsPerMatch
	if total <= 0 {
		total = 10
	}
	pct := int(math.Round(float64(correct) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// LastOutcome returns the most recently reconciled outcome, or nil.
func (e *RewardEngine) LastOutcome() *MatchOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func isTie(scores map[string]int) bool {
	if len(scores) != 2 {
		return false
	}
	vals := make([]int, 0, 2)
	for _, s := range scores {
		vals = append(vals, s)
	}
	return vals[0] == vals[1]
}

func opponentScore(scores map[string]int, playerID string) int {
	for id, s := range scores {
		if id != playerID {
			return s
		}
	}
	return 0
}
