package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/internal/logging"
	"github.com/mathduel/mathduel/internal/relay"
)

// Store persists ended matches and serves match-history reads. It implements
// relay.MatchRecorder.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore creates a match-history store on an existing pool.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "db").Logger(),
	}
}

const insertMatchSQL = `
INSERT INTO matches (
    room_id, difficulty, host_id, host_name, guest_id, guest_name,
    winner_id, status, host_score, guest_score,
    host_completion, guest_completion, started_at, ended_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const insertAnswerSQL = `
INSERT INTO match_answers (
    room_id, player_id, round, question, correct_answer, answer, correct, time_spent
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// RecordMatch writes one ended room and its answer log in a transaction.
func (s *Store) RecordMatch(ctx context.Context, rec relay.MatchRecord) error {
	if len(rec.Players) != 2 {
		return fmt.Errorf("match record for room %s has %d players", rec.RoomID, len(rec.Players))
	}
	host, guest := rec.Players[0], rec.Players[1]

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertMatchSQL,
		rec.RoomID,
		string(rec.Difficulty),
		host.ID, host.Name,
		guest.ID, guest.Name,
		rec.Winner,
		rec.Status,
		rec.Scores[host.ID],
		rec.Scores[guest.ID],
		completionOf(rec.CompletionTimes, host.ID),
		completionOf(rec.CompletionTimes, guest.ID),
		rec.StartedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match %s: %w", rec.RoomID, err)
	}

	batch := &pgx.Batch{}
	for playerID, answers := range rec.Answers {
		for _, a := range answers {
			batch.Queue(insertAnswerSQL,
				rec.RoomID, playerID, a.Round, a.Question, a.CorrectAnswer, a.Answer, a.Correct, a.TimeSpent)
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert answers for %s: %w", rec.RoomID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info().
		Str("room_id", rec.RoomID).
		Str("status", rec.Status).
		Msg("match recorded")
	return nil
}

// completionOf returns a nullable completion time.
func completionOf(times map[string]float64, playerID string) *float64 {
	if t, ok := times[playerID]; ok {
		return &t
	}
	return nil
}

// PlayerMatch is one row of a player's recent history, shaped from that
// player's side of the table.
type PlayerMatch struct {
	RoomID        string    `json:"roomId"`
	Difficulty    string    `json:"difficulty"`
	OpponentID    string    `json:"opponentId"`
	OpponentName  string    `json:"opponentName"`
	PlayerScore   int       `json:"playerScore"`
	OpponentScore int       `json:"opponentScore"`
	Result        string    `json:"result"` // won, lost, tie, abandoned
	EndedAt       time.Time `json:"endedAt"`
}

const recentMatchesSQL = `
SELECT room_id, difficulty, host_id, host_name, guest_id, guest_name,
       winner_id, status, host_score, guest_score, ended_at
FROM matches
WHERE host_id = $1 OR guest_id = $1
ORDER BY ended_at DESC
LIMIT $2`

// RecentMatches returns a player's latest ended matches, newest first.
func (s *Store) RecentMatches(ctx context.Context, playerID string, limit int) ([]PlayerMatch, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, recentMatchesSQL, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent matches: %w", err)
	}
	defer rows.Close()

	var out []PlayerMatch
	for rows.Next() {
		var (
			roomID, difficulty    string
			hostID, hostName      string
			guestID, guestName    string
			winnerID, status      string
			hostScore, guestScore int
			endedAt               time.Time
		)
		if err := rows.Scan(&roomID, &difficulty, &hostID, &hostName, &guestID, &guestName,
			&winnerID, &status, &hostScore, &guestScore, &endedAt); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}

		m := PlayerMatch{
			RoomID:     roomID,
			Difficulty: difficulty,
			EndedAt:    endedAt,
		}
		if playerID == hostID {
			m.OpponentID, m.OpponentName = guestID, guestName
			m.PlayerScore, m.OpponentScore = hostScore, guestScore
		} else {
			m.OpponentID, m.OpponentName = hostID, hostName
			m.PlayerScore, m.OpponentScore = guestScore, hostScore
		}
		m.Result = resultFor(playerID, winnerID, status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read match rows: %w", err)
	}

	ctxLogger := logging.FromContext(ctx)
	ctxLogger.Debug().
		Str("player_id", playerID).
		Int("count", len(out)).
		Msg("recent matches read")
	return out, nil
}

func resultFor(playerID, winnerID, status string) string {
	switch {
	case status == "abandoned":
		return "abandoned"
	case winnerID == "":
		return "tie"
	case winnerID == playerID:
		return "won"
	default:
		return "lost"
	}
}
