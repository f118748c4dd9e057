// Command duelbot is a headless player for exercising a running relay
// end to end. It signs its own token, connects over the public client
// library, then either queues for matches or sits idle accepting friend
// challenges, answering rounds with a configurable accuracy and pace.
//
//	go run ./cmd/duelbot -secret dev-secret -difficulty medium -accuracy 0.8
package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/internal/auth"
	"github.com/mathduel/mathduel/pkg/duel"
	"github.com/mathduel/mathduel/pkg/ws"
)

func main() {
	var (
		flagServer     = flag.String("server", "ws://localhost:8080/ws/duel", "relay websocket URL")
		flagSecret     = flag.String("secret", os.Getenv("JWT_SECRET"), "token signing secret (defaults to $JWT_SECRET)")
		flagName       = flag.String("name", "", "display name (default bot-<id prefix>)")
		flagDifficulty = flag.String("difficulty", "easy", "queue difficulty: easy, medium or hard")
		flagAccuracy   = flag.Float64("accuracy", 0.9, "probability of answering a round correctly")
		flagDelay      = flag.Duration("delay", 2*time.Second, "thinking time per round")
		flagMatches    = flag.Int("matches", 1, "matches to play before exiting (0 plays forever)")
		flagAccept     = flag.Bool("accept-challenges", false, "wait for friend challenges instead of queueing")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	if *flagSecret == "" {
		logger.Fatal().Msg("missing signing secret: pass -secret or set JWT_SECRET")
	}
	difficulty := ws.Difficulty(*flagDifficulty)
	if !difficulty.Valid() {
		logger.Fatal().Str("difficulty", *flagDifficulty).Msg("unknown difficulty")
	}
	if *flagAccuracy < 0 || *flagAccuracy > 1 {
		logger.Fatal().Float64("accuracy", *flagAccuracy).Msg("accuracy must be within [0, 1]")
	}

	playerID := uuid.NewString()
	name := *flagName
	if name == "" {
		name = "bot-" + playerID[:8]
	}
	logger = logger.With().Str("bot", name).Logger()

	token, err := auth.NewManager([]byte(*flagSecret), "mathduel").Issue(playerID, name, false)
	if err != nil {
		logger.Fatal().Err(err).Msg("token issue failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := duel.NewClient(duel.Config{Logger: logger})
	if err := client.Connect(ctx, *flagServer, duel.Identity{
		PlayerID:    playerID,
		DisplayName: name,
		Token:       token,
	}); err != nil {
		logger.Fatal().Err(err).Str("server", *flagServer).Msg("connect failed")
	}
	defer client.Disconnect()

	go drainErrors(ctx, client, logger)

	b := &bot{
		client:   client,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		accuracy: *flagAccuracy,
		delay:    *flagDelay,
	}

	played := 0
	for *flagMatches <= 0 || played < *flagMatches {
		var session *duel.Session
		var err error
		if *flagAccept {
			session, err = b.awaitChallenge(ctx)
		} else {
			logger.Info().Str("difficulty", string(difficulty)).Msg("joining queue")
			session, err = client.Matchmaking().JoinQueue(difficulty)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Fatal().Err(err).Msg("could not start a match")
		}

		if !b.play(ctx, session) {
			session.Leave()
			return
		}
		played++
	}

	logger.Info().Int("matches", played).Msg("done")
}

// bot plays sessions one at a time: wait for Playing, then answer rounds at
// the configured pace until the session reaches a terminal state.
type bot struct {
	client   *duel.Client
	logger   zerolog.Logger
	rng      *rand.Rand
	accuracy float64
	delay    time.Duration
}

// awaitChallenge idles until a friend challenge arrives, then accepts it.
func (b *bot) awaitChallenge(ctx context.Context) (*duel.Session, error) {
	b.logger.Info().Msg("waiting for a challenge")
	for {
		for _, inc := range b.client.Challenges().Incoming() {
			b.logger.Info().
				Str("challenge_id", inc.ID).
				Str("from", inc.From.Name).
				Str("difficulty", string(inc.Difficulty)).
				Msg("accepting challenge")
			s, err := b.client.Challenges().Accept(inc.ID)
			if errors.Is(err, duel.ErrUnknownChallenge) {
				continue // expired while we looked at it
			}
			return s, err
		}
		if !sleep(ctx, 250*time.Millisecond) {
			return nil, ctx.Err()
		}
	}
}

// play drives one session to its end. It reports false when the context was
// cancelled mid-match.
func (b *bot) play(ctx context.Context, s *duel.Session) bool {
	for {
		switch s.State() {
		case duel.StatePlaying:
			b.answerRound(s)
		case duel.StateFinished:
			b.report(s)
			return true
		case duel.StateAbandoned:
			b.logger.Warn().Msg("match abandoned")
			return true
		default:
			if !sleep(ctx, 100*time.Millisecond) {
				return false
			}
		}
	}
}

// answerRound thinks for the configured delay, then submits. The problem is
// read after the pause so a round force-submitted on the match clock in the
// meantime cannot make the bot answer a stale equation.
func (b *bot) answerRound(s *duel.Session) {
	time.Sleep(b.delay)

	round, problem := s.CurrentRound()
	if round == 0 {
		return
	}

	answer := problem.Answer
	if b.rng.Float64() > b.accuracy {
		answer += 1 + b.rng.Intn(9) // deliberately wrong
	}

	res, err := s.SubmitAnswer(strconv.Itoa(answer))
	if err != nil {
		if !errors.Is(err, duel.ErrNoActiveRound) {
			b.logger.Warn().Err(err).Msg("submit failed")
		}
		return // match ended or round force-closed under us
	}
	b.logger.Info().
		Int("round", res.Round).
		Str("question", problem.Text).
		Bool("correct", res.Correct).
		Msg("answered")
	if res.Done {
		b.logger.Info().Msg("all rounds done, waiting for opponent")
	}
}

func (b *bot) report(s *duel.Session) {
	result := s.Result()
	if result == nil {
		return
	}

	me := b.client.Identity().PlayerID
	verdict := "lost"
	switch {
	case result.Tie:
		verdict = "tie"
	case result.Winner == me:
		verdict = "won"
	}

	ev := b.logger.Info().
		Str("verdict", verdict).
		Int("score", result.Scores[me]).
		Int("opponent_score", result.Scores[s.Room().Opponent.ID])
	if out := result.Outcome; out != nil {
		ev = ev.
			Int("coins", out.CoinsEarned).
			Int("xp", out.ExperienceGained).
			Int("accuracy_pct", out.Accuracy)
	}
	ev.Msg("match finished")
}

func drainErrors(ctx context.Context, c *duel.Client, logger zerolog.Logger) {
	for {
		select {
		case err := <-c.Errors():
			logger.Warn().Err(err).Msg("client error")
		case <-ctx.Done():
			return
		}
	}
}

// sleep pauses for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
