package duel

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

type sendFunc func(msgType string, payload any) error

// SubmitResult is the immediate local feedback for one submission. Correct
// here drives UI feedback only; the server-broadcast score stays the single
// source of truth.
type SubmitResult struct {
	Round   int
	Correct bool
	Done    bool // all rounds completed locally
}

// AnswerPipeline captures answers for one match: local correctness check,
// fire-and-forget forward to the server, and an append-only record log. The
// round index advances immediately on submission without waiting for any
// server acknowledgment.
type AnswerPipeline struct {
	roomID string
	total  int
	gen    *ProblemGenerator
	clock  clockwork.Clock
	send   sendFunc
	logger zerolog.Logger

	mu         sync.Mutex
	started    bool
	round      int // 1-based; round > total means locally complete
	current    Problem
	roundStart time.Time
	records    []ws.AnswerRecord
}

func newAnswerPipeline(roomID string, difficulty ws.Difficulty, total int, clock clockwork.Clock, send sendFunc, logger zerolog.Logger) *AnswerPipeline {
	return &AnswerPipeline{
		roomID: roomID,
		total:  total,
		gen:    NewProblemGenerator(difficulty, 0),
		clock:  clock,
		send:   send,
		logger: logger.With().Str("component", "pipeline").Str("room_id", roomID).Logger(),
	}
}

// begin opens round 1. Called when the server signals game-start.
func (p *AnswerPipeline) begin(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.round = 1
	p.current = p.gen.Next()
	p.roundStart = now
}

// Submit evaluates value against the current round and forwards the result.
// Blank or non-numeric input returns ErrUnparseableAnswer and leaves the
// round untouched.
func (p *AnswerPipeline) Submit(value string) (SubmitResult, error) {
	trimmed := strings.TrimSpace(value)

	p.mu.Lock()
	if !p.started || p.round > p.total {
		p.mu.Unlock()
		return SubmitResult{}, ErrNoActiveRound
	}
	if trimmed == "" {
		p.mu.Unlock()
		return SubmitResult{}, ErrUnparseableAnswer
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		p.mu.Unlock()
		return SubmitResult{}, ErrUnparseableAnswer
	}

	correct := n == p.current.Answer
	spent := p.clock.Since(p.roundStart).Seconds()
	expected := strconv.Itoa(p.current.Answer)

	p.records = append(p.records, ws.AnswerRecord{
		Round:         p.round,
		Question:      p.current.Text,
		CorrectAnswer: expected,
		Answer:        trimmed,
		Correct:       correct,
		TimeSpent:     spent,
	})

	payload := ws.SubmitAnswerPayload{
		RoomID:        p.roomID,
		Answer:        trimmed,
		Correct:       correct,
		TimeSpent:     spent,
		Question:      p.current.Text,
		CorrectAnswer: expected,
	}

	res := SubmitResult{Round: p.round, Correct: correct}
	p.advanceLocked()
	res.Done = p.round > p.total
	p.mu.Unlock()

	if err := p.send(ws.TypeSubmitAnswer, payload); err != nil {
		p.logger.Warn().Err(err).Int("round", res.Round).Msg("submit forward failed")
	}
	return res, nil
}

// forceTimeout submits the in-flight round as unanswered. Called when the
// match clock elapses; it tells the server time ran out without transitioning
// any state.
func (p *AnswerPipeline) forceTimeout() {
	p.mu.Lock()
	if !p.started || p.round > p.total {
		p.mu.Unlock()
		return
	}

	spent := p.clock.Since(p.roundStart).Seconds()
	expected := strconv.Itoa(p.current.Answer)
	round := p.round

	p.records = append(p.records, ws.AnswerRecord{
		Round:         round,
		Question:      p.current.Text,
		CorrectAnswer: expected,
		Answer:        "",
		Correct:       false,
		TimeSpent:     spent,
	})

	payload := ws.SubmitAnswerPayload{
		RoomID:        p.roomID,
		Answer:        "",
		Correct:       false,
		TimeSpent:     spent,
		Question:      p.current.Text,
		CorrectAnswer: expected,
	}

	p.advanceLocked()
	p.mu.Unlock()

	p.logger.Info().Int("round", round).Msg("round force-submitted on match clock expiry")
	if err := p.send(ws.TypeSubmitAnswer, payload); err != nil {
		p.logger.Warn().Err(err).Msg("forced submit forward failed")
	}
}

func (p *AnswerPipeline) advanceLocked() {
	p.round++
	if p.round <= p.total {
		p.current = p.gen.Next()
		p.roundStart = p.clock.Now()
	}
}

// CurrentRound returns the in-flight round index and its problem.
func (p *AnswerPipeline) CurrentRound() (int, Problem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round, p.current
}

// Records returns a copy of the append-only answer log.
func (p *AnswerPipeline) Records() []ws.AnswerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ws.AnswerRecord(nil), p.records...)
}

// CorrectCount reports locally counted correct answers. Advisory, UI only.
func (p *AnswerPipeline) CorrectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.records {
		if r.Correct {
			n++
		}
	}
	return n
}
