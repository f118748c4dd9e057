package duel

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/mathduel/mathduel/pkg/ws"
)

// Problem is one round's equation. Answers are always integers; division
// problems are built from an exact product.
type Problem struct {
	Text   string
	Answer int
}

// ProblemGenerator produces arithmetic problems for one difficulty tier.
// Each client generates rounds locally and independently; two players in the
// same match race on different equations of the same tier.
//
// Not safe for concurrent use; the answer pipeline serializes access.
type ProblemGenerator struct {
	difficulty ws.Difficulty
	rng        *rand.Rand
}

// NewProblemGenerator creates a generator. Seed 0 derives one from the
// current time; tests pass a fixed seed for reproducible rounds.
func NewProblemGenerator(difficulty ws.Difficulty, seed int64) *ProblemGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &ProblemGenerator{
		difficulty: difficulty,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Next returns a fresh problem for the generator's tier.
func (g *ProblemGenerator) Next() Problem {
	switch g.difficulty {
	case ws.DifficultyMedium:
		return g.medium()
	case ws.DifficultyHard:
		return g.hard()
	default:
		return g.easy()
	}
}

// easy: single-step addition or subtraction on small operands, never
// negative.
func (g *ProblemGenerator) easy() Problem {
	a, b := g.pick(1, 20), g.pick(1, 20)
	if g.rng.Intn(2) == 0 {
		return Problem{Text: fmt.Sprintf("%d + %d", a, b), Answer: a + b}
	}
	if b > a {
		a, b = b, a
	}
	return Problem{Text: fmt.Sprintf("%d − %d", a, b), Answer: a - b}
}

// medium: two-digit addition/subtraction or times tables.
func (g *ProblemGenerator) medium() Problem {
	switch g.rng.Intn(3) {
	case 0:
		a, b := g.pick(10, 99), g.pick(10, 99)
		return Problem{Text: fmt.Sprintf("%d + %d", a, b), Answer: a + b}
	case 1:
		a, b := g.pick(10, 99), g.pick(10, 99)
		if b > a {
			a, b = b, a
		}
		return Problem{Text: fmt.Sprintf("%d − %d", a, b), Answer: a - b}
	default:
		a, b := g.pick(2, 12), g.pick(2, 12)
		return Problem{Text: fmt.Sprintf("%d × %d", a, b), Answer: a * b}
	}
}

// hard: larger multiplication, exact division, or a two-step expression.
func (g *ProblemGenerator) hard() Problem {
	switch g.rng.Intn(3) {
	case 0:
		a, b := g.pick(11, 25), g.pick(3, 12)
		return Problem{Text: fmt.Sprintf("%d × %d", a, b), Answer: a * b}
	case 1:
		b, q := g.pick(3, 12), g.pick(3, 12)
		return Problem{Text: fmt.Sprintf("%d ÷ %d", b*q, b), Answer: q}
	default:
		a, b := g.pick(3, 12), g.pick(3, 12)
		if g.rng.Intn(2) == 0 {
			c := g.pick(1, 20)
			return Problem{Text: fmt.Sprintf("%d × %d + %d", a, b, c), Answer: a*b + c}
		}
		c := g.pick(1, a*b) // keeps the answer non-negative
		return Problem{Text: fmt.Sprintf("%d × %d − %d", a, b, c), Answer: a*b - c}
	}
}

func (g *ProblemGenerator) pick(min, max int) int {
	return g.rng.Intn(max-min+1) + min
}
