package duel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// State is the session machine's position in the match lifecycle.
type State int

const (
	StateConnecting State = iota
	StateMatchmaking
	StateChallengeLobby
	StateReady
	StatePlaying
	StateWaitingForOpponent
	StateFinished
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateMatchmaking:
		return "matchmaking"
	case StateChallengeLobby:
		return "challenge-lobby"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateWaitingForOpponent:
		return "waiting-for-opponent"
	case StateFinished:
		return "finished"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// sessionTransitions is the full table of legal moves. Everything else is
// rejected as a no-op. Finished and Abandoned are terminal.
var sessionTransitions = map[State][]State{
	StateConnecting:         {StateMatchmaking, StateChallengeLobby, StateAbandoned},
	StateMatchmaking:        {StateReady, StateAbandoned},
	StateChallengeLobby:     {StateReady, StateAbandoned},
	StateReady:              {StatePlaying, StateAbandoned},
	StatePlaying:            {StateWaitingForOpponent, StateFinished, StateAbandoned},
	StateWaitingForOpponent: {StateFinished, StateAbandoned},
	StateFinished:           {},
	StateAbandoned:          {},
}

func validTransition(from, to State) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes session state changes; the UI renders off these.
type TransitionFunc func(from, to State)

// RoomInfo describes the paired match from this client's perspective.
type RoomInfo struct {
	ID         string
	Opponent   ws.PlayerRef
	IsHost     bool
	Difficulty ws.Difficulty
}

// CountdownTick is the payload of EventCountdownTick.
type CountdownTick struct {
	Remaining int `json:"remaining"`
}

// MatchResult is the terminal outcome as reported by the server, plus the
// locally derived rewards.
type MatchResult struct {
	Winner          string
	Tie             bool
	Scores          map[string]int
	CompletionTimes map[string]float64
	Questions       map[string][]ws.AnswerRecord
	Outcome         *MatchOutcome
}

// Session drives one match through its lifecycle. It is created when a queue
// or challenge flow starts and is torn down on Finished or Abandoned.
//
// Playing is entered only on the server's game-start; the ready countdown is
// cosmetic. Finished is entered only on the server's game-end; local logic
// never concludes a match on its own.
type Session struct {
	c      *Client
	clock  clockwork.Clock
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	ended       bool // short-circuits every per-match event once set
	room        RoomInfo
	pipeline    *AnswerPipeline
	countdown   int
	matchStart  time.Time
	startTime   int64 // server-reported unix millis, display only
	scores      map[string]int
	completions map[string]float64
	result      *MatchResult
	observers   []TransitionFunc
	unsubs      []func()
	stopCh      chan struct{}
	stopped     bool
}

func newSession(c *Client) *Session {
	s := &Session{
		c:           c,
		clock:       c.clock,
		logger:      c.logger.With().Str("component", "session").Logger(),
		state:       StateConnecting,
		scores:      make(map[string]int),
		completions: make(map[string]float64),
		stopCh:      make(chan struct{}),
	}
	s.unsubs = []func(){
		c.dispatcher.Subscribe(ws.TypeGameStart, s.onGameStart),
		c.dispatcher.Subscribe(ws.TypeScoreUpdate, s.onScoreUpdate),
		c.dispatcher.Subscribe(ws.TypePlayerCompleted, s.onPlayerCompleted),
		c.dispatcher.Subscribe(ws.TypeGameEnd, s.onGameEnd),
		c.dispatcher.Subscribe(ws.TypeOpponentDisconnect, s.onOpponentDisconnect),
		c.dispatcher.Subscribe(EventConnectionLost, s.onConnectionLost),
	}
	return s
}

// OnTransition registers a state observer. Observers run on the goroutine
// that triggered the transition, after the state has changed.
func (s *Session) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Session) toMatchmaking() bool    { return s.transition(StateMatchmaking) }
func (s *Session) toChallengeLobby() bool { return s.transition(StateChallengeLobby) }

// enterRoom moves a queue or lobby session into its matched room and starts
// the cosmetic ready countdown.
func (s *Session) enterRoom(room RoomInfo) bool {
	s.mu.Lock()
	if s.ended || !validTransition(s.state, StateReady) {
		s.mu.Unlock()
		s.logger.Warn().Str("room_id", room.ID).Msg("match-found in invalid state, ignored")
		return false
	}
	from := s.state
	s.state = StateReady
	s.room = room
	s.countdown = s.c.cfg.CountdownTicks
	s.pipeline = newAnswerPipeline(room.ID, room.Difficulty, s.c.cfg.QuestionsPerMatch, s.clock, s.c.send, s.logger)
	obs := append([]TransitionFunc(nil), s.observers...)
	s.mu.Unlock()

	s.c.promoteFlow(flowMatch)
	s.logger.Info().
		Str("room_id", room.ID).
		Str("opponent", room.Opponent.ID).
		Bool("is_host", room.IsHost).
		Msg("entered room")

	go s.countdownLoop()
	s.notify(obs, from, StateReady)
	return true
}

// transition applies a legal state change and notifies observers. Illegal
// moves are rejected and logged.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		s.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("invalid transition rejected")
		return false
	}
	s.state = to
	obs := append([]TransitionFunc(nil), s.observers...)
	s.mu.Unlock()

	s.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	s.notify(obs, from, to)
	return true
}

func (s *Session) notify(obs []TransitionFunc, from, to State) {
	for _, fn := range obs {
		fn(from, to)
	}
}

// countdownLoop ticks the ready countdown once per second. Reaching zero
// does not start play; only game-start does.
func (s *Session) countdownLoop() {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.mu.Lock()
			if s.ended || s.state != StateReady {
				s.mu.Unlock()
				return
			}
			s.countdown--
			remaining := s.countdown
			s.mu.Unlock()

			s.c.dispatcher.emit(EventCountdownTick, CountdownTick{Remaining: remaining})
			if remaining <= 0 {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// matchClockLoop force-submits the in-flight round when the match-wide timer
// elapses. The session stays in Playing until the server's game-end.
func (s *Session) matchClockLoop() {
	timer := s.clock.NewTimer(s.c.cfg.MatchTimer)
	defer stopAndDrainTimer(timer)

	select {
	case <-timer.Chan():
		s.onMatchClockExpired()
	case <-s.stopCh:
	}
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

func (s *Session) onMatchClockExpired() {
	s.mu.Lock()
	if s.ended || s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	pipeline := s.pipeline
	s.mu.Unlock()

	s.logger.Info().Str("room_id", s.Room().ID).Msg("match clock expired")
	pipeline.forceTimeout()
}

func (s *Session) onGameStart(payload json.RawMessage) {
	s.mu.Lock()
	if s.ended || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var p ws.GameStartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed game-start payload")
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.matchStart = now
	s.startTime = p.StartTime
	pipeline := s.pipeline
	s.mu.Unlock()

	pipeline.begin(now)
	if s.transition(StatePlaying) {
		go s.matchClockLoop()
	}
}

func (s *Session) onScoreUpdate(payload json.RawMessage) {
	var p ws.ScoreUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed score-update payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	// Broadcast scores overwrite local state unconditionally; they are the
	// only trusted source.
	s.scores[p.PlayerID] = p.Score
}

func (s *Session) onPlayerCompleted(payload json.RawMessage) {
	var p ws.PlayerCompletedBroadcast
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed player-completed payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.completions[p.PlayerID] = p.CompletionTime
}

func (s *Session) onGameEnd(payload json.RawMessage) {
	var p ws.GameEndPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed game-end payload")
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug().Msg("duplicate game-end suppressed")
		return
	}
	if !validTransition(s.state, StateFinished) {
		s.mu.Unlock()
		s.logger.Warn().Str("state", s.State().String()).Msg("game-end in invalid state, ignored")
		return
	}
	s.ended = true
	s.scores = p.Scores
	s.completions = p.CompletionTimes
	room := s.room
	s.stopTimersLocked()
	s.mu.Unlock()

	playerID := s.c.Identity().PlayerID
	outcome := s.c.rewards.Reconcile(playerID, room.ID, room.Difficulty, p)

	s.mu.Lock()
	s.result = &MatchResult{
		Winner:          p.Winner,
		Tie:             isTie(p.Scores),
		Scores:          p.Scores,
		CompletionTimes: p.CompletionTimes,
		Questions:       p.Questions,
		Outcome:         outcome,
	}
	s.mu.Unlock()

	s.transition(StateFinished)
	s.teardown()
}

func (s *Session) onOpponentDisconnect(json.RawMessage) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug().Msg("opponent-disconnect after game-end suppressed")
		return
	}
	s.mu.Unlock()

	s.abandon("opponent disconnected")
}

func (s *Session) onConnectionLost(json.RawMessage) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.abandon("connection lost")
}

// Leave abandons the session locally. Fire-and-forget: the server learns of
// the departure through the transport, not through this call.
func (s *Session) Leave() {
	s.abandon("left match")
}

// abandon unwinds to the pre-match menu state, discarding in-flight round
// data. There is no resume.
func (s *Session) abandon(reason string) {
	s.mu.Lock()
	if s.ended || s.state == StateFinished || s.state == StateAbandoned {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.stopTimersLocked()
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Msg("match abandoned")
	s.transition(StateAbandoned)
	s.teardown()
	s.c.clearSession(s)
}

func (s *Session) stopTimersLocked() {
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// teardown cancels subscriptions and releases the connection for the next
// flow. Idempotent.
func (s *Session) teardown() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if unsubs != nil {
		s.c.releaseFlow()
	}
}

// SubmitAnswer runs the pipeline for the in-flight round. On the last round
// it reports the completion time and moves to WaitingForOpponent.
func (s *Session) SubmitAnswer(value string) (SubmitResult, error) {
	s.mu.Lock()
	if s.ended || s.state != StatePlaying {
		s.mu.Unlock()
		return SubmitResult{}, ErrNoActiveRound
	}
	pipeline := s.pipeline
	s.mu.Unlock()

	res, err := pipeline.Submit(value)
	if err != nil {
		return res, err
	}

	if res.Done {
		s.completeLocally()
	}
	return res, nil
}

func (s *Session) completeLocally() {
	s.mu.Lock()
	if s.ended || s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	elapsed := s.clock.Since(s.matchStart).Seconds()
	roomID := s.room.ID
	playerID := s.c.Identity().PlayerID
	s.completions[playerID] = elapsed
	s.stopTimersLocked() // nothing left to force-submit
	s.mu.Unlock()

	s.transition(StateWaitingForOpponent)
	if err := s.c.send(ws.TypePlayerCompleted, ws.PlayerCompletedPayload{
		RoomID:         roomID,
		CompletionTime: elapsed,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("completion report failed")
	}
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ended reports whether the match-already-ended flag is set.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Room returns the matched room info (zero value before pairing).
func (s *Session) Room() RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Countdown returns the remaining ready ticks.
func (s *Session) Countdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdown
}

// CurrentRound exposes the in-flight round for rendering.
func (s *Session) CurrentRound() (int, Problem) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return 0, Problem{}
	}
	return pipeline.CurrentRound()
}

// Records returns the local append-only answer log.
func (s *Session) Records() []ws.AnswerRecord {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	return pipeline.Records()
}

// Scores returns a copy of the authoritative score map.
func (s *Session) Scores() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.scores))
	for id, score := range s.scores {
		out[id] = score
	}
	return out
}

// CompletionTimes returns a copy of known completion reports.
func (s *Session) CompletionTimes() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.completions))
	for id, t := range s.completions {
		out[id] = t
	}
	return out
}

// StartTime returns the server-reported match start in unix millis.
func (s *Session) StartTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Result returns the terminal outcome once Finished, else nil.
func (s *Session) Result() *MatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
