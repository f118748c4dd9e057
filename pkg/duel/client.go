package duel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// ConnStatus is the transport state of the client.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// flowKind tracks the single active context on the connection. Only one
// queue, challenge lobby, or match may run at a time.
type flowKind int

const (
	flowNone flowKind = iota
	flowQueue
	flowChallenge
	flowMatch
)

// Config tunes a Client. The zero value gets production defaults.
type Config struct {
	HandshakeTimeout     time.Duration // default 10s
	ReconnectAttempts    int           // default 3
	ReconnectDelay       time.Duration // default 2s
	PresencePollInterval time.Duration // default 30s
	CountdownTicks       int           // default 3
	MatchTimer           time.Duration // default 120s
	QuestionsPerMatch    int           // default 10

	// Profile is the external profile-persistence collaborator. Optional;
	// without it presence polling is manual and rewards are not persisted.
	Profile ProfileStore

	Rewards RewardConfig    // zero value means DefaultRewardConfig
	Clock   clockwork.Clock // default real clock; tests inject a fake
	Logger  zerolog.Logger  // default zerolog.Nop()
}

func (cfg Config) withDefaults() Config {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 3
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PresencePollInterval <= 0 {
		cfg.PresencePollInterval = 30 * time.Second
	}
	if cfg.CountdownTicks <= 0 {
		cfg.CountdownTicks = 3
	}
	if cfg.MatchTimer <= 0 {
		cfg.MatchTimer = 120 * time.Second
	}
	if cfg.QuestionsPerMatch <= 0 {
		cfg.QuestionsPerMatch = 10
	}
	if cfg.Rewards.BaseCoins == nil {
		cfg.Rewards = DefaultRewardConfig()
	}
	if cfg.Rewards.QuestionsPerMatch <= 0 {
		cfg.Rewards.QuestionsPerMatch = cfg.QuestionsPerMatch
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}

// transport is the socket seam; tests substitute a scripted implementation.
type transport interface {
	writeJSON(v any) error
	readJSON(v any) error
	close() error
}

type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla permits one concurrent writer
}

func (t *wsTransport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) readJSON(v any) error { return t.conn.ReadJSON(v) }
func (t *wsTransport) close() error         { return t.conn.Close() }

// Client owns the single duel connection and the components built on it.
// Construct one per player session; there is no package-level instance.
//
// All inbound events are dispatched sequentially on the read-pump goroutine,
// so event handlers never run in parallel with each other.
type Client struct {
	cfg        Config
	clock      clockwork.Clock
	logger     zerolog.Logger
	dispatcher *Dispatcher
	rewards    *RewardEngine

	presence   *PresenceTracker
	matchmaker *Matchmaker
	challenges *Challenges

	errCh chan error

	mu         sync.Mutex
	status     ConnStatus
	identity   Identity
	serverURL  string
	tr         transport
	generation int // bumps per (re)connect so stale pumps stand down
	attempts   int // reconnect attempts used for the current outage
	closing    bool
	flow       flowKind
	session    *Session
}

// NewClient builds a disconnected client.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		errCh:  make(chan error, 16),
	}
	c.dispatcher = NewDispatcher(c.logger)
	c.rewards = NewRewardEngine(cfg.Rewards, cfg.Profile, c.logger)
	c.presence = newPresenceTracker(c)
	c.matchmaker = newMatchmaker(c)
	c.challenges = newChallenges(c)

	c.dispatcher.Subscribe(ws.TypeError, c.onServerError)
	return c
}

// Connect opens the transport, carrying the identity token in the handshake.
// Guest identities are refused before any dial attempt.
func (c *Client) Connect(ctx context.Context, serverURL string, identity Identity) error {
	if identity.Guest || identity.Token == "" {
		return ErrAuthRequired
	}

	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.status = StatusConnecting
	c.identity = identity
	c.serverURL = serverURL
	c.closing = false
	c.mu.Unlock()

	tr, err := c.dial(ctx, serverURL, identity.Token)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		if err == ErrAuthRequired {
			return err
		}
		return &ConnectionError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.tr = tr
	c.status = StatusConnected
	c.attempts = 0
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.logger.Info().
		Str("server", serverURL).
		Str("player_id", identity.PlayerID).
		Msg("connected")

	go c.readPump(tr, gen)
	return nil
}

func (c *Client) dial(ctx context.Context, serverURL, token string) (transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
				return nil, ErrAuthRequired
			}
		}
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// Disconnect tears down the connection. Session-scoped state is cleared by
// the connection-lost event the read pump emits on its way out; no reconnect
// is attempted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	tr := c.tr
	if tr == nil {
		// Mid-reconnect or already down; stop any retry loop.
		c.closing = true
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	tr.close()
}

// readPump is the single event loop: every inbound message is dispatched
// sequentially from here.
func (c *Client) readPump(tr transport, gen int) {
	for {
		var msg ws.Message
		if err := tr.readJSON(&msg); err != nil {
			c.handleDisconnect(tr, gen, err)
			return
		}
		c.dispatcher.dispatch(msg)
	}
}

func (c *Client) handleDisconnect(tr transport, gen int, cause error) {
	tr.close()

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return // a newer connection took over
	}
	closing := c.closing
	c.status = StatusDisconnected
	c.tr = nil
	c.mu.Unlock()

	if closing {
		c.logger.Info().Msg("connection closed")
	} else {
		c.logger.Warn().Err(cause).Msg("connection lost")
		c.pushErr(&ConnectionError{Op: "read", Err: cause})
	}

	// Active match/queue/challenge state unwinds on this signal. An
	// in-progress match is never resumed, even if the reconnect succeeds.
	c.dispatcher.emit(EventConnectionLost, nil)

	if !closing {
		c.reconnect(gen)
	}
}

// reconnect retries the transport a bounded number of times with a fixed
// delay. Runs on the dying read pump's goroutine, so dispatch stays
// sequential throughout.
func (c *Client) reconnect(gen int) {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		<-c.clock.After(c.cfg.ReconnectDelay)

		c.mu.Lock()
		if c.closing || c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.attempts = attempt
		c.status = StatusConnecting
		serverURL, token := c.serverURL, c.identity.Token
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		tr, err := c.dial(ctx, serverURL, token)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			c.mu.Lock()
			c.status = StatusDisconnected
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.generation++
		newGen := c.generation
		c.tr = tr
		c.status = StatusConnected
		c.attempts = 0
		c.mu.Unlock()

		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		c.dispatcher.emit(EventConnectionRestored, nil)
		go c.readPump(tr, newGen)
		return
	}

	c.logger.Error().Int("attempts", c.cfg.ReconnectAttempts).Msg("reconnect abandoned")
	c.pushErr(&ConnectionError{
		Op:  "reconnect",
		Err: fmt.Errorf("gave up after %d attempts", c.cfg.ReconnectAttempts),
	})
}

// send marshals and writes one message. Fire-and-forget: callers do not wait
// for server acknowledgment.
func (c *Client) send(msgType string, payload any) error {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	tr := c.tr
	status := c.status
	c.mu.Unlock()

	if status != StatusConnected || tr == nil {
		return ErrNotConnected
	}
	if err := tr.writeJSON(msg); err != nil {
		c.logger.Warn().Err(err).Str("type", msgType).Msg("send failed")
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) onServerError(payload json.RawMessage) {
	var p ws.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("malformed error payload")
		return
	}
	c.logger.Warn().Str("message", p.Message).Msg("server error")
	c.pushErr(&ServerError{Message: p.Message})
}

// pushErr delivers to the error channel without ever blocking dispatch.
func (c *Client) pushErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// acquireFlow claims the connection for a new context.
func (c *Client) acquireFlow(k flowKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return ErrNotConnected
	}
	if c.flow != flowNone {
		return ErrBusy
	}
	c.flow = k
	return nil
}

// promoteFlow moves a queue/challenge context into its match.
func (c *Client) promoteFlow(k flowKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flow = k
}

func (c *Client) releaseFlow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flow = flowNone
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Client) clearSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
}

// Session returns the active game session, or nil outside a flow.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Status returns the transport state.
func (c *Client) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Identity returns the connected identity (zero value before Connect).
func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Events exposes the dispatcher for UI subscriptions.
func (c *Client) Events() *Dispatcher { return c.dispatcher }

// Errors streams connection and server errors. The channel is buffered and
// never blocks the event loop; drain it from the UI.
func (c *Client) Errors() <-chan error { return c.errCh }

// Matchmaking returns the queue coordinator.
func (c *Client) Matchmaking() *Matchmaker { return c.matchmaker }

// Challenges returns the friend-challenge coordinator.
func (c *Client) Challenges() *Challenges { return c.challenges }

// Presence returns the friend presence tracker.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Rewards returns the score reconciliation engine.
func (c *Client) Rewards() *RewardEngine { return c.rewards }
