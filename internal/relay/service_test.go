package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathduel/mathduel/pkg/ws"
)

type stubRecorder struct {
	records chan MatchRecord
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{records: make(chan MatchRecord, 4)}
}

func (s *stubRecorder) RecordMatch(_ context.Context, rec MatchRecord) error {
	s.records <- rec
	return nil
}

func (s *stubRecorder) wait(t *testing.T) MatchRecord {
	t.Helper()
	select {
	case rec := <-s.records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no match record arrived")
		return MatchRecord{}
	}
}

type serviceFixture struct {
	svc      *Service
	sender   *recordingSender
	recorder *stubRecorder
	clock    *clockwork.FakeClock
}

func newServiceFixture(t *testing.T, cfg Config) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		sender:   newRecordingSender(),
		recorder: newStubRecorder(),
		clock:    clockwork.NewFakeClock(),
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	f.svc = NewService(cfg, f.sender, f.recorder, nil, metrics, f.clock, zerolog.Nop())
	return f
}

func (f *serviceFixture) connect(id, name string) Player {
	p := Player{ID: id, Name: name}
	f.svc.HandleConnect(p)
	return p
}

func (f *serviceFixture) join(t *testing.T, playerID string, d ws.Difficulty) {
	t.Helper()
	msg := newMessage(ws.TypeJoinMatchmaking, ws.JoinMatchmakingPayload{Difficulty: d})
	require.NoError(t, f.svc.HandleMessage(playerID, msg))
}

// waitFor polls until at least n messages of a type reached a player.
func (f *serviceFixture) waitFor(t *testing.T, playerID, msgType string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sender.count(playerID, msgType) >= n },
		2*time.Second, 5*time.Millisecond, "expected %s for %s", msgType, playerID)
}

// startQueueMatch pairs host and guest through the easy queue and advances
// the fake clock past the game-start delay.
func (f *serviceFixture) startQueueMatch(t *testing.T) (host, guest Player) {
	t.Helper()
	host = f.connect("h", "Hana")
	guest = f.connect("g", "Gabe")
	f.join(t, host.ID, ws.DifficultyEasy)
	f.join(t, guest.ID, ws.DifficultyEasy)

	f.clock.BlockUntil(1)
	f.clock.Advance(f.svc.cfg.GameStartDelay)
	f.waitFor(t, host.ID, ws.TypeGameStart, 1)
	f.waitFor(t, guest.ID, ws.TypeGameStart, 1)
	return host, guest
}

func TestQueuePairingAnnouncesBothSides(t *testing.T) {
	f := newServiceFixture(t, Config{})
	host := f.connect("h", "Hana")
	guest := f.connect("g", "Gabe")

	f.join(t, host.ID, ws.DifficultyEasy)
	assert.Equal(t, 0, f.sender.count(host.ID, ws.TypeMatchFound), "lone player waits")

	f.join(t, guest.ID, ws.DifficultyEasy)

	var hostView ws.MatchFoundPayload
	f.sender.lastPayload(t, host.ID, ws.TypeMatchFound, &hostView)
	assert.True(t, hostView.IsHost, "the waiting player hosts")
	assert.Equal(t, guest.ID, hostView.Opponent.ID)
	assert.Equal(t, "Gabe", hostView.Opponent.Name)

	var guestView ws.MatchFoundPayload
	f.sender.lastPayload(t, guest.ID, ws.TypeMatchFound, &guestView)
	assert.False(t, guestView.IsHost)
	assert.Equal(t, hostView.RoomID, guestView.RoomID)
}

func TestJoinMatchmakingValidation(t *testing.T) {
	f := newServiceFixture(t, Config{})
	p := f.connect("a", "Alice")

	require.NoError(t, f.svc.HandleMessage(p.ID, newMessage(ws.TypeJoinMatchmaking,
		ws.JoinMatchmakingPayload{Difficulty: "brutal"})))
	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, p.ID, ws.TypeError, &errMsg)
	assert.Contains(t, errMsg.Message, "unknown difficulty")

	f.join(t, p.ID, ws.DifficultyEasy)
	f.join(t, p.ID, ws.DifficultyEasy)
	f.sender.lastPayload(t, p.ID, ws.TypeError, &errMsg)
	assert.Contains(t, errMsg.Message, "already queued")
}

func TestJoinWhileInMatchRejected(t *testing.T) {
	f := newServiceFixture(t, Config{})
	host, _ := f.startQueueMatch(t)

	f.join(t, host.ID, ws.DifficultyHard)
	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, host.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "already in a match", errMsg.Message)
}

func TestMessageFromUnknownPlayer(t *testing.T) {
	f := newServiceFixture(t, Config{})
	err := f.svc.HandleMessage("ghost", newMessage(ws.TypeLeaveMatchmaking, nil))
	assert.Error(t, err)
}

func TestUnknownMessageType(t *testing.T) {
	f := newServiceFixture(t, Config{})
	p := f.connect("a", "Alice")

	require.NoError(t, f.svc.HandleMessage(p.ID, newMessage("do-a-flip", nil)))
	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, p.ID, ws.TypeError, &errMsg)
	assert.Contains(t, errMsg.Message, "unknown message type")
}

func TestMatchCompletionFlow(t *testing.T) {
	f := newServiceFixture(t, Config{})
	host, guest := f.startQueueMatch(t)

	var found ws.MatchFoundPayload
	f.sender.lastPayload(t, host.ID, ws.TypeMatchFound, &found)

	submit := ws.SubmitAnswerPayload{
		RoomID: found.RoomID, Answer: "5", Correct: true,
		TimeSpent: 1.5, Question: "2 + 3", CorrectAnswer: "5",
	}
	require.NoError(t, f.svc.HandleMessage(host.ID, newMessage(ws.TypeSubmitAnswer, submit)))

	require.NoError(t, f.svc.HandleMessage(host.ID, newMessage(ws.TypePlayerCompleted,
		ws.PlayerCompletedPayload{RoomID: found.RoomID, CompletionTime: 40.5})))
	require.NoError(t, f.svc.HandleMessage(guest.ID, newMessage(ws.TypePlayerCompleted,
		ws.PlayerCompletedPayload{RoomID: found.RoomID, CompletionTime: 50.1})))

	// The second completion ends the match synchronously.
	var end ws.GameEndPayload
	f.sender.lastPayload(t, guest.ID, ws.TypeGameEnd, &end)
	assert.Equal(t, host.ID, end.Winner)
	assert.Equal(t, 1, end.Scores[host.ID])
	assert.Equal(t, 40.5, end.CompletionTimes[host.ID])
	assert.Len(t, end.Questions[host.ID], 1)

	// Each client sees the protocol in its guaranteed order.
	assert.Equal(t, []string{
		ws.TypeMatchFound,
		ws.TypeGameStart,
		ws.TypeScoreUpdate,
		ws.TypePlayerCompleted,
		ws.TypePlayerCompleted,
		ws.TypeGameEnd,
	}, f.sender.typesFor(guest.ID))

	rec := f.recorder.wait(t)
	assert.Equal(t, found.RoomID, rec.RoomID)
	assert.Equal(t, EndCompleted, rec.Status)
	assert.Equal(t, host.ID, rec.Winner)

	// A submission racing the end is dropped without an error reply.
	errors := f.sender.count(host.ID, ws.TypeError)
	require.NoError(t, f.svc.HandleMessage(host.ID, newMessage(ws.TypeSubmitAnswer, submit)))
	assert.Equal(t, errors, f.sender.count(host.ID, ws.TypeError))
	assert.Equal(t, 1, f.sender.count(guest.ID, ws.TypeScoreUpdate))
}

func TestMatchTimeout(t *testing.T) {
	f := newServiceFixture(t, Config{})
	host, guest := f.startQueueMatch(t)

	var found ws.MatchFoundPayload
	f.sender.lastPayload(t, guest.ID, ws.TypeMatchFound, &found)
	require.NoError(t, f.svc.HandleMessage(guest.ID, newMessage(ws.TypeSubmitAnswer, ws.SubmitAnswerPayload{
		RoomID: found.RoomID, Answer: "4", Correct: true, Question: "2 + 2", CorrectAnswer: "4",
	})))

	f.clock.BlockUntil(1)
	f.clock.Advance(f.svc.cfg.MatchTimer)

	rec := f.recorder.wait(t)
	assert.Equal(t, EndTimeout, rec.Status)
	assert.Equal(t, guest.ID, rec.Winner, "the higher score at the bell wins")

	f.waitFor(t, host.ID, ws.TypeGameEnd, 1)
	var end ws.GameEndPayload
	f.sender.lastPayload(t, host.ID, ws.TypeGameEnd, &end)
	assert.Equal(t, guest.ID, end.Winner)
}

func TestDisconnectAbandonsMatch(t *testing.T) {
	f := newServiceFixture(t, Config{})
	host, guest := f.startQueueMatch(t)

	f.svc.HandleDisconnect(guest.ID)

	assert.Equal(t, 1, f.sender.count(host.ID, ws.TypeOpponentDisconnect))
	assert.Equal(t, 0, f.sender.count(host.ID, ws.TypeGameEnd),
		"abandoned matches end without game-end")

	rec := f.recorder.wait(t)
	assert.Equal(t, EndAbandoned, rec.Status)
	assert.Empty(t, rec.Winner)
	assert.Equal(t, ws.DifficultyEasy, rec.Difficulty)
}

func TestDisconnectFreesQueueSpot(t *testing.T) {
	f := newServiceFixture(t, Config{})
	a := f.connect("a", "Alice")
	f.join(t, a.ID, ws.DifficultyMedium)

	f.svc.HandleDisconnect(a.ID)

	b := f.connect("b", "Bob")
	f.join(t, b.ID, ws.DifficultyMedium)
	assert.Equal(t, 0, f.sender.count(b.ID, ws.TypeMatchFound),
		"a departed player must not be paired")
}

func TestLeaveMatchmaking(t *testing.T) {
	f := newServiceFixture(t, Config{})
	a := f.connect("a", "Alice")
	b := f.connect("b", "Bob")

	f.join(t, a.ID, ws.DifficultyEasy)
	require.NoError(t, f.svc.HandleMessage(a.ID, newMessage(ws.TypeLeaveMatchmaking, nil)))

	f.join(t, b.ID, ws.DifficultyEasy)
	assert.Equal(t, 0, f.sender.count(b.ID, ws.TypeMatchFound))

	// Leaving when not queued is a quiet no-op; the pairing may have raced.
	require.NoError(t, f.svc.HandleMessage(a.ID, newMessage(ws.TypeLeaveMatchmaking, nil)))
	assert.Equal(t, 0, f.sender.count(a.ID, ws.TypeError))
}

func TestConnectedPlayersGauge(t *testing.T) {
	f := newServiceFixture(t, Config{})
	f.connect("a", "Alice")
	f.connect("b", "Bob")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.metrics.ConnectedPlayers))

	// A reconnect replaces the registration without double counting.
	f.connect("a", "Alice")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.metrics.ConnectedPlayers))

	f.svc.HandleDisconnect("a")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.ConnectedPlayers))

	f.svc.HandleDisconnect("a")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.ConnectedPlayers),
		"unknown disconnects are ignored")
}

func TestQueueDepthGauge(t *testing.T) {
	f := newServiceFixture(t, Config{})
	a := f.connect("a", "Alice")
	f.connect("b", "Bob")

	f.join(t, a.ID, ws.DifficultyHard)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.QueueDepth.WithLabelValues("hard")))

	f.join(t, "b", ws.DifficultyHard)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.svc.metrics.QueueDepth.WithLabelValues("hard")))
}

func sendChallenge(t *testing.T, f *serviceFixture, from, to Player, d ws.Difficulty) ws.ChallengeLobbyCreatedPayload {
	t.Helper()
	require.NoError(t, f.svc.HandleMessage(from.ID, newMessage(ws.TypeSendFriendChallenge,
		ws.SendFriendChallengePayload{FriendID: to.ID, Difficulty: d})))
	var lobby ws.ChallengeLobbyCreatedPayload
	f.sender.lastPayload(t, from.ID, ws.TypeChallengeLobbyCreated, &lobby)
	return lobby
}

func TestChallengeAcceptStartsMatch(t *testing.T) {
	f := newServiceFixture(t, Config{ChallengeExpiry: 45 * time.Second})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")

	lobby := sendChallenge(t, f, alice, bob, ws.DifficultyMedium)
	assert.Equal(t, bob.ID, lobby.FriendID)
	assert.Equal(t, "Bob", lobby.FriendName)
	assert.Equal(t, 45, lobby.ExpiresIn, "expiry window is server-assigned")

	var received ws.FriendChallengeReceivedPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeFriendChallengeReceived, &received)
	assert.Equal(t, lobby.ChallengeID, received.ChallengeID)
	assert.Equal(t, alice.ID, received.From.ID)
	assert.Equal(t, ws.DifficultyMedium, received.Difficulty)

	require.NoError(t, f.svc.HandleMessage(bob.ID, newMessage(ws.TypeAcceptFriendChallenge,
		ws.AcceptFriendChallengePayload{ChallengeID: received.ChallengeID, ChallengerID: alice.ID})))

	var view ws.MatchFoundPayload
	f.sender.lastPayload(t, alice.ID, ws.TypeMatchFound, &view)
	assert.True(t, view.IsHost, "the challenger hosts")
	f.sender.lastPayload(t, bob.ID, ws.TypeMatchFound, &view)
	assert.False(t, view.IsHost)
}

func TestChallengeDecline(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")

	lobby := sendChallenge(t, f, alice, bob, ws.DifficultyEasy)
	require.NoError(t, f.svc.HandleMessage(bob.ID, newMessage(ws.TypeDeclineFriendChallenge,
		ws.DeclineFriendChallengePayload{ChallengeID: lobby.ChallengeID, ChallengerID: alice.ID})))

	var timeout ws.ChallengeTimeoutPayload
	f.sender.lastPayload(t, alice.ID, ws.TypeChallengeTimeout, &timeout)
	assert.Equal(t, "Bob declined your challenge", timeout.Message)

	// Already resolved: a second decline is refused.
	require.NoError(t, f.svc.HandleMessage(bob.ID, newMessage(ws.TypeDeclineFriendChallenge,
		ws.DeclineFriendChallengePayload{ChallengeID: lobby.ChallengeID, ChallengerID: alice.ID})))
	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "challenge is no longer available", errMsg.Message)
}

func TestChallengeExpiryNotifiesBoth(t *testing.T) {
	f := newServiceFixture(t, Config{ChallengeExpiry: 30 * time.Second})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")

	lobby := sendChallenge(t, f, alice, bob, ws.DifficultyEasy)

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)

	f.waitFor(t, alice.ID, ws.TypeChallengeExpired, 1)
	f.waitFor(t, bob.ID, ws.TypeChallengeExpired, 1)

	var expired ws.ChallengeExpiredPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeChallengeExpired, &expired)
	assert.Equal(t, lobby.ChallengeID, expired.ChallengeID)

	// Accepting after expiry fails.
	require.NoError(t, f.svc.HandleMessage(bob.ID, newMessage(ws.TypeAcceptFriendChallenge,
		ws.AcceptFriendChallengePayload{ChallengeID: lobby.ChallengeID, ChallengerID: alice.ID})))
	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "challenge is no longer available", errMsg.Message)
}

func TestChallengeValidation(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")

	var errMsg ws.ErrorPayload

	require.NoError(t, f.svc.HandleMessage(alice.ID, newMessage(ws.TypeSendFriendChallenge,
		ws.SendFriendChallengePayload{FriendID: alice.ID, Difficulty: ws.DifficultyEasy})))
	f.sender.lastPayload(t, alice.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "cannot challenge yourself", errMsg.Message)

	require.NoError(t, f.svc.HandleMessage(alice.ID, newMessage(ws.TypeSendFriendChallenge,
		ws.SendFriendChallengePayload{FriendID: "offline-friend", Difficulty: ws.DifficultyEasy})))
	f.sender.lastPayload(t, alice.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "friend is not online", errMsg.Message)
}

func TestChallengeAcceptByWrongRecipient(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")
	mallory := f.connect("m", "Mallory")

	lobby := sendChallenge(t, f, alice, bob, ws.DifficultyEasy)
	require.NoError(t, f.svc.HandleMessage(mallory.ID, newMessage(ws.TypeAcceptFriendChallenge,
		ws.AcceptFriendChallengePayload{ChallengeID: lobby.ChallengeID, ChallengerID: alice.ID})))

	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, mallory.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "challenge is no longer available", errMsg.Message)

	// The real parties learn their challenge is gone.
	assert.Equal(t, 1, f.sender.count(alice.ID, ws.TypeChallengeExpired))
	assert.Equal(t, 1, f.sender.count(bob.ID, ws.TypeChallengeExpired))
	assert.Equal(t, 0, f.sender.count(alice.ID, ws.TypeMatchFound))
}

func TestChallengeCancelledOnDisconnect(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")

	lobby := sendChallenge(t, f, alice, bob, ws.DifficultyEasy)
	f.svc.HandleDisconnect(alice.ID)

	var expired ws.ChallengeExpiredPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeChallengeExpired, &expired)
	assert.Equal(t, lobby.ChallengeID, expired.ChallengeID)
}

func TestChallengerVanishedBeforeAccept(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")

	lobby := sendChallenge(t, f, alice, bob, ws.DifficultyEasy)
	f.sender.setOffline(alice.ID)

	require.NoError(t, f.svc.HandleMessage(bob.ID, newMessage(ws.TypeAcceptFriendChallenge,
		ws.AcceptFriendChallengePayload{ChallengeID: lobby.ChallengeID, ChallengerID: alice.ID})))
	var errMsg ws.ErrorPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeError, &errMsg)
	assert.Equal(t, "challenge is no longer available", errMsg.Message)
	assert.Equal(t, 0, f.sender.count(bob.ID, ws.TypeMatchFound))
}

func startLooking(t *testing.T, f *serviceFixture, p Player, d ws.Difficulty, friendIDs []string) {
	t.Helper()
	require.NoError(t, f.svc.HandleMessage(p.ID, newMessage(ws.TypeStartLookingForGame,
		ws.StartLookingPayload{Difficulty: d, FriendIDs: friendIDs})))
}

func TestLookingAnnouncements(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")
	cara := f.connect("c", "Cara")

	startLooking(t, f, alice, ws.DifficultyEasy, []string{bob.ID, cara.ID, "offline-friend"})

	var started ws.FriendStartedLookingPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeFriendStartedLooking, &started)
	assert.Equal(t, alice.ID, started.Friend.ID)
	assert.Equal(t, ws.DifficultyEasy, started.Friend.Difficulty)
	assert.Equal(t, 1, f.sender.count(cara.ID, ws.TypeFriendStartedLooking))

	// The new looker gets a snapshot of friends already looking: none yet.
	var snapshot ws.AvailableFriendsUpdatePayload
	f.sender.lastPayload(t, alice.ID, ws.TypeAvailableFriendsUpdate, &snapshot)
	assert.Empty(t, snapshot.Friends)

	// Bob starts looking too; his snapshot includes Alice.
	startLooking(t, f, bob, ws.DifficultyMedium, []string{alice.ID})
	f.sender.lastPayload(t, bob.ID, ws.TypeAvailableFriendsUpdate, &snapshot)
	require.Len(t, snapshot.Friends, 1)
	assert.Equal(t, alice.ID, snapshot.Friends[0].ID)
	assert.Equal(t, ws.DifficultyEasy, snapshot.Friends[0].Difficulty)

	require.NoError(t, f.svc.HandleMessage(bob.ID, newMessage(ws.TypeStopLookingForGame, nil)))
	var stopped ws.FriendStoppedLookingPayload
	f.sender.lastPayload(t, alice.ID, ws.TypeFriendStoppedLooking, &stopped)
	assert.Equal(t, bob.ID, stopped.FriendID)
}

func TestDisconnectWithdrawsLookingIntent(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")

	startLooking(t, f, alice, ws.DifficultyHard, []string{bob.ID})
	f.svc.HandleDisconnect(alice.ID)

	var stopped ws.FriendStoppedLookingPayload
	f.sender.lastPayload(t, bob.ID, ws.TypeFriendStoppedLooking, &stopped)
	assert.Equal(t, alice.ID, stopped.FriendID)
}

func TestPairingWithdrawsLookingIntent(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	bob := f.connect("b", "Bob")
	cara := f.connect("c", "Cara")

	startLooking(t, f, alice, ws.DifficultyEasy, []string{cara.ID})

	f.join(t, alice.ID, ws.DifficultyEasy)
	f.join(t, bob.ID, ws.DifficultyEasy)

	var stopped ws.FriendStoppedLookingPayload
	f.sender.lastPayload(t, cara.ID, ws.TypeFriendStoppedLooking, &stopped)
	assert.Equal(t, alice.ID, stopped.FriendID)
}

func TestGetFriendsStatus(t *testing.T) {
	f := newServiceFixture(t, Config{})
	alice := f.connect("a", "Alice")
	f.connect("b", "Bob")

	require.NoError(t, f.svc.HandleMessage(alice.ID, newMessage(ws.TypeGetFriendsStatus,
		ws.GetFriendsStatusPayload{FriendIDs: []string{"b", "offline-1", "offline-2"}})))

	var status ws.FriendsStatusPayload
	f.sender.lastPayload(t, alice.ID, ws.TypeFriendsStatus, &status)
	assert.Equal(t, []string{"b"}, status.OnlineFriends)
}

func TestConcurrentJoinsPairEveryone(t *testing.T) {
	f := newServiceFixture(t, Config{})

	const pairs = 8
	done := make(chan error, pairs*2)
	for i := 0; i < pairs*2; i++ {
		p := f.connect(fmt.Sprintf("p%02d", i), fmt.Sprintf("Player %d", i))
		go func(id string) {
			done <- f.svc.HandleMessage(id, newMessage(ws.TypeJoinMatchmaking,
				ws.JoinMatchmakingPayload{Difficulty: ws.DifficultyEasy}))
		}(p.ID)
	}
	for i := 0; i < pairs*2; i++ {
		require.NoError(t, <-done)
	}

	total := 0
	for i := 0; i < pairs*2; i++ {
		total += f.sender.count(fmt.Sprintf("p%02d", i), ws.TypeMatchFound)
	}
	assert.Equal(t, pairs*2, total, "every player lands in exactly one room")
	assert.Equal(t, 0.0, testutil.ToFloat64(f.svc.metrics.QueueDepth.WithLabelValues("easy")))
}
