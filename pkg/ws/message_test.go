package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeMatchFound, MatchFoundPayload{
		RoomID:   "room-1",
		Opponent: PlayerRef{ID: "p2", Name: "Bob"},
		IsHost:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, TypeMatchFound, msg.Type)

	var payload MatchFoundPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "room-1", payload.RoomID)
	assert.Equal(t, "Bob", payload.Opponent.Name)
	assert.True(t, payload.IsHost)
}

func TestNewMessageWithoutPayload(t *testing.T) {
	msg, err := NewMessage(TypeLeaveMatchmaking, nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Payload)

	// The wire form is a bare envelope, no payload key at all.
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"leave-matchmaking"}`, string(raw))
}

func TestDifficultyValid(t *testing.T) {
	tests := []struct {
		difficulty Difficulty
		want       bool
	}{
		{DifficultyEasy, true},
		{DifficultyMedium, true},
		{DifficultyHard, true},
		{Difficulty(""), false},
		{Difficulty("extreme"), false},
		{Difficulty("EASY"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.difficulty), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.difficulty.Valid())
		})
	}
}
