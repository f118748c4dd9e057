package duel

import "github.com/mathduel/mathduel/pkg/ws"

// Identity is the signed-in player as supplied by the external identity
// provider. Token is the signed handshake credential; online play refuses
// guest identities outright.
type Identity struct {
	PlayerID    string
	DisplayName string
	Token       string
	Guest       bool
}

// Ref returns the public profile fragment for this identity.
func (i Identity) Ref() ws.PlayerRef {
	return ws.PlayerRef{ID: i.PlayerID, Name: i.DisplayName}
}
