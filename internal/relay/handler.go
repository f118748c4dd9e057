package relay

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/internal/auth"
	"github.com/mathduel/mathduel/internal/server"
	"github.com/mathduel/mathduel/pkg/ws"
)

// WSHandler upgrades /ws/duel requests, authenticates the token, and runs
// the connection's pumps against the relay service.
type WSHandler struct {
	service *Service
	hub     *ws.Hub
	tokens  *auth.Manager
	logger  zerolog.Logger
}

// NewWSHandler creates the duel WebSocket handler.
func NewWSHandler(service *Service, hub *ws.Hub, tokens *auth.Manager, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		hub:     hub,
		tokens:  tokens,
		logger:  logger.With().Str("component", "ws_handler").Logger(),
	}
}

// HandleWebSocket authenticates the handshake and hands the socket to the
// relay. Guests are refused before the upgrade: online play needs a real
// account.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}

	claims, err := h.tokens.Verify(token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("handshake token rejected")
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if claims.Guest {
		respondError(w, http.StatusForbidden, "online play requires a signed-in account")
		return
	}

	conn, err := server.WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	player := Player{ID: claims.PlayerID, Name: claims.DisplayName}
	wsConn := ws.NewConnection(conn, h.logger)
	h.hub.RegisterConnection(player.ID, wsConn)
	h.service.HandleConnect(player)

	go wsConn.WritePump()
	wsConn.ReadPump(func(msg ws.Message) error {
		return h.service.HandleMessage(player.ID, msg)
	})

	// Disconnect cleanup runs only if this socket is still the player's
	// current one; a reconnect replaces the registration first.
	if h.hub.UnregisterConnection(player.ID, wsConn) {
		h.service.HandleDisconnect(player.ID)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
