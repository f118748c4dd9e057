package db

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// matchReader is the slice of Store the history endpoint reads through.
type matchReader interface {
	RecentMatches(ctx context.Context, playerID string, limit int) ([]PlayerMatch, error)
}

// HTTPHandler serves the match-history read endpoint.
type HTTPHandler struct {
	store  matchReader
	logger zerolog.Logger
}

// NewHTTPHandler creates the handler for GET /v1/players/{id}/matches.
func NewHTTPHandler(store matchReader, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, logger: logger}
}

// HandleRecentMatches returns a player's latest ended matches as JSON.
// Route pattern must carry the {id} wildcard.
func (h *HTTPHandler) HandleRecentMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	playerID := r.PathValue("id")
	if playerID == "" {
		http.Error(w, "missing player id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	matches, err := h.store.RecentMatches(r.Context(), playerID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("player_id", playerID).Msg("match history read failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []PlayerMatch{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"matches": matches})
}
