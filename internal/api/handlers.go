package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type routerHandlers struct {
	gateway     *Gateway
	rooms       RoomDirectory
	leaderboard LeaderboardReader
	queue       QueueReader
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleListRooms returns public rooms accepting players.
func (h *routerHandlers) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *routerHandlers) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	view, ok := h.rooms.Get(chi.URLParam(r, "roomID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleLeaderboard returns the top page of a game's board.
func (h *routerHandlers) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gameId":  gameID,
		"entries": h.leaderboard.Top(r.Context(), gameID, limit),
		"total":   h.leaderboard.Size(r.Context(), gameID),
	})
}

// handleRank returns a player's estimated rank. The rank is approximate:
// ties across shards can shift it by their count.
func (h *routerHandlers) handleRank(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	playerID := chi.URLParam(r, "playerID")

	rank, score, ok := h.leaderboard.ApproxRank(r.Context(), gameID, playerID)
	if !ok {
		writeError(w, http.StatusNotFound, "Player not ranked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gameId":   gameID,
		"playerId": playerID,
		"rank":     rank,
		"score":    score,
		"approx":   true,
	})
}

func (h *routerHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	rooms, players := h.rooms.Counts()

	queued := 0
	if h.queue != nil {
		queued = h.queue.QueueDepth()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": h.gateway.ClientCount(),
		"rooms":       rooms,
		"players":     players,
		"queued":      queued,
	})
}
