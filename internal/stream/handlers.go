package stream

import (
	"net/http"
	"strconv"

	"github.com/fzheng/sigmapilot/internal/httpx"
)

// Handlers exposes the Stream dashboard surface.
type Handlers struct {
	repo      *Repo
	manager   *Manager
	positions *PositionCache
	hub       *Hub
}

// NewHandlers creates the handler set.
func NewHandlers(repo *Repo, manager *Manager, positions *PositionCache, hub *Hub) *Handlers {
	return &Handlers{repo: repo, manager: manager, positions: positions, hub: hub}
}

// Mount registers routes on the service router.
func (h *Handlers) Mount(s *httpx.Server) {
	r := s.Router
	r.HandleFunc("/ws", h.hub.ServeWS)
	r.HandleFunc("/positions", h.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/fills/recent", h.handleRecentFills).Methods(http.MethodGet)
	r.HandleFunc("/watchlist", h.handleWatchlist).Methods(http.MethodGet)
}

// handlePositions serves best-effort holdings: data is returned even while
// some trackers are still priming, with readiness surfaced explicitly.
func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	tracked := make([]string, 0)
	for addr := range h.manager.Assignments() {
		tracked = append(tracked, addr)
	}
	positions, ready := h.positions.Snapshot(tracked)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"positionsReady": ready,
		"positions":      positions,
	})
}

func (h *Handlers) handleRecentFills(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be in 1..1000")
			return
		}
		limit = n
	}
	fills, err := h.repo.RecentFills(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"fills": fills})
}

func (h *Handlers) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"assignments": h.manager.Assignments()})
}
