package scout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/fzheng/sigmapilot/internal/httpx"
)

// Handlers exposes the Scout admin surface.
type Handlers struct {
	refresher *Refresher
	repo      *Repo
}

// NewHandlers creates the handler set.
func NewHandlers(refresher *Refresher, repo *Repo) *Handlers {
	return &Handlers{refresher: refresher, repo: repo}
}

// Mount registers routes on the service router.
func (h *Handlers) Mount(s *httpx.Server) {
	r := s.Router
	r.HandleFunc("/leaderboard/refresh", s.Admin(h.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/leaderboard", h.handleLeaderboard).Methods(http.MethodGet)
	r.HandleFunc("/pinned-accounts", h.handleListPins).Methods(http.MethodGet)
	r.HandleFunc("/pinned-accounts/{kind:leaderboard|custom}", s.Admin(h.handleAddPin)).Methods(http.MethodPost)
	r.HandleFunc("/pinned-accounts/{address}", s.Admin(h.handleUnpin)).Methods(http.MethodDelete)
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	period := 30
	if v := r.URL.Query().Get("period_days"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid period_days")
			return
		}
		period = p
	}
	n, err := h.refresher.Refresh(r.Context(), period)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"selected": n, "period_days": period})
}

func (h *Handlers) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	period := 30
	if v := r.URL.Query().Get("period_days"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			period = p
		}
	}
	entries, err := h.repo.Leaderboard(r.Context(), period)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handlers) handleAddPin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Address == "" {
		httpx.WriteError(w, http.StatusBadRequest, "address required")
		return
	}
	isCustom := mux.Vars(r)["kind"] == "custom"
	if err := h.repo.AddPin(r.Context(), body.Address, isCustom); err != nil {
		if errors.Is(err, ErrCustomPinLimit) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"pinned": body.Address, "isCustom": isCustom})
}

func (h *Handlers) handleUnpin(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := h.repo.Unpin(r.Context(), address); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"unpinned": address})
}

func (h *Handlers) handleListPins(w http.ResponseWriter, r *http.Request) {
	pins, err := h.repo.Pinned(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"pinned": pins})
}
