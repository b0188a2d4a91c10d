package sage

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fzheng/sigmapilot/internal/httpx"
)

// Handlers exposes the Sage admin surface.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the handler set.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Mount registers routes on the service router.
func (h *Handlers) Mount(s *httpx.Server) {
	r := s.Router
	r.HandleFunc("/alpha-pool/refresh", s.Admin(h.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/alpha-pool", h.handlePool).Methods(http.MethodGet)
	r.HandleFunc("/snapshots/create", s.Admin(h.handleSnapshot)).Methods(http.MethodPost)
	r.HandleFunc("/replay/run", s.Admin(h.handleReplay)).Methods(http.MethodPost)
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	ranked, err := h.svc.Selector().Refresh(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"candidates": ranked})
}

func (h *Handlers) handlePool(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.repo.PoolMembers(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Snapshots().Create(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"rows": n})
}

func (h *Handlers) handleReplay(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse("2006-01-02", r.URL.Query().Get("start_date"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", r.URL.Query().Get("end_date"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}
	report, err := h.svc.Replayer().Run(r.Context(), start, end)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
