package decide

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fzheng/sigmapilot/internal/httpx"
)

// Handlers exposes the Decide read and admin surface.
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
	r.HandleFunc("/execution/config", s.Admin(h.handleExecConfig)).Methods(http.MethodPost)
	r.HandleFunc("/execution/config", h.handleExecConfigGet).Methods(http.MethodGet)
	r.HandleFunc("/kill-switch", s.Admin(h.handleKillSwitch)).Methods(http.MethodPost)
	r.HandleFunc("/regime", h.handleRegime).Methods(http.MethodGet)
	r.HandleFunc("/venues/health", h.handleVenueHealth).Methods(http.MethodGet)
	r.HandleFunc("/decisions", h.handleDecisions).Methods(http.MethodGet)
	r.HandleFunc("/signals", h.handleSignals).Methods(http.MethodGet)
}

func (h *Handlers) handleExecConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled        bool   `json:"enabled"`
		Exchange       string `json:"exchange"`
		UseNativeStops bool   `json:"use_native_stops"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ec := ExecConfigRow{Enabled: req.Enabled, Exchange: req.Exchange, UseNativeStops: req.UseNativeStops}
	if err := h.svc.repo.UpdateExecConfig(r.Context(), ec); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ec)
}

func (h *Handlers) handleExecConfigGet(w http.ResponseWriter, r *http.Request) {
	ec, err := h.svc.repo.ExecConfig(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"config": ec,
		"armed":  h.svc.engine.exec.Armed(r.Context()),
	})
}

// handleKillSwitch arms or clears the kill switch by hand.
func (h *Handlers) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Active {
		if req.Reason == "" {
			req.Reason = "manual"
		}
		h.svc.gov.tripKillSwitch(r.Context(), req.Reason)
	} else {
		if err := h.svc.repo.DeactivateKillSwitch(r.Context()); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.svc.reg.KillSwitch.Set(0)
	}
	ks, err := h.svc.repo.KillSwitch(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ks)
}

func (h *Handlers) handleRegime(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, asset := range h.svc.assets {
		regime := h.svc.regimes.Current(asset)
		out[asset] = map[string]any{
			"regime":                regime,
			"stop_multiplier":       regime.StopMultiplier(),
			"kelly_multiplier":      regime.KellyMultiplier(),
			"confidence_multiplier": regime.ConfidenceMultiplier(),
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// handleVenueHealth probes every venue with the configured stagger.
func (h *Handlers) handleVenueHealth(w http.ResponseWriter, r *http.Request) {
	results := h.svc.factory.CheckAll(r.Context(), h.svc.healthStagger)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"venues": results})
}

func (h *Handlers) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	rows, err := h.svc.repo.RecentDecisions(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"decisions": rows})
}

func (h *Handlers) handleSignals(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	rows, err := h.svc.repo.RecentSignals(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"signals": rows})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
