package sage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/config"
)

// ReplayDay is the reconstruction of one snapshot day.
type ReplayDay struct {
	Date             string   `json:"date"`
	SelectionVersion int      `json:"selectionVersion"`
	Candidates       int      `json:"candidates"`
	Selected         []string `json:"selected"`
	Reproduced       bool     `json:"reproduced"`
	Mismatches       []string `json:"mismatches,omitempty"`
}

// ReplayReport is the full replay result.
type ReplayReport struct {
	StartDate string      `json:"startDate"`
	EndDate   string      `json:"endDate"`
	Days      []ReplayDay `json:"days"`
}

// Replayer re-runs historical selections from the shadow ledger. It reads
// only snapshot rows, never live state, so results are free of look-ahead.
type Replayer struct {
	repo *Repo
	cfg  config.PoolConfig
	log  zerolog.Logger
}

// NewReplayer wires the replayer.
func NewReplayer(repo *Repo, cfg config.PoolConfig, log zerolog.Logger) *Replayer {
	return &Replayer{repo: repo, cfg: cfg, log: log}
}

// Run replays every snapshot day in [start, end], verifying that stored
// draws reproduce from their seeds and recomputing each day's selection.
func (r *Replayer) Run(ctx context.Context, start, end time.Time) (*ReplayReport, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end_date %s before start_date %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	report := &ReplayReport{
		StartDate: start.Format("2006-01-02"),
		EndDate:   end.Format("2006-01-02"),
	}
	for day := start; !day.After(end); day = day.Add(24 * time.Hour) {
		rd, err := r.replayDay(ctx, day)
		if err != nil {
			return nil, err
		}
		if rd != nil {
			report.Days = append(report.Days, *rd)
		}
	}
	return report, nil
}

func (r *Replayer) replayDay(ctx context.Context, date time.Time) (*ReplayDay, error) {
	rows, err := r.repo.SnapshotsForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Multiple versions can exist for a day; replay the latest.
	latest := 0
	for _, row := range rows {
		if row.SelectionVersion > latest {
			latest = row.SelectionVersion
		}
	}

	day := &ReplayDay{Date: date.Format("2006-01-02"), SelectionVersion: latest, Reproduced: true}
	draws := map[string]float64{}
	var addrs []string
	storedSelected := map[string]bool{}

	for _, row := range rows {
		if row.SelectionVersion != latest {
			continue
		}
		nig := NIG{M: row.M, Kappa: row.Kappa, Alpha: row.Alpha, Beta: row.Beta}
		redraw := ThompsonDraw(nig, uint64(row.ThompsonSeed))
		if redraw != row.ThompsonDraw {
			day.Reproduced = false
			day.Mismatches = append(day.Mismatches,
				fmt.Sprintf("%s: draw %.6f != stored %.6f", row.Address, redraw, row.ThompsonDraw))
		}
		draws[row.Address] = redraw
		addrs = append(addrs, row.Address)
		if row.Selected {
			storedSelected[row.Address] = true
		}
	}
	day.Candidates = len(addrs)

	sortByDrawDesc(addrs, draws)
	k := r.cfg.SelectK
	if k > len(addrs) {
		k = len(addrs)
	}
	day.Selected = append([]string(nil), addrs[:k]...)

	// Selection mismatches indicate a drifted algorithm or a partial
	// snapshot, not a failed replay.
	for _, addr := range day.Selected {
		if len(storedSelected) > 0 && !storedSelected[addr] {
			day.Mismatches = append(day.Mismatches,
				fmt.Sprintf("%s: replay-selected but not stored-selected", addr))
		}
	}
	return day, nil
}
