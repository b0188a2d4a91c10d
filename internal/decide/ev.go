package decide

import (
	"context"

	"github.com/fzheng/sigmapilot/internal/venue"
)

// VenueEV is the cost-adjusted expected value of taking the signal on one
// venue, in R-multiples.
type VenueEV struct {
	Exchange    string  `json:"exchange"`
	NetR        float64 `json:"net_r"`
	FeesBps     float64 `json:"fees_bps"`
	SlippageBps float64 `json:"slippage_bps"`
	FundingBps  float64 `json:"funding_bps"`
}

// NetEV computes the expected value in R for a symmetric one-R outcome:
// win pays +1R with probability pWin, loss costs 1R. Venue costs are
// quoted in bps and charged once against the unit of risk.
func NetEV(pWin, feesBps, slippageBps, fundingBps float64) float64 {
	gross := pWin - (1 - pWin)
	costs := (feesBps + slippageBps + fundingBps) / 1e4
	return gross - costs
}

// EVCalculator prices a prospective signal on every configured venue.
type EVCalculator struct {
	costs  *venue.CostProvider
	venues []venue.Exchange
}

func NewEVCalculator(costs *venue.CostProvider, venues []venue.Exchange) *EVCalculator {
	return &EVCalculator{costs: costs, venues: venues}
}

// Evaluate returns one VenueEV per venue. Round-trip taker fees are
// charged (entry and exit); slippage is walked on the live book at the
// actual notional; funding is direction-aware, so a short in positive
// funding improves EV.
func (c *EVCalculator) Evaluate(ctx context.Context, asset, direction string, pWin, notionalUSD float64) []VenueEV {
	out := make([]VenueEV, 0, len(c.venues))
	for _, ex := range c.venues {
		fees := c.costs.Fees(ctx, ex, asset)
		feesBps := fees.TakerBps * 2
		slipBps := c.costs.SlippageBps(ctx, ex, asset, direction, notionalUSD)
		fundBps := venue.FundingCostBps(c.costs.FundingRate(ctx, ex, asset), direction)
		out = append(out, VenueEV{
			Exchange:    string(ex),
			NetR:        NetEV(pWin, feesBps, slipBps, fundBps),
			FeesBps:     feesBps,
			SlippageBps: slipBps,
			FundingBps:  fundBps,
		})
	}
	return out
}

// BestVenue picks the highest net EV. Ties keep the earlier entry, which
// is the configured execution venue when it is listed first.
func BestVenue(evs []VenueEV) *VenueEV {
	var best *VenueEV
	for i := range evs {
		if best == nil || evs[i].NetR > best.NetR {
			best = &evs[i]
		}
	}
	return best
}
