package bandit

import (
	"log/slog"
	"math"
)

// rewardHistoryLimit bounds the window used for min-max normalization.
const rewardHistoryLimit = 1000

// cpaSentinel is the CPA reported when a period had no add-to-basket events.
const cpaSentinel = 1000.0

// Stat carries the advertising platform's own figures for the period.
type Stat struct {
	AdRate float64            `json:"ad_rate"`
	Extra  map[string]float64 `json:"extra,omitempty"`
}

// Snapshot is one billing period of campaign metrics.
type Snapshot struct {
	Views       int64   `json:"views"`
	Clicks      int64   `json:"clicks"`
	Orders      int64   `json:"orders"`
	ATBS        int64   `json:"atbs"`
	Items       int64   `json:"items"`
	Cost        float64 `json:"cost"`
	Revenue     float64 `json:"revenue"`
	PeriodHours float64 `json:"period_hours,omitempty"`
	Stat        Stat    `json:"stat"`
}

// Derived holds the intermediate quantities every metric is built from.
type Derived struct {
	CPM              float64 `json:"cpm"`
	CTR              float64 `json:"ctr"`
	CPA              float64 `json:"cpa"`
	CRToCart         float64 `json:"cr_to_cart"`
	CRToOrder        float64 `json:"cr_to_order"`
	AvgWarehouseCost float64 `json:"avg_warehouse_cost"`
	ROICarts         float64 `json:"roi_carts"`
	ROIOrders        float64 `json:"roi_orders"`
}

// RewardBreakdown is the result of scoring one snapshot.
type RewardBreakdown struct {
	Metric     Metric  `json:"metric"`
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
	Reward     float64 `json:"reward"`
	Derived    Derived `json:"derived"`
}

type metricFunc func(c *RewardCalculator, s Snapshot, d Derived) float64

// metricTable maps each metric to its formula. Every ratio is guarded and
// yields 0 instead of dividing by zero.
var metricTable = map[Metric]metricFunc{
	MetricCTR:    func(_ *RewardCalculator, _ Snapshot, d Derived) float64 { return d.CTR },
	MetricClicks: func(_ *RewardCalculator, s Snapshot, _ Derived) float64 { return float64(s.Clicks) },
	MetricSum:    func(_ *RewardCalculator, s Snapshot, _ Derived) float64 { return s.Cost },
	MetricCPM: func(_ *RewardCalculator, _ Snapshot, d Derived) float64 {
		if d.CPM > 0 {
			return 1000 / (d.CPM + 1)
		}
		return 0
	},
	MetricCTRPerCPM: func(_ *RewardCalculator, _ Snapshot, d Derived) float64 {
		if d.CPM > 0 {
			return d.CTR / (d.CPM + 1)
		}
		return 0
	},
	MetricOrders: func(_ *RewardCalculator, s Snapshot, _ Derived) float64 { return float64(s.Orders) },
	MetricOrdersCPM: func(_ *RewardCalculator, s Snapshot, d Derived) float64 {
		if d.CPM > 0 {
			return float64(s.Orders) / (d.CPM + 1)
		}
		return 0
	},
	MetricATBS: func(_ *RewardCalculator, s Snapshot, _ Derived) float64 { return float64(s.ATBS) },
	MetricATBSCPM: func(_ *RewardCalculator, s Snapshot, d Derived) float64 {
		if d.CPM > 0 {
			return float64(s.ATBS) / (d.CPM + 1)
		}
		return 0
	},
	MetricOrdersATBS: func(_ *RewardCalculator, s Snapshot, _ Derived) float64 {
		if s.Orders > 0 {
			return float64(s.Orders) / float64(s.ATBS+1)
		}
		return 0
	},
	MetricCPA: func(_ *RewardCalculator, _ Snapshot, d Derived) float64 {
		if d.CPA > 0 {
			return 1 / (d.CPA + 1)
		}
		return 0
	},
	MetricCRToCart:  func(_ *RewardCalculator, _ Snapshot, d Derived) float64 { return d.CRToCart },
	MetricCRToOrder: func(_ *RewardCalculator, _ Snapshot, d Derived) float64 { return d.CRToOrder },
	MetricROICarts:  func(_ *RewardCalculator, _ Snapshot, d Derived) float64 { return d.ROICarts },
	MetricROIOrders: func(_ *RewardCalculator, _ Snapshot, d Derived) float64 { return d.ROIOrders },
	MetricROIWeighted: func(c *RewardCalculator, _ Snapshot, d Derived) float64 {
		w := c.cfg.CompositeMetricWeights
		return w[MetricROICarts]*d.ROICarts + w[MetricROIOrders]*d.ROIOrders
	},
}

// RewardCalculator converts period metrics into a scalar reward. Its
// normalization history is private to the instance.
type RewardCalculator struct {
	cfg     *Config
	logger  *slog.Logger
	history []float64
}

// NewRewardCalculator returns a calculator bound to cfg.
func NewRewardCalculator(cfg *Config, logger *slog.Logger) *RewardCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardCalculator{
		cfg:     cfg,
		logger:  logger.With(slog.String("advert_id", cfg.AdvertID)),
		history: make([]float64, 0, 64),
	}
}

// AvgWarehouseCost is the carrying cost of the current stock at the sales
// rate observed over periodHours.
func (c *RewardCalculator) AvgWarehouseCost(items int64, periodHours float64) float64 {
	if items <= 0 || periodHours <= 0 {
		return 0
	}
	periodDays := periodHours / 24
	salesRate := float64(items) / periodDays
	if salesRate == 0 {
		return 0
	}
	daysToSell := c.cfg.Stocks / salesRate
	return c.cfg.WarehouseCost * daysToSell
}

// Derive computes the intermediate quantities for s.
func (c *RewardCalculator) Derive(s Snapshot) Derived {
	d := Derived{CPM: s.Stat.AdRate, CPA: cpaSentinel}
	views := float64(s.Views)
	if s.Views > 0 {
		d.CTR = float64(s.Clicks) / views * 100
		d.CRToCart = float64(s.ATBS) / views * 100
		d.CRToOrder = float64(s.Orders) / views * 100
	}
	if s.ATBS > 0 {
		d.CPA = s.Cost / float64(s.ATBS)
	}

	hours := s.PeriodHours
	if hours <= 0 {
		hours = c.cfg.PeriodMaxHours
	}
	d.AvgWarehouseCost = c.AvgWarehouseCost(s.Items, hours)

	d.ROICarts = c.roi(s.ATBS, s.Cost, s.Revenue, d.AvgWarehouseCost)
	d.ROIOrders = c.roi(s.Orders, s.Cost, s.Revenue, d.AvgWarehouseCost)
	return d
}

// roi is the percentage return of revenue over the fully loaded cost of n
// units, where the ad spend is spread over those units.
func (c *RewardCalculator) roi(n int64, cost, revenue, warehouse float64) float64 {
	if n <= 0 {
		return 0
	}
	units := float64(n)
	total := (c.cfg.CostPrice + c.cfg.MarketplaceFee + cost/units + warehouse) * units
	if total <= 0 {
		return 0
	}
	return (revenue/total - 1) * 100
}

// CalculateMetricReward scores s for metric. Unknown metrics score 0.
func (c *RewardCalculator) CalculateMetricReward(metric Metric, s Snapshot) float64 {
	fn, ok := metricTable[metric]
	if !ok {
		return 0
	}
	return fn(c, s, c.Derive(s))
}

// NormalizeReward records reward in the bounded history and maps it onto the
// configured scale.
func (c *RewardCalculator) NormalizeReward(reward float64) float64 {
	c.history = append(c.history, reward)
	if len(c.history) > rewardHistoryLimit {
		c.history = c.history[len(c.history)-rewardHistoryLimit:]
	}

	switch c.cfg.NormalizationMethod {
	case NormalizeMinMax:
		lo, hi := c.history[0], c.history[0]
		for _, v := range c.history[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi == lo {
			if reward > 0 {
				return 0.5
			}
			return 0
		}
		return (reward - lo) / (hi - lo)
	case NormalizeExp:
		return 1 - math.Exp(-reward)
	default:
		return reward
	}
}

// ApplyRewardPenalties multiplies reward by every penalty whose condition
// holds. Penalties stack in a fixed order.
func (c *RewardCalculator) ApplyRewardPenalties(reward, cpa float64, totalATBS, totalOrders int64, crToCart, crToOrder, totalCost float64) float64 {
	th := c.cfg.RewardPenaltyThresholds

	if c.cfg.TargetCPA > 0 && cpa > c.cfg.TargetCPA*th[ThresholdCPA] {
		reward *= 0.5
	}
	if totalATBS > 0 && totalOrders > 0 && float64(totalOrders)/float64(totalATBS) < th[ThresholdOrdersATBS] {
		reward *= 0.7
	}
	if crToCart < th[ThresholdCRToCart] {
		reward *= 0.8
	}
	if crToOrder < th[ThresholdCRToOrder] {
		reward *= 0.8
	}
	if c.cfg.DailyBudget > 0 && totalCost > c.cfg.DailyBudget*1.2 {
		reward *= math.Max(0.3, c.cfg.DailyBudget/totalCost)
	}
	return reward
}

// Reward runs the full pipeline for the configured metric: raw score,
// normalization, then penalties.
func (c *RewardCalculator) Reward(s Snapshot) RewardBreakdown {
	d := c.Derive(s)
	raw := 0.0
	if fn, ok := metricTable[c.cfg.RewardMetric]; ok {
		raw = fn(c, s, d)
	}
	norm := c.NormalizeReward(raw)
	final := c.ApplyRewardPenalties(norm, d.CPA, s.ATBS, s.Orders, d.CRToCart, d.CRToOrder, s.Cost)

	c.logger.Debug("reward computed",
		slog.String("metric", string(c.cfg.RewardMetric)),
		slog.Float64("raw", raw),
		slog.Float64("normalized", norm),
		slog.Float64("reward", final),
	)
	return RewardBreakdown{
		Metric:     c.cfg.RewardMetric,
		Raw:        raw,
		Normalized: norm,
		Reward:     final,
		Derived:    d,
	}
}

// History returns a copy of the normalization window, oldest first.
func (c *RewardCalculator) History() []float64 {
	out := make([]float64, len(c.history))
	copy(out, c.history)
	return out
}

// RestoreHistory replaces the normalization window.
func (c *RewardCalculator) RestoreHistory(h []float64) {
	if len(h) > rewardHistoryLimit {
		h = h[len(h)-rewardHistoryLimit:]
	}
	c.history = append(c.history[:0], h...)
}
