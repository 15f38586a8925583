package bandit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newCalc(opts Options) *RewardCalculator {
	return NewRewardCalculator(NewConfig(opts, nil), nil)
}

func TestAvgWarehouseCost(t *testing.T) {
	c := newCalc(Options{Stocks: 240, WarehouseCost: 3})

	assert.Equal(t, 0.0, c.AvgWarehouseCost(0, 48))
	assert.Equal(t, 0.0, c.AvgWarehouseCost(10, 0))
	assert.Equal(t, 0.0, c.AvgWarehouseCost(-1, 24))
	// 48 items over 2 days sells 24/day; 240 units take 10 days.
	assert.InDelta(t, 30.0, c.AvgWarehouseCost(48, 48), 1e-9)
}

func TestCalculateMetricRewardCPM(t *testing.T) {
	c := newCalc(Options{})
	got := c.CalculateMetricReward(MetricCPM, Snapshot{Stat: Stat{AdRate: 99}})
	assert.Equal(t, 10.0, got)

	assert.Equal(t, 0.0, c.CalculateMetricReward(MetricCPM, Snapshot{}))
}

func TestCalculateMetricRewardTable(t *testing.T) {
	c := newCalc(Options{})
	s := Snapshot{
		Views:   1000,
		Clicks:  50,
		Orders:  5,
		ATBS:    9,
		Cost:    90,
		Revenue: 0,
		Stat:    Stat{AdRate: 9},
	}

	tests := []struct {
		metric Metric
		want   float64
	}{
		{MetricCTR, 5},
		{MetricClicks, 50},
		{MetricSum, 90},
		{MetricCPM, 100},
		{MetricCTRPerCPM, 0.5},
		{MetricOrders, 5},
		{MetricOrdersCPM, 0.5},
		{MetricATBS, 9},
		{MetricATBSCPM, 0.9},
		{MetricOrdersATBS, 0.5},
		{MetricCPA, 1.0 / 11},
		{MetricCRToCart, 0.9},
		{MetricCRToOrder, 0.5},
		{"unknown", 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			assert.InDelta(t, tt.want, c.CalculateMetricReward(tt.metric, s), 1e-9)
		})
	}
}

func TestCalculateMetricRewardZeroGuards(t *testing.T) {
	c := newCalc(Options{})
	empty := Snapshot{}

	for _, m := range Metrics() {
		got := c.CalculateMetricReward(m, empty)
		if m == MetricCPA {
			// No add-to-basket events: CPA is the 1000 sentinel.
			assert.InDelta(t, 1.0/1001, got, 1e-12)
			continue
		}
		assert.Equal(t, 0.0, got, "metric %s", m)
		assert.False(t, math.IsNaN(got))
	}
}

func TestROIAndWeighted(t *testing.T) {
	c := newCalc(Options{
		CostPrice:              4,
		CompositeMetricWeights: map[string]float64{"roi_carts": 0.5, "roi_orders": 0.5},
	})
	s := Snapshot{ATBS: 10, Orders: 5, Cost: 100, Revenue: 168}

	d := c.Derive(s)
	assert.InDelta(t, 20.0, d.ROICarts, 1e-9)
	assert.InDelta(t, 40.0, d.ROIOrders, 1e-9)
	assert.Equal(t, 10.0, d.CPA)

	assert.InDelta(t, 30.0, c.CalculateMetricReward(MetricROIWeighted, s), 1e-9)
}

func TestROIWeightedDefaultWeightsScoreZero(t *testing.T) {
	c := newCalc(Options{CostPrice: 4})
	s := Snapshot{ATBS: 10, Orders: 5, Cost: 100, Revenue: 168}
	assert.Equal(t, 0.0, c.CalculateMetricReward(MetricROIWeighted, s))
}

func TestDeriveUsesPeriodHours(t *testing.T) {
	c := newCalc(Options{Stocks: 100, WarehouseCost: 1})
	withHours := c.Derive(Snapshot{Items: 10, PeriodHours: 48})
	withDefault := c.Derive(Snapshot{Items: 10})

	assert.InDelta(t, 20.0, withHours.AvgWarehouseCost, 1e-9)
	assert.InDelta(t, 10.0, withDefault.AvgWarehouseCost, 1e-9)
}

func TestNormalizeRewardMinMax(t *testing.T) {
	c := newCalc(Options{NormalizationMethod: NormalizeMinMax})
	assert.Equal(t, 0.5, c.NormalizeReward(3))

	neg := newCalc(Options{NormalizationMethod: NormalizeMinMax})
	assert.Equal(t, 0.0, neg.NormalizeReward(-2))

	zero := newCalc(Options{NormalizationMethod: NormalizeMinMax})
	assert.Equal(t, 0.0, zero.NormalizeReward(0))

	c2 := newCalc(Options{})
	c2.NormalizeReward(0)
	c2.NormalizeReward(10)
	assert.Equal(t, 0.5, c2.NormalizeReward(5))
	assert.Equal(t, 1.0, c2.NormalizeReward(10))
}

func TestNormalizeRewardExpAndIdentity(t *testing.T) {
	exp := newCalc(Options{NormalizationMethod: NormalizeExp})
	assert.InDelta(t, 1-math.Exp(-1), exp.NormalizeReward(1), 1e-12)

	none := newCalc(Options{NormalizationMethod: NormalizeNone})
	assert.Equal(t, 7.5, none.NormalizeReward(7.5))
}

func TestNormalizeRewardHistoryIsBounded(t *testing.T) {
	c := newCalc(Options{})
	for i := 0; i < 1005; i++ {
		c.NormalizeReward(float64(i))
	}
	h := c.History()
	assert.Len(t, h, 1000)
	assert.Equal(t, 5.0, h[0])
	assert.Equal(t, 1004.0, h[len(h)-1])
}

func TestNormalizeHistoryIsPerInstance(t *testing.T) {
	a := newCalc(Options{})
	b := newCalc(Options{})
	a.NormalizeReward(100)
	a.NormalizeReward(0)

	assert.Equal(t, 0.5, b.NormalizeReward(1))
	assert.Len(t, a.History(), 2)
}

func TestApplyRewardPenalties(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		cpa       float64
		atbs      int64
		orders    int64
		crToCart  float64
		crToOrder float64
		cost      float64
		want      float64
	}{
		{
			name: "none triggered",
			opts: Options{TargetCPA: 100},
			cpa: 120, crToCart: 5, crToOrder: 1,
			want: 1,
		},
		{
			name: "cpa breach stacks with low cart conversion",
			opts: Options{TargetCPA: 100, RewardPenaltyThresholds: map[string]float64{ThresholdCPA: 1.5}},
			cpa: 200, crToCart: 0.5, crToOrder: 1,
			want: 0.5 * 0.8,
		},
		{
			name: "cpa ignored without target",
			opts: Options{},
			cpa: 5000, crToCart: 5, crToOrder: 1,
			want: 1,
		},
		{
			name: "poor orders per basket",
			opts: Options{},
			atbs: 20, orders: 1, crToCart: 5, crToOrder: 1,
			want: 0.7,
		},
		{
			name: "low order conversion",
			opts: Options{},
			crToCart: 5, crToOrder: 0.01,
			want: 0.8,
		},
		{
			name: "budget overrun scales by budget share",
			opts: Options{DailyBudget: 100},
			crToCart: 5, crToOrder: 1, cost: 200,
			want: 0.5,
		},
		{
			name: "budget overrun floored at 0.3",
			opts: Options{DailyBudget: 100},
			crToCart: 5, crToOrder: 1, cost: 1000,
			want: 0.3,
		},
		{
			name: "budget within tolerance",
			opts: Options{DailyBudget: 100},
			crToCart: 5, crToOrder: 1, cost: 119,
			want: 1,
		},
		{
			name: "all five compound",
			opts: Options{TargetCPA: 10, DailyBudget: 100},
			cpa: 100, atbs: 100, orders: 1, crToCart: 0, crToOrder: 0, cost: 200,
			want: 0.5 * 0.7 * 0.8 * 0.8 * 0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCalc(tt.opts)
			got := c.ApplyRewardPenalties(1, tt.cpa, tt.atbs, tt.orders, tt.crToCart, tt.crToOrder, tt.cost)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestRewardPipeline(t *testing.T) {
	c := newCalc(Options{RewardMetric: MetricCTR, NormalizationMethod: NormalizeNone})
	s := Snapshot{Views: 1000, Clicks: 30, ATBS: 20, Orders: 5, Cost: 50}

	b := c.Reward(s)
	assert.Equal(t, MetricCTR, b.Metric)
	assert.InDelta(t, 3.0, b.Raw, 1e-9)
	assert.InDelta(t, 3.0, b.Normalized, 1e-9)
	// cr_to_cart = 2%, cr_to_order = 0.5%, orders/atbs = 0.25: no penalties.
	assert.InDelta(t, 3.0, b.Reward, 1e-9)
	assert.InDelta(t, 2.5, b.Derived.CPA, 1e-9)
}

func TestRestoreHistory(t *testing.T) {
	c := newCalc(Options{})
	c.RestoreHistory([]float64{1, 2, 3})
	assert.Equal(t, []float64{1, 2, 3}, c.History())
	assert.Equal(t, 0.5, c.NormalizeReward(2))
}
