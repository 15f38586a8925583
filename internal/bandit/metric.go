package bandit

import "fmt"

// Metric names the scalar a campaign optimizes for.
type Metric string

const (
	MetricCTR         Metric = "ctr"
	MetricClicks      Metric = "clicks"
	MetricSum         Metric = "sum"
	MetricCPM         Metric = "cpm"
	MetricCTRPerCPM   Metric = "ctr/cpm"
	MetricOrders      Metric = "orders"
	MetricOrdersCPM   Metric = "orders/cpm"
	MetricATBS        Metric = "atbs"
	MetricATBSCPM     Metric = "atbs/cpm"
	MetricOrdersATBS  Metric = "orders/atbs"
	MetricCPA         Metric = "cpa"
	MetricCRToCart    Metric = "cr_to_cart"
	MetricCRToOrder   Metric = "cr_to_order"
	MetricROICarts    Metric = "roi_carts"
	MetricROIOrders   Metric = "roi_orders"
	MetricROIWeighted Metric = "roi_weighted"
)

// validMetrics is the whitelist used for reward_metric and composite weights.
var validMetrics = map[Metric]bool{
	MetricCTR:         true,
	MetricClicks:      true,
	MetricSum:         true,
	MetricCPM:         true,
	MetricCTRPerCPM:   true,
	MetricOrders:      true,
	MetricOrdersCPM:   true,
	MetricATBS:        true,
	MetricATBSCPM:     true,
	MetricOrdersATBS:  true,
	MetricCPA:         true,
	MetricCRToCart:    true,
	MetricCRToOrder:   true,
	MetricROICarts:    true,
	MetricROIOrders:   true,
	MetricROIWeighted: true,
}

// Valid reports whether m is one of the known metrics.
func (m Metric) Valid() bool { return validMetrics[m] }

// ParseMetric converts a string into a Metric, rejecting unknown names.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown reward metric %q", s)
	}
	return m, nil
}

// Metrics returns every known metric in declaration order.
func Metrics() []Metric {
	return []Metric{
		MetricCTR, MetricClicks, MetricSum, MetricCPM, MetricCTRPerCPM,
		MetricOrders, MetricOrdersCPM, MetricATBS, MetricATBSCPM, MetricOrdersATBS,
		MetricCPA, MetricCRToCart, MetricCRToOrder, MetricROICarts, MetricROIOrders,
		MetricROIWeighted,
	}
}
