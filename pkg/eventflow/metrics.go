package eventflow

import (
	"maps"
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of dispatcher counters.
type Metrics struct {
	// TotalDispatched counts events that passed the filter.
	TotalDispatched int64 `json:"totalDispatched"`

	// EventsByType counts delivered events per event type.
	EventsByType map[string]int64 `json:"eventsByType"`

	// Errors counts subscriber failures.
	Errors int64 `json:"errors"`

	// Filtered counts events rejected by rules or throttling.
	Filtered int64 `json:"filtered"`

	// Dropped counts events rejected by the pipeline (validation or a halted stage).
	Dropped int64 `json:"dropped"`

	RoutedDeliveries int64 `json:"routedDeliveries"`
	RouteFailures    int64 `json:"routeFailures"`

	// Quarantined counts routed deliveries skipped as poison.
	Quarantined int64 `json:"quarantined"`

	// AverageLatency is the running mean from dispatch start to the end of
	// local subscriber delivery. Routed delivery is excluded.
	AverageLatency time.Duration `json:"averageLatency"`
}

type counters struct {
	mu               sync.Mutex
	totalDispatched  int64
	eventsByType     map[string]int64
	errors           int64
	filtered         int64
	dropped          int64
	routedDeliveries int64
	routeFailures    int64
	quarantined      int64
	latencyTotal     time.Duration
}

func newCounters() *counters {
	return &counters{eventsByType: make(map[string]int64)}
}

func (c *counters) dispatched(eventType string, latency time.Duration) {
	c.mu.Lock()
	c.totalDispatched++
	c.eventsByType[eventType]++
	c.latencyTotal += latency
	c.mu.Unlock()
}

func (c *counters) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

func (c *counters) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		TotalDispatched:  c.totalDispatched,
		EventsByType:     maps.Clone(c.eventsByType),
		Errors:           c.errors,
		Filtered:         c.filtered,
		Dropped:          c.dropped,
		RoutedDeliveries: c.routedDeliveries,
		RouteFailures:    c.routeFailures,
		Quarantined:      c.quarantined,
	}
	if c.totalDispatched > 0 {
		m.AverageLatency = c.latencyTotal / time.Duration(c.totalDispatched)
	}
	return m
}

func (c *counters) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDispatched, c.errors, c.filtered, c.dropped = 0, 0, 0, 0
	c.routedDeliveries, c.routeFailures, c.quarantined = 0, 0, 0
	c.latencyTotal = 0
	clear(c.eventsByType)
}
