package filter

import (
	"sort"
	"sync"
	"time"
)

// Throttle caps the number of events of one type accepted per second.
type Throttle struct {
	EventType    string `json:"eventType" yaml:"eventType"`
	MaxPerSecond int    `json:"maxPerSecond" yaml:"maxPerSecond"`
}

const window = time.Second

type windowState struct {
	start time.Time
	count int
}

// throttle uses fixed one-second windows. The first MaxPerSecond events in a
// window pass; the rest are rejected until the window expires.
type throttle struct {
	mu      sync.Mutex
	limits  map[string]int
	windows map[string]*windowState
	now     func() time.Time
}

func newThrottle() *throttle {
	return &throttle{
		limits:  make(map[string]int),
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

func (t *throttle) set(th Throttle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[th.EventType] = th.MaxPerSecond
}

func (t *throttle) remove(eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limits, eventType)
	if eventType == "" {
		clear(t.windows)
		return
	}
	delete(t.windows, eventType)
}

func (t *throttle) list() []Throttle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Throttle, 0, len(t.limits))
	for et, limit := range t.limits {
		out = append(out, Throttle{EventType: et, MaxPerSecond: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

func (t *throttle) allow(eventType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, ok := t.limits[eventType]
	if !ok {
		limit, ok = t.limits[""]
		if !ok {
			return true
		}
	}

	now := t.now()
	w := t.windows[eventType]
	if w == nil || now.Sub(w.start) >= window {
		w = &windowState{start: now}
		t.windows[eventType] = w
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

func (t *throttle) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for et, w := range t.windows {
		if now.Sub(w.start) >= window {
			delete(t.windows, et)
			removed++
		}
	}
	return removed
}
