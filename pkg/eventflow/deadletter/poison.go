package deadletter

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// PoisonDetector flags events whose routed deliveries keep failing.
//
// Events are identified by a fingerprint of their type and data, so a
// re-dispatched copy with a fresh ID and timestamp is still recognised.
// An event becomes poison once Threshold failures are recorded inside Window.
type PoisonDetector struct {
	mu       sync.Mutex
	failures map[uint64]*failureRecord
	cfg      PoisonConfig
}

// PoisonConfig configures a PoisonDetector.
type PoisonConfig struct {
	// Threshold is the number of failures before an event is poison.
	// Default: 3
	Threshold int

	// Window is how long failures are remembered, measured from the first.
	// Default: 1 hour
	Window time.Duration

	// OnDetect is called once, when an event first crosses the threshold.
	OnDetect func(evt event.Event, failures int)

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// DefaultPoisonConfig provides reasonable defaults.
var DefaultPoisonConfig = PoisonConfig{
	Threshold: 3,
	Window:    time.Hour,
}

type failureRecord struct {
	eventType string
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// PoisonInfo describes one tracked fingerprint.
type PoisonInfo struct {
	Fingerprint uint64
	EventType   string
	Failures    int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Poison      bool
}

// PoisonStats summarises the detector.
type PoisonStats struct {
	Tracked int // fingerprints with at least one failure
	Poison  int // fingerprints at or over the threshold
}

// NewPoisonDetector creates a detector. Zero fields take their defaults.
func NewPoisonDetector(cfg PoisonConfig) *PoisonDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultPoisonConfig.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultPoisonConfig.Window
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &PoisonDetector{
		failures: make(map[uint64]*failureRecord),
		cfg:      cfg,
	}
}

// Fingerprint hashes the event type and data. Map keys are encoded in sorted
// order, so equal payloads hash equally.
func Fingerprint(evt event.Event) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(evt.Type)
	_, _ = h.Write([]byte{0})
	if data, err := json.Marshal(evt.Data); err == nil {
		_, _ = h.Write(data)
	}
	return h.Sum64()
}

// Record counts one failed delivery of evt and returns the failure count
// inside the current window.
func (d *PoisonDetector) Record(evt event.Event) int {
	fp := Fingerprint(evt)
	now := d.cfg.Clock()

	d.mu.Lock()
	rec, ok := d.failures[fp]
	if !ok || now.Sub(rec.firstSeen) > d.cfg.Window {
		rec = &failureRecord{eventType: evt.Type, firstSeen: now}
		d.failures[fp] = rec
	}
	rec.count++
	rec.lastSeen = now
	count := rec.count
	d.mu.Unlock()

	if count == d.cfg.Threshold && d.cfg.OnDetect != nil {
		d.cfg.OnDetect(evt, count)
	}
	return count
}

// IsPoison reports whether evt has failed Threshold times inside the window.
func (d *PoisonDetector) IsPoison(evt event.Event) bool {
	fp := Fingerprint(evt)
	now := d.cfg.Clock()

	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.failures[fp]
	if !ok || now.Sub(rec.firstSeen) > d.cfg.Window {
		return false
	}
	return rec.count >= d.cfg.Threshold
}

// Failures returns the failure count recorded for evt.
func (d *PoisonDetector) Failures(evt event.Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.failures[Fingerprint(evt)]; ok {
		return rec.count
	}
	return 0
}

// Clear forgets evt's failure history.
func (d *PoisonDetector) Clear(evt event.Event) {
	d.mu.Lock()
	delete(d.failures, Fingerprint(evt))
	d.mu.Unlock()
}

// Sweep drops records older than the window and returns how many it removed.
func (d *PoisonDetector) Sweep() int {
	now := d.cfg.Clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for fp, rec := range d.failures {
		if now.Sub(rec.firstSeen) > d.cfg.Window {
			delete(d.failures, fp)
			removed++
		}
	}
	return removed
}

// List returns every tracked fingerprint, most failures first.
func (d *PoisonDetector) List() []PoisonInfo {
	d.mu.Lock()
	out := make([]PoisonInfo, 0, len(d.failures))
	for fp, rec := range d.failures {
		out = append(out, PoisonInfo{
			Fingerprint: fp,
			EventType:   rec.eventType,
			Failures:    rec.count,
			FirstSeenAt: rec.firstSeen,
			LastSeenAt:  rec.lastSeen,
			Poison:      rec.count >= d.cfg.Threshold,
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Failures != out[j].Failures {
			return out[i].Failures > out[j].Failures
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Stats returns detector statistics.
func (d *PoisonDetector) Stats() PoisonStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := PoisonStats{Tracked: len(d.failures)}
	for _, rec := range d.failures {
		if rec.count >= d.cfg.Threshold {
			stats.Poison++
		}
	}
	return stats
}
