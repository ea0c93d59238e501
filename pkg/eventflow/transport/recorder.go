package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Delivery is one call recorded by a Recorder.
type Delivery struct {
	Target string
	Event  event.Event
	Err    error
}

// Recorder is an in-memory transport. Targets can be made to fail always or
// for a fixed number of attempts.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	failing    map[string]error
	failTimes  map[string]int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		failing:   make(map[string]error),
		failTimes: make(map[string]int),
	}
}

// Fail makes every delivery to target return err. A nil err uses a generic
// error.
func (r *Recorder) Fail(target string, err error) {
	if err == nil {
		err = fmt.Errorf("target %s unavailable", target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[target] = err
}

// FailTimes makes the next n deliveries to target fail.
func (r *Recorder) FailTimes(target string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failTimes[target] = n
}

// Heal clears failures for target.
func (r *Recorder) Heal(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failing, target)
	delete(r.failTimes, target)
}

// Deliver records the call.
func (r *Recorder) Deliver(ctx context.Context, target string, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.failing[target]
	if err == nil && r.failTimes[target] > 0 {
		r.failTimes[target]--
		err = fmt.Errorf("target %s temporarily unavailable", target)
	}
	r.deliveries = append(r.deliveries, Delivery{Target: target, Event: evt.Clone(), Err: err})
	return err
}

// Deliveries returns every recorded call, including failed ones.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// Delivered returns the events successfully delivered to target.
func (r *Recorder) Delivered(target string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, d := range r.deliveries {
		if d.Target == target && d.Err == nil {
			out = append(out, d.Event)
		}
	}
	return out
}

// Attempts returns how many calls were made for target.
func (r *Recorder) Attempts(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.deliveries {
		if d.Target == target {
			n++
		}
	}
	return n
}

// Reset forgets recorded deliveries. Failure settings are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
