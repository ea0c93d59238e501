// Package strategy assigns events to named processors and partitions.
//
// Selection order for GetProcessor:
//
//  1. registrations whose pattern matches; if any conditional registration
//     accepts the event, only conditional registrations are considered
//  2. the highest priority among those
//  3. round-robin within that priority group when load balancing is on,
//     otherwise the earliest registration
//  4. the default processor
package strategy

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/expr"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pattern"
)

// LoadBalancing selects among equally ranked processors.
type LoadBalancing string

const (
	// FirstMatch always picks the earliest registration.
	FirstMatch LoadBalancing = "first"
	// RoundRobin rotates through the top-priority group.
	RoundRobin LoadBalancing = "round-robin"
)

// PartitionMode selects how GetPartition computes partitions.
type PartitionMode string

const (
	PartitionNone PartitionMode = "none"
	PartitionHash PartitionMode = "hash"
)

// DefaultPartitions is used when PartitionConfig.Partitions is zero.
const DefaultPartitions = 16

// NoPartition is returned by GetPartition when no partition applies.
const NoPartition = -1

// PartitionConfig configures hash partitioning.
type PartitionConfig struct {
	// Key is the event field hashed, e.g. "widgetId".
	Key string `json:"key" yaml:"key"`
	// Partitions is the partition count.
	Partitions int `json:"partitions,omitempty" yaml:"partitions,omitempty"`
}

// Condition restricts a registration to matching events.
type Condition func(evt event.Event) bool

type registration struct {
	pattern   string
	processor string
	priority  int
	condition Condition
	seq       int
	err       error
}

// Option configures a registration.
type Option func(*registration)

// WithPriority sets the registration priority. Higher wins; default 0.
func WithPriority(p int) Option {
	return func(r *registration) {
		r.priority = p
	}
}

// WithCondition restricts the registration to events accepted by cond.
func WithCondition(cond Condition) Option {
	return func(r *registration) {
		r.condition = cond
	}
}

// WithExpression restricts the registration with a condition expression
// such as "priority == 'high'".
func WithExpression(src string) Option {
	return func(r *registration) {
		x, err := expr.Compile(src)
		if err != nil {
			r.err = err
			return
		}
		r.condition = x.Match
	}
}

// Strategy is safe for concurrent use.
type Strategy struct {
	mu               sync.RWMutex
	registrations    []registration
	nextSeq          int
	balancing        LoadBalancing
	defaultProcessor string
	partitionMode    PartitionMode
	partition        PartitionConfig

	rrMu     sync.Mutex
	counters map[string]uint64
}

// New creates a strategy with first-match selection and no partitioning.
func New() *Strategy {
	return &Strategy{
		balancing:     FirstMatch,
		partitionMode: PartitionNone,
		counters:      make(map[string]uint64),
	}
}

// Register maps events matching p to processorID.
func (s *Strategy) Register(p, processorID string, opts ...Option) error {
	normalized, err := pattern.Normalize(p)
	if err != nil {
		return err
	}
	if processorID == "" {
		return eferrors.Configuration("strategy", "processor", "must not be empty")
	}

	reg := registration{pattern: normalized, processor: processorID}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.err != nil {
		return reg.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	reg.seq = s.nextSeq
	s.registrations = append(s.registrations, reg)
	return nil
}

// Unregister removes every registration for processorID and returns how many.
func (s *Strategy) Unregister(processorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.registrations[:0:0]
	for _, r := range s.registrations {
		if r.processor != processorID {
			kept = append(kept, r)
		}
	}
	removed := len(s.registrations) - len(kept)
	s.registrations = kept
	return removed
}

// SetLoadBalancing sets how equally ranked processors are chosen.
func (s *Strategy) SetLoadBalancing(lb LoadBalancing) error {
	if lb != FirstMatch && lb != RoundRobin {
		return eferrors.Configuration("strategy", "loadBalancing", fmt.Sprintf("unknown mode %q", lb))
	}
	s.mu.Lock()
	s.balancing = lb
	s.mu.Unlock()

	s.rrMu.Lock()
	clear(s.counters)
	s.rrMu.Unlock()
	return nil
}

// SetDefaultProcessor sets the processor used when nothing matches.
func (s *Strategy) SetDefaultProcessor(processorID string) {
	s.mu.Lock()
	s.defaultProcessor = processorID
	s.mu.Unlock()
}

// GetProcessor selects the processor for eventType. evt may be nil, in which
// case conditional registrations are skipped. A panicking condition counts as
// a non-match; use Select to observe it.
func (s *Strategy) GetProcessor(eventType string, evt *event.Event) (string, bool) {
	id, ok, _ := s.Select(eventType, evt)
	return id, ok
}

// Select is GetProcessor that also returns the failures of any condition that
// panicked, joined. Conditions run without the strategy lock held, so they may
// call back into the strategy.
func (s *Strategy) Select(eventType string, evt *event.Event) (string, bool, error) {
	s.mu.RLock()
	regs := slices.Clone(s.registrations)
	balancing := s.balancing
	fallback := s.defaultProcessor
	s.mu.RUnlock()

	var (
		conditional, plain []registration
		errs               []error
	)
	for _, r := range regs {
		if !pattern.Matches(r.pattern, eventType) {
			continue
		}
		if r.condition == nil {
			plain = append(plain, r)
			continue
		}
		if evt == nil {
			continue
		}
		matched, err := r.accepts(*evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if matched {
			conditional = append(conditional, r)
		}
	}
	condErr := errors.Join(errs...)

	candidates := plain
	if len(conditional) > 0 {
		candidates = conditional
	}
	if len(candidates) == 0 {
		return fallback, fallback != "", condErr
	}

	group := topPriority(candidates)
	if balancing != RoundRobin || len(group) == 1 {
		return group[0].processor, true, condErr
	}
	return group[s.next(groupKey(group))%uint64(len(group))].processor, true, condErr
}

func (r registration) accepts(evt event.Event) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
			err = fmt.Errorf("condition for processor %s: %w", r.processor, &eferrors.PanicError{Value: rec})
		}
	}()
	return r.condition(evt), nil
}

func topPriority(regs []registration) []registration {
	best := regs[0].priority
	for _, r := range regs[1:] {
		best = max(best, r.priority)
	}
	group := make([]registration, 0, len(regs))
	for _, r := range regs {
		if r.priority == best {
			group = append(group, r)
		}
	}
	return group
}

func groupKey(group []registration) string {
	var b strings.Builder
	for _, r := range group {
		b.WriteString(strconv.Itoa(r.seq))
		b.WriteByte(',')
	}
	return b.String()
}

func (s *Strategy) next(key string) uint64 {
	s.rrMu.Lock()
	defer s.rrMu.Unlock()
	n := s.counters[key]
	s.counters[key] = n + 1
	return n
}

// SetPartitioning enables or disables partitioning.
func (s *Strategy) SetPartitioning(mode PartitionMode, cfg PartitionConfig) error {
	switch mode {
	case PartitionNone:
	case PartitionHash:
		if cfg.Key == "" {
			return eferrors.Configuration("strategy", "partition.key", "must not be empty")
		}
		if cfg.Partitions < 0 {
			return eferrors.Configuration("strategy", "partition.partitions", "must not be negative")
		}
		if cfg.Partitions == 0 {
			cfg.Partitions = DefaultPartitions
		}
	default:
		return eferrors.Configuration("strategy", "partition.mode", fmt.Sprintf("unknown mode %q", mode))
	}

	s.mu.Lock()
	s.partitionMode = mode
	s.partition = cfg
	s.mu.Unlock()
	return nil
}

// Partitioned reports whether hash partitioning is enabled.
func (s *Strategy) Partitioned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partitionMode == PartitionHash
}

// GetPartition returns the partition for evt, or NoPartition when
// partitioning is off or the key field is missing. Equal key values always
// map to the same partition.
func (s *Strategy) GetPartition(evt event.Event) int {
	s.mu.RLock()
	mode, cfg := s.partitionMode, s.partition
	s.mu.RUnlock()

	if mode != PartitionHash {
		return NoPartition
	}
	v, ok := evt.Field(cfg.Key)
	if !ok {
		return NoPartition
	}
	return int(xxhash.Sum64String(fmt.Sprint(v)) % uint64(cfg.Partitions))
}
