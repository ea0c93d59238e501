package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// DefaultProcessor is the processor identity stamped on enriched events.
const DefaultProcessor = "event-processor"

// CountryUnknown is used when geo enrichment cannot resolve an address.
const CountryUnknown = "unknown"

// LookupFunc fetches related data for a field value.
type LookupFunc func(ctx context.Context, key any) (any, error)

// GeoResolver resolves an IP address to a location.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (event.GeoInfo, error)
}

// GeoResolverFunc adapts a function to GeoResolver.
type GeoResolverFunc func(ctx context.Context, ip string) (event.GeoInfo, error)

// Resolve implements GeoResolver.
func (f GeoResolverFunc) Resolve(ctx context.Context, ip string) (event.GeoInfo, error) {
	return f(ctx, ip)
}

type fieldLookup struct {
	field string
	fn    LookupFunc
}

// Enricher attaches context to events: processor identity, correlation ID,
// user, environment, geo location and related records.
type Enricher struct {
	mu         sync.RWMutex
	processor  string
	user       *event.UserContext
	env        event.Environment
	geoEnabled bool
	geo        GeoResolver
	ip         string
	lookups    []fieldLookup
	now        func() time.Time
}

// NewEnricher creates an enricher describing the current process.
func NewEnricher() *Enricher {
	return &Enricher{
		processor: DefaultProcessor,
		env:       currentEnvironment(),
		now:       time.Now,
	}
}

func currentEnvironment() event.Environment {
	env := event.Environment{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		env.Version = info.Main.Version
	}
	if host, err := os.Hostname(); err == nil {
		env.Hostname = host
	}
	return env
}

// SetProcessor overrides the processor identity.
func (e *Enricher) SetProcessor(name string) {
	e.mu.Lock()
	e.processor = name
	e.mu.Unlock()
}

// SetUserContext attaches u to every enriched event. nil clears it.
func (e *Enricher) SetUserContext(u *event.UserContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u == nil {
		e.user = nil
		return
	}
	cp := *u
	e.user = &cp
}

// SetEnvironment overrides the detected environment.
func (e *Enricher) SetEnvironment(env event.Environment) {
	e.mu.Lock()
	e.env = env
	e.mu.Unlock()
}

// EnableGeoEnrichment turns on geo lookups. With a nil resolver every
// event gets Country "unknown".
func (e *Enricher) EnableGeoEnrichment(r GeoResolver) {
	e.mu.Lock()
	e.geoEnabled = true
	e.geo = r
	e.mu.Unlock()
}

// DisableGeoEnrichment turns geo lookups off.
func (e *Enricher) DisableGeoEnrichment() {
	e.mu.Lock()
	e.geoEnabled = false
	e.mu.Unlock()
}

// SetIPAddress sets the client address used for geo enrichment.
func (e *Enricher) SetIPAddress(ip string) {
	e.mu.Lock()
	e.ip = ip
	e.mu.Unlock()
}

// SetLookupFunction registers fn for a Data field. The result is stored in
// Related under the field name with any Id suffix removed, so a lookup on
// "widgetId" lands in Related["widget"].
func (e *Enricher) SetLookupFunction(field string, fn LookupFunc) error {
	if field == "" {
		return eferrors.Configuration("enricher", "lookup", "field must not be empty")
	}
	if fn == nil {
		return eferrors.Configuration("enricher", "lookup", "function must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.lookups {
		if l.field == field {
			e.lookups[i].fn = fn
			return nil
		}
	}
	e.lookups = append(e.lookups, fieldLookup{field: field, fn: fn})
	return nil
}

// Enrich is the enrich stage. Lookup and geo failures are recorded in
// Metadata.Errors and never fail the stage.
func (e *Enricher) Enrich(ctx context.Context, evt event.Event) (event.Event, error) {
	e.mu.RLock()
	processor := e.processor
	user := e.user
	env := e.env
	geoEnabled, geo, ip := e.geoEnabled, e.geo, e.ip
	lookups := append([]fieldLookup(nil), e.lookups...)
	e.mu.RUnlock()

	evt = evt.Clone()
	evt.Metadata.Processor = processor
	evt.Metadata.ProcessedAt = e.now()
	if evt.CorrelationID == "" {
		evt.CorrelationID = event.NewID()
	}
	if user != nil {
		u := *user
		evt.User = &u
	}
	evt.Environment = &env

	if geoEnabled {
		evt.Geo = e.resolveGeo(ctx, &evt, geo, ip)
	}

	for _, l := range lookups {
		key, ok := evt.Field(l.field)
		if !ok {
			continue
		}
		related, err := l.fn(ctx, key)
		if err != nil {
			evt.Metadata.Errors = append(evt.Metadata.Errors, event.StageError{
				Stage:   StageEnrich,
				Message: fmt.Sprintf("lookup %s: %v", l.field, err),
			})
			continue
		}
		if evt.Related == nil {
			evt.Related = make(map[string]any)
		}
		evt.Related[relatedKey(l.field)] = related
	}
	return evt, nil
}

func (e *Enricher) resolveGeo(ctx context.Context, evt *event.Event, geo GeoResolver, ip string) *event.GeoInfo {
	unknown := &event.GeoInfo{IP: ip, Country: CountryUnknown}
	if geo == nil || ip == "" {
		return unknown
	}
	info, err := geo.Resolve(ctx, ip)
	if err != nil {
		evt.Metadata.Errors = append(evt.Metadata.Errors, event.StageError{
			Stage:   StageEnrich,
			Message: fmt.Sprintf("geo lookup %s: %v", ip, err),
		})
		return unknown
	}
	if info.IP == "" {
		info.IP = ip
	}
	if info.Country == "" {
		info.Country = CountryUnknown
	}
	return &info
}

// EnrichBatch enriches events concurrently and returns them in input order.
func (e *Enricher) EnrichBatch(ctx context.Context, events []event.Event) ([]event.Event, error) {
	out := make([]event.Event, len(events))
	g, gctx := errgroup.WithContext(ctx)
	for i, evt := range events {
		g.Go(func() error {
			res, err := e.Enrich(gctx, evt)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func relatedKey(field string) string {
	for _, suffix := range []string{"Id", "ID", "_id"} {
		if trimmed, ok := strings.CutSuffix(field, suffix); ok && trimmed != "" {
			return trimmed
		}
	}
	return field
}
