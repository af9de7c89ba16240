package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

type kvKey struct {
	key      string
	dataType registration.KeyValueDataType
}

type state struct {
	requests     map[string]registration.Request
	sources      map[string]registration.Source
	triggers     map[string]registration.Trigger
	eventReports map[string]registration.EventReport
	attributions map[string]registration.Attribution
	debugReports map[string]registration.DebugReport
	kv           map[kvKey]int
}

func newState() *state {
	return &state{
		requests:     make(map[string]registration.Request),
		sources:      make(map[string]registration.Source),
		triggers:     make(map[string]registration.Trigger),
		eventReports: make(map[string]registration.EventReport),
		attributions: make(map[string]registration.Attribution),
		debugReports: make(map[string]registration.DebugReport),
		kv:           make(map[kvKey]int),
	}
}

func (s *state) clone() *state {
	return &state{
		requests:     maps.Clone(s.requests),
		sources:      maps.Clone(s.sources),
		triggers:     maps.Clone(s.triggers),
		eventReports: maps.Clone(s.eventReports),
		attributions: maps.Clone(s.attributions),
		debugReports: maps.Clone(s.debugReports),
		kv:           maps.Clone(s.kv),
	}
}

// Datastore keeps the registration tables in memory. Each transaction works
// on a snapshot that replaces the committed state only when fn succeeds.
// Transactions are serialized; fn must not start another one.
type Datastore struct {
	mu    sync.Mutex
	state *state
}

// NewDatastore constructs an empty Datastore.
func NewDatastore() *Datastore {
	return &Datastore{state: newState()}
}

// InTransaction runs fn atomically.
func (d *Datastore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx registration.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := d.state.clone()
	if err := fn(ctx, &txn{state: working}); err != nil {
		return err
	}
	d.state = working
	return nil
}

// Ping always succeeds.
func (d *Datastore) Ping(context.Context) error {
	return nil
}

// Requests returns the queued requests ordered by request time.
func (d *Datastore) Requests() []registration.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Collect(maps.Values(d.state.requests))
	sortRequests(out)
	return out
}

// Sources returns every stored source.
func (d *Datastore) Sources() []registration.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Collect(maps.Values(d.state.sources))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Triggers returns every stored trigger.
func (d *Datastore) Triggers() []registration.Trigger {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Collect(maps.Values(d.state.triggers))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EventReports returns every stored event report.
func (d *Datastore) EventReports() []registration.EventReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Collect(maps.Values(d.state.eventReports))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Attributions returns every stored attribution.
func (d *Datastore) Attributions() []registration.Attribution {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Collect(maps.Values(d.state.attributions))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DebugReports returns the pending debug reports in insertion order.
func (d *Datastore) DebugReports() []registration.DebugReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedDebugReports(d.state.debugReports)
}

// KeyValue returns a stored counter, or 0.
func (d *Datastore) KeyValue(key string, dataType registration.KeyValueDataType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.kv[kvKey{key: key, dataType: dataType}]
}

type txn struct {
	state *state
}

func sortRequests(reqs []registration.Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].RequestTime.Equal(reqs[j].RequestTime) {
			return reqs[i].RequestTime.Before(reqs[j].RequestTime)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

func sortedDebugReports(in map[string]registration.DebugReport) []registration.DebugReport {
	out := slices.Collect(maps.Values(in))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].InsertedAt.Before(out[j].InsertedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *txn) FetchNextQueuedRequest(_ context.Context, retryLimit int, excludedOrigins []string) (registration.Request, error) {
	candidates := make([]registration.Request, 0, len(t.state.requests))
	for _, req := range t.state.requests {
		if req.RetryCount >= retryLimit {
			continue
		}
		if slices.ContainsFunc(excludedOrigins, func(origin string) bool {
			return strings.HasPrefix(req.RegistrationURI, origin)
		}) {
			continue
		}
		candidates = append(candidates, req)
	}
	if len(candidates) == 0 {
		return registration.Request{}, registration.ErrNotFound
	}
	sortRequests(candidates)
	return candidates[0], nil
}

func (t *txn) InsertRequest(_ context.Context, req registration.Request) error {
	if _, exists := t.state.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	t.state.requests[req.ID] = req
	return nil
}

func (t *txn) DeleteRequest(_ context.Context, id string) error {
	if _, ok := t.state.requests[id]; !ok {
		return registration.ErrNoRowsAffected
	}
	delete(t.state.requests, id)
	return nil
}

func (t *txn) UpdateRetryCount(_ context.Context, req registration.Request) error {
	stored, ok := t.state.requests[req.ID]
	if !ok {
		return registration.ErrNoRowsAffected
	}
	stored.RetryCount = req.RetryCount
	t.state.requests[req.ID] = stored
	return nil
}

// matchesPublisher applies the web subdomain rule to web publishers.
func matchesPublisher(stored, publisher string, publisherType registration.SurfaceType) bool {
	if publisherType == registration.SurfaceWeb {
		return registration.MatchesSite(stored, publisher)
	}
	return stored == publisher
}

func (t *txn) CountSourcesPerPublisher(_ context.Context, publisher string, _ registration.SurfaceType) (int64, error) {
	var n int64
	for _, src := range t.state.sources {
		if src.Publisher == publisher {
			n++
		}
	}
	return n, nil
}

func (t *txn) CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
	_ context.Context,
	registrationOrigin string,
	publisher string,
	publisherType registration.SurfaceType,
	enrollmentID string,
	since time.Time,
) (int64, error) {
	var n int64
	for _, src := range t.state.sources {
		if matchesPublisher(src.Publisher, publisher, publisherType) &&
			src.EnrollmentID == enrollmentID &&
			src.RegistrationOrigin != registrationOrigin &&
			src.EventTime.After(since) {
			n++
		}
	}
	return n, nil
}

func inWindow(src registration.Source, start, end time.Time) bool {
	return src.EventTime.After(start) && !src.EventTime.After(end) && src.ExpiryTime.After(end)
}

func destinationsOf(src registration.Source, destinationType registration.SurfaceType) []string {
	if destinationType == registration.SurfaceWeb {
		return src.WebDestinations
	}
	return src.AppDestinations
}

func (t *txn) CountDistinctDestinationsPerPublisherXEnrollmentInActiveSource(
	_ context.Context,
	publisher string,
	publisherType registration.SurfaceType,
	enrollmentID string,
	excludedDestinations []string,
	destinationType registration.SurfaceType,
	windowStart time.Time,
	windowEnd time.Time,
) (int64, error) {
	seen := make(map[string]struct{})
	for _, src := range t.state.sources {
		if !matchesPublisher(src.Publisher, publisher, publisherType) ||
			src.EnrollmentID != enrollmentID ||
			src.Status != registration.SourceActive ||
			!inWindow(src, windowStart, windowEnd) {
			continue
		}
		for _, dest := range destinationsOf(src, destinationType) {
			if !slices.Contains(excludedDestinations, dest) {
				seen[dest] = struct{}{}
			}
		}
	}
	return int64(len(seen)), nil
}

func (t *txn) CountDistinctEnrollmentsPerPublisherXDestinationInSource(
	_ context.Context,
	publisher string,
	publisherType registration.SurfaceType,
	destinations []string,
	excludedEnrollmentID string,
	windowStart time.Time,
	windowEnd time.Time,
) (int64, error) {
	perDestination := make(map[string]map[string]struct{})
	for _, src := range t.state.sources {
		if !matchesPublisher(src.Publisher, publisher, publisherType) ||
			src.EnrollmentID == excludedEnrollmentID ||
			!inWindow(src, windowStart, windowEnd) {
			continue
		}
		for _, dest := range append(slices.Clone(src.AppDestinations), src.WebDestinations...) {
			if !slices.Contains(destinations, dest) {
				continue
			}
			if perDestination[dest] == nil {
				perDestination[dest] = make(map[string]struct{})
			}
			perDestination[dest][src.EnrollmentID] = struct{}{}
		}
	}
	var most int64
	for _, enrollments := range perDestination {
		most = max(most, int64(len(enrollments)))
	}
	return most, nil
}

func (t *txn) CountTriggersPerDestination(
	_ context.Context,
	destination string,
	destinationType registration.SurfaceType,
) (int64, error) {
	base, ok := registration.DestinationBase(destination, destinationType)
	if !ok {
		return 0, fmt.Errorf("no base uri for destination %q", destination)
	}
	var n int64
	for _, trig := range t.state.triggers {
		if registration.MatchesDestination(trig.AttributionDestination, base, destinationType) {
			n++
		}
	}
	return n, nil
}

func (t *txn) InsertSource(_ context.Context, src registration.Source) error {
	if _, exists := t.state.sources[src.ID]; exists {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	t.state.sources[src.ID] = src
	return nil
}

func (t *txn) InsertTrigger(_ context.Context, trig registration.Trigger) error {
	if _, exists := t.state.triggers[trig.ID]; exists {
		return fmt.Errorf("trigger %s already exists", trig.ID)
	}
	t.state.triggers[trig.ID] = trig
	return nil
}

func (t *txn) InsertEventReport(_ context.Context, report registration.EventReport) error {
	if _, ok := t.state.sources[report.SourceID]; !ok {
		return fmt.Errorf("event report %s references unknown source %s", report.ID, report.SourceID)
	}
	t.state.eventReports[report.ID] = report
	return nil
}

func (t *txn) InsertAttribution(_ context.Context, attr registration.Attribution) error {
	if _, ok := t.state.sources[attr.SourceID]; !ok {
		return fmt.Errorf("attribution %s references unknown source %s", attr.ID, attr.SourceID)
	}
	t.state.attributions[attr.ID] = attr
	return nil
}

func (t *txn) InsertDebugReport(_ context.Context, report registration.DebugReport) error {
	if report.ID == "" {
		return errors.New("debug report id is required")
	}
	t.state.debugReports[report.ID] = report
	return nil
}

func (t *txn) ListDebugReports(_ context.Context, limit int) ([]registration.DebugReport, error) {
	out := sortedDebugReports(t.state.debugReports)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) DeleteDebugReport(_ context.Context, id string) error {
	if _, ok := t.state.debugReports[id]; !ok {
		return registration.ErrNoRowsAffected
	}
	delete(t.state.debugReports, id)
	return nil
}

func (t *txn) GetKeyValueData(
	_ context.Context,
	key string,
	dataType registration.KeyValueDataType,
) (registration.KeyValueData, error) {
	return registration.KeyValueData{
		Key:      key,
		DataType: dataType,
		Value:    t.state.kv[kvKey{key: key, dataType: dataType}],
	}, nil
}

func (t *txn) UpsertKeyValueData(_ context.Context, data registration.KeyValueData) error {
	t.state.kv[kvKey{key: data.Key, dataType: data.DataType}] = data.Value
	return nil
}
