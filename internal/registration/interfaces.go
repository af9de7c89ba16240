// Package registration holds the domain model of the attribution registration
// pipeline and the interfaces its collaborators implement.
package registration

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup has no result.
	ErrNotFound = errors.New("not found")
	// ErrNoRowsAffected is returned when a write that must touch a row touched none.
	ErrNoRowsAffected = errors.New("no rows affected")
)

// Datastore runs units of work atomically.
type Datastore interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes every persistence operation available inside a transaction.
type Tx interface {
	// FetchNextQueuedRequest returns the oldest request with fewer than
	// retryLimit attempts whose URI does not start with an excluded origin.
	// It returns ErrNotFound when the queue has no eligible row.
	FetchNextQueuedRequest(ctx context.Context, retryLimit int, excludedOrigins []string) (Request, error)
	InsertRequest(ctx context.Context, req Request) error
	DeleteRequest(ctx context.Context, id string) error
	UpdateRetryCount(ctx context.Context, req Request) error

	CountSourcesPerPublisher(ctx context.Context, publisher string, publisherType SurfaceType) (int64, error)
	CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
		ctx context.Context,
		registrationOrigin string,
		publisher string,
		publisherType SurfaceType,
		enrollmentID string,
		since time.Time,
	) (int64, error)
	CountDistinctDestinationsPerPublisherXEnrollmentInActiveSource(
		ctx context.Context,
		publisher string,
		publisherType SurfaceType,
		enrollmentID string,
		excludedDestinations []string,
		destinationType SurfaceType,
		windowStart time.Time,
		windowEnd time.Time,
	) (int64, error)
	CountDistinctEnrollmentsPerPublisherXDestinationInSource(
		ctx context.Context,
		publisher string,
		publisherType SurfaceType,
		destinations []string,
		excludedEnrollmentID string,
		windowStart time.Time,
		windowEnd time.Time,
	) (int64, error)
	CountTriggersPerDestination(ctx context.Context, destination string, destinationType SurfaceType) (int64, error)

	InsertSource(ctx context.Context, src Source) error
	InsertTrigger(ctx context.Context, trig Trigger) error
	InsertEventReport(ctx context.Context, report EventReport) error
	InsertAttribution(ctx context.Context, attr Attribution) error

	// InsertDebugReport must not abort the enclosing transaction on failure.
	InsertDebugReport(ctx context.Context, report DebugReport) error
	ListDebugReports(ctx context.Context, limit int) ([]DebugReport, error)
	DeleteDebugReport(ctx context.Context, id string) error

	// GetKeyValueData returns a zero Value when no row exists.
	GetKeyValueData(ctx context.Context, key string, dataType KeyValueDataType) (KeyValueData, error)
	UpsertKeyValueData(ctx context.Context, data KeyValueData) error
}

// SourceFetcher fetches and parses a source registration.
type SourceFetcher interface {
	FetchSource(ctx context.Context, req Request) (*Source, FetchStatus, RedirectSet)
}

// TriggerFetcher fetches and parses a trigger registration.
type TriggerFetcher interface {
	FetchTrigger(ctx context.Context, req Request) (*Trigger, FetchStatus, RedirectSet)
}

// EnrollmentResolver maps a registration URI to an enrolled ad tech.
type EnrollmentResolver interface {
	// Resolve returns ErrNotFound when no enrollment matches.
	Resolve(ctx context.Context, registrationURI string, registrantAuthority string) (string, error)
}

// DebugReporter schedules verbose debug reports. Failures are logged, never returned.
type DebugReporter interface {
	ScheduleSourceSuccess(ctx context.Context, tx Tx, src Source)
	ScheduleSourceStorageLimit(ctx context.Context, tx Tx, src Source, limit int64)
	ScheduleSourceDestinationLimit(ctx context.Context, tx Tx, src Source, limit int64)
	ScheduleSourceNoised(ctx context.Context, tx Tx, src Source)
	ScheduleSourceUnknownError(ctx context.Context, tx Tx, src Source)
	ScheduleTriggerNoMatchingSource(ctx context.Context, tx Tx, trig Trigger)
	ScheduleTriggerUnknownError(ctx context.Context, tx Tx, trig Trigger)
}

// Notifier receives change notifications after commit.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoiseHandler applies randomized response to a new source.
type NoiseHandler interface {
	AssignAttributionModeAndGenerateFakeReports(src *Source) ([]FakeReport, error)
	RandomizedTriggerRate(src Source) float64
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
