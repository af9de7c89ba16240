package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Limits are the privacy budget caps enforced before an entity is stored.
type Limits struct {
	MaxSourcesPerPublisher    int64
	MaxTriggersPerDestination int64
	MaxDistinctDestinations   int64
	MaxDistinctEnrollments    int64
}

// DefaultLimits returns the production caps.
func DefaultLimits() Limits {
	return Limits{
		MaxSourcesPerPublisher:    1024,
		MaxTriggersPerDestination: 1024,
		MaxDistinctDestinations:   100,
		MaxDistinctEnrollments:    10,
	}
}

const (
	rateLimitWindow                = 30 * 24 * time.Hour
	minReportingOriginUpdateWindow = 24 * time.Hour
)

// storeSource admits and inserts a source. A rejected source is not an error.
func (r *Runner) storeSource(ctx context.Context, tx registration.Tx, req registration.Request, src registration.Source) error {
	topOrigin := req.Registrant
	publisherType := registration.SurfaceApp
	if req.Type == registration.WebSource {
		topOrigin = req.TopOrigin
		publisherType = registration.SurfaceWeb
	}

	topLevelPublisher, ok, err := r.admitSource(ctx, tx, src, topOrigin, publisherType)
	if err != nil || !ok {
		return err
	}
	if err := r.insertSource(ctx, tx, &src, topLevelPublisher); err != nil {
		return err
	}
	r.debug.ScheduleSourceSuccess(ctx, tx, src)
	return nil
}

func (r *Runner) rejectSource(reason string, src registration.Source, err error) {
	metrics.ObserveAdmissionRejection("source", reason)
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("enrollment_id", src.EnrollmentID),
		zap.String("publisher", src.Publisher),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Debug("source rejected", fields...)
}

// admitSource runs the source checks in order. Lookup failures are returned
// so the enclosing transaction fails and the request is retried.
func (r *Runner) admitSource(
	ctx context.Context,
	tx registration.Tx,
	src registration.Source,
	topOrigin string,
	publisherType registration.SurfaceType,
) (string, bool, error) {
	limits := r.cfg.Limits
	publisher, ok := topLevelPublisher(topOrigin, publisherType)
	if !ok {
		r.rejectSource("no_publisher", src, nil)
		return "", false, nil
	}

	originBase, _ := registration.BaseURI(topOrigin)
	count, err := tx.CountSourcesPerPublisher(ctx, originBase, publisherType)
	if err != nil {
		return "", false, fmt.Errorf("count sources per publisher: %w", err)
	}
	if count >= limits.MaxSourcesPerPublisher {
		r.debug.ScheduleSourceStorageLimit(ctx, tx, src, count)
		r.rejectSource("sources_per_publisher", src, nil)
		return "", false, nil
	}

	others, err := tx.CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
		ctx,
		src.RegistrationOrigin,
		publisher,
		publisherType,
		src.EnrollmentID,
		src.EventTime.Add(-minReportingOriginUpdateWindow),
	)
	if err != nil {
		return "", false, fmt.Errorf("count reporting origins: %w", err)
	}
	if others > 0 {
		r.rejectSource("reporting_origin", src, nil)
		return "", false, nil
	}

	windowStart := src.EventTime.Add(-rateLimitWindow)
	windowEnd := src.EventTime
	for _, group := range []struct {
		destinations []string
		surface      registration.SurfaceType
	}{
		{src.AppDestinations, registration.SurfaceApp},
		{src.WebDestinations, registration.SurfaceWeb},
	} {
		if len(group.destinations) == 0 {
			continue
		}
		ok, err := r.admitDestinations(ctx, tx, src, publisher, publisherType, group.destinations, group.surface, windowStart, windowEnd)
		if err != nil || !ok {
			return "", false, err
		}
	}
	return publisher, true, nil
}

func (r *Runner) admitDestinations(
	ctx context.Context,
	tx registration.Tx,
	src registration.Source,
	publisher string,
	publisherType registration.SurfaceType,
	destinations []string,
	destinationType registration.SurfaceType,
	windowStart, windowEnd time.Time,
) (bool, error) {
	limits := r.cfg.Limits
	existing, err := tx.CountDistinctDestinationsPerPublisherXEnrollmentInActiveSource(
		ctx, publisher, publisherType, src.EnrollmentID, destinations, destinationType, windowStart, windowEnd,
	)
	if err != nil {
		return false, fmt.Errorf("count distinct destinations: %w", err)
	}
	if existing+int64(len(destinations)) > limits.MaxDistinctDestinations {
		r.debug.ScheduleSourceDestinationLimit(ctx, tx, src, limits.MaxDistinctDestinations)
		r.rejectSource("distinct_destinations", src, nil)
		return false, nil
	}

	enrollments, err := tx.CountDistinctEnrollmentsPerPublisherXDestinationInSource(
		ctx, publisher, publisherType, destinations, src.EnrollmentID, windowStart, windowEnd,
	)
	if err != nil {
		return false, fmt.Errorf("count distinct enrollments: %w", err)
	}
	if enrollments >= limits.MaxDistinctEnrollments {
		r.debug.ScheduleSourceSuccess(ctx, tx, src)
		r.rejectSource("distinct_enrollments", src, nil)
		return false, nil
	}
	return true, nil
}

// insertSource applies randomized response and writes the source together
// with its fake reports and fake attributions.
func (r *Runner) insertSource(ctx context.Context, tx registration.Tx, src *registration.Source, topLevelPublisher string) error {
	fakes, err := r.noise.AssignAttributionModeAndGenerateFakeReports(src)
	if err != nil {
		return fmt.Errorf("assign attribution mode: %w", err)
	}
	if len(fakes) > 0 {
		r.debug.ScheduleSourceNoised(ctx, tx, *src)
	}

	if src.ID, err = r.ids.NewID(); err != nil {
		return fmt.Errorf("source id: %w", err)
	}
	if err := tx.InsertSource(ctx, *src); err != nil {
		r.debug.ScheduleSourceUnknownError(ctx, tx, *src)
		return fmt.Errorf("insert source: %w", err)
	}

	rate := r.noise.RandomizedTriggerRate(*src)
	for _, fake := range fakes {
		id, err := r.ids.NewID()
		if err != nil {
			return fmt.Errorf("fake report id: %w", err)
		}
		report := registration.EventReport{
			ID:                     id,
			SourceEventID:          src.EventID,
			EnrollmentID:           src.EnrollmentID,
			AttributionDestination: fake.Destinations,
			ReportTime:             fake.ReportTime,
			TriggerData:            fake.TriggerData,
			TriggerPriority:        0,
			TriggerTime:            src.EventTime,
			SourceType:             src.SourceType,
			Status:                 registration.ReportPending,
			RandomizedTriggerRate:  rate,
			RegistrationOrigin:     src.RegistrationOrigin,
			SourceID:               src.ID,
		}
		if err := tx.InsertEventReport(ctx, report); err != nil {
			return fmt.Errorf("insert fake event report: %w", err)
		}
	}

	if src.AttributionMode == registration.AttributionTruthfully {
		return nil
	}
	destinations := append(append([]string{}, src.AppDestinations...), src.WebDestinations...)
	for _, dest := range destinations {
		id, err := r.ids.NewID()
		if err != nil {
			return fmt.Errorf("fake attribution id: %w", err)
		}
		attr := registration.Attribution{
			ID:                 id,
			SourceSite:         topLevelPublisher,
			SourceOrigin:       src.Publisher,
			DestinationSite:    dest,
			DestinationOrigin:  dest,
			EnrollmentID:       src.EnrollmentID,
			TriggerTime:        src.EventTime,
			Registrant:         src.Registrant,
			SourceID:           src.ID,
			RegistrationOrigin: src.RegistrationOrigin,
		}
		if err := tx.InsertAttribution(ctx, attr); err != nil {
			return fmt.Errorf("insert fake attribution: %w", err)
		}
	}
	return nil
}

// storeTrigger admits and inserts a trigger.
func (r *Runner) storeTrigger(
	ctx context.Context,
	tx registration.Tx,
	req registration.Request,
	trig registration.Trigger,
	result *applyResult,
) error {
	count, err := tx.CountTriggersPerDestination(ctx, trig.AttributionDestination, trig.DestinationType)
	if err != nil {
		metrics.ObserveAdmissionRejection("trigger", "lookup_error")
		r.logger.Warn("trigger count lookup failed", zap.Error(err))
		return nil
	}
	if count >= r.cfg.Limits.MaxTriggersPerDestination {
		metrics.ObserveAdmissionRejection("trigger", "triggers_per_destination")
		r.logger.Debug("trigger rejected",
			zap.String("destination", trig.AttributionDestination),
			zap.Int64("count", count),
		)
		return nil
	}

	if trig.ID, err = r.ids.NewID(); err != nil {
		return fmt.Errorf("trigger id: %w", err)
	}
	if err := tx.InsertTrigger(ctx, trig); err != nil {
		r.debug.ScheduleTriggerUnknownError(ctx, tx, trig)
		return fmt.Errorf("insert trigger: %w", err)
	}
	result.notifications = append(result.notifications, registration.Notification{
		Kind:           registration.NotifyTriggerInserted,
		RegistrationID: req.RegistrationID,
		EntityID:       trig.ID,
		At:             r.clock.Now(),
	})
	return nil
}

// topLevelPublisher is the app URI for app publishers and the site for web ones.
func topLevelPublisher(topOrigin string, publisherType registration.SurfaceType) (string, bool) {
	if publisherType == registration.SurfaceApp {
		if topOrigin == "" {
			return "", false
		}
		return topOrigin, true
	}
	return registration.TopPrivateDomainAndScheme(topOrigin)
}
