// Package debugreport builds verbose debug reports for ad techs that opted in
// and exports queued reports to blob storage.
package debugreport

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Report types.
const (
	TypeSourceDestinationLimit  = "source-destination-limit"
	TypeSourceNoised            = "source-noised"
	TypeSourceStorageLimit      = "source-storage-limit"
	TypeSourceSuccess           = "source-success"
	TypeSourceUnknownError      = "source-unknown-error"
	TypeTriggerNoMatchingSource = "trigger-no-matching-source"
	TypeTriggerUnknownError     = "trigger-unknown-error"
)

// Config holds the feature flags that gate debug reporting.
type Config struct {
	Enabled        bool
	SourceEnabled  bool
	TriggerEnabled bool
}

type permission int

const (
	permissionNone permission = iota
	permissionGranted
	permissionDenied
)

func permissionFor(surface registration.SurfaceType, matches registration.SurfaceType, granted bool) permission {
	if surface != matches {
		return permissionNone
	}
	if granted {
		return permissionGranted
	}
	return permissionDenied
}

type sourceBody struct {
	SourceEventID          string `json:"source_event_id"`
	AttributionDestination any    `json:"attribution_destination"`
	SourceSite             string `json:"source_site,omitempty"`
	Limit                  string `json:"limit,omitempty"`
	SourceDebugKey         string `json:"source_debug_key,omitempty"`
}

type triggerBody struct {
	AttributionDestination string `json:"attribution_destination"`
	TriggerDebugKey        string `json:"trigger_debug_key,omitempty"`
}

// API implements registration.DebugReporter.
type API struct {
	cfg    Config
	ids    registration.IDGenerator
	clock  registration.Clock
	logger *zap.Logger
}

// NewAPI constructs an API.
func NewAPI(cfg Config, ids registration.IDGenerator, clock registration.Clock, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{cfg: cfg, ids: ids, clock: clock, logger: logger.Named("debug_report")}
}

func (a *API) sourceEnabled(src registration.Source, reportType string) bool {
	if !a.cfg.Enabled || !a.cfg.SourceEnabled {
		return false
	}
	if !src.DebugReporting {
		a.logger.Debug("ad tech not opted in", zap.String("type", reportType))
		return false
	}
	return true
}

func sourcePermissions(src registration.Source) (adID, arDebug permission) {
	return permissionFor(src.PublisherType, registration.SurfaceApp, src.AdIDPermission),
		permissionFor(src.PublisherType, registration.SurfaceWeb, src.ArDebugPermission)
}

func (a *API) scheduleSource(ctx context.Context, tx registration.Tx, src registration.Source, reportType, limit string) {
	if !a.sourceEnabled(src, reportType) {
		return
	}
	adID, arDebug := sourcePermissions(src)
	if adID == permissionDenied || arDebug == permissionDenied {
		a.logger.Debug("skipping debug report without permission", zap.String("type", reportType))
		return
	}
	a.schedule(ctx, tx, reportType, newSourceBody(src, limit, true), src.EnrollmentID, src.RegistrationOrigin)
}

// ScheduleSourceSuccess implements registration.DebugReporter.
func (a *API) ScheduleSourceSuccess(ctx context.Context, tx registration.Tx, src registration.Source) {
	a.scheduleSource(ctx, tx, src, TypeSourceSuccess, "")
}

// ScheduleSourceStorageLimit implements registration.DebugReporter.
func (a *API) ScheduleSourceStorageLimit(ctx context.Context, tx registration.Tx, src registration.Source, limit int64) {
	a.scheduleSource(ctx, tx, src, TypeSourceStorageLimit, strconv.FormatInt(limit, 10))
}

// ScheduleSourceNoised implements registration.DebugReporter.
func (a *API) ScheduleSourceNoised(ctx context.Context, tx registration.Tx, src registration.Source) {
	a.scheduleSource(ctx, tx, src, TypeSourceNoised, "")
}

// ScheduleSourceUnknownError implements registration.DebugReporter.
func (a *API) ScheduleSourceUnknownError(ctx context.Context, tx registration.Tx, src registration.Source) {
	a.scheduleSource(ctx, tx, src, TypeSourceUnknownError, "")
}

// ScheduleSourceDestinationLimit implements registration.DebugReporter. It is
// sent without permission; the debug key is attached only when granted.
func (a *API) ScheduleSourceDestinationLimit(ctx context.Context, tx registration.Tx, src registration.Source, limit int64) {
	if !a.sourceEnabled(src, TypeSourceDestinationLimit) {
		return
	}
	adID, arDebug := sourcePermissions(src)
	withKey := adID == permissionGranted || arDebug == permissionGranted
	body := newSourceBody(src, strconv.FormatInt(limit, 10), withKey)
	a.schedule(ctx, tx, TypeSourceDestinationLimit, body, src.EnrollmentID, src.RegistrationOrigin)
}

// ScheduleTriggerNoMatchingSource implements registration.DebugReporter.
func (a *API) ScheduleTriggerNoMatchingSource(ctx context.Context, tx registration.Tx, trig registration.Trigger) {
	a.scheduleTrigger(ctx, tx, trig, TypeTriggerNoMatchingSource)
}

// ScheduleTriggerUnknownError implements registration.DebugReporter.
func (a *API) ScheduleTriggerUnknownError(ctx context.Context, tx registration.Tx, trig registration.Trigger) {
	a.scheduleTrigger(ctx, tx, trig, TypeTriggerUnknownError)
}

func (a *API) scheduleTrigger(ctx context.Context, tx registration.Tx, trig registration.Trigger, reportType string) {
	if !a.cfg.Enabled || !a.cfg.TriggerEnabled {
		return
	}
	if !trig.DebugReporting {
		a.logger.Debug("ad tech not opted in", zap.String("type", reportType))
		return
	}
	adID := permissionFor(trig.DestinationType, registration.SurfaceApp, trig.AdIDPermission)
	arDebug := permissionFor(trig.DestinationType, registration.SurfaceWeb, trig.ArDebugPermission)
	if adID == permissionDenied || arDebug == permissionDenied {
		a.logger.Debug("skipping debug report without permission", zap.String("type", reportType))
		return
	}
	body := triggerBody{TriggerDebugKey: debugKey(trig.DebugKey)}
	body.AttributionDestination, _ = registration.DestinationBase(trig.AttributionDestination, trig.DestinationType)
	a.schedule(ctx, tx, reportType, body, trig.EnrollmentID, trig.RegistrationOrigin)
}

func newSourceBody(src registration.Source, limit string, withKey bool) sourceBody {
	body := sourceBody{
		SourceEventID:          strconv.FormatUint(src.EventID, 10),
		AttributionDestination: sourceDestinations(src),
		SourceSite:             sourceSite(src),
		Limit:                  limit,
	}
	if withKey {
		body.SourceDebugKey = debugKey(src.DebugKey)
	}
	return body
}

// sourceDestinations serializes one destination as a string and several as
// a sorted array. Web destinations are reduced to their site.
func sourceDestinations(src registration.Source) any {
	destinations := slices.Clone(src.AppDestinations)
	for _, dest := range src.WebDestinations {
		if site, ok := registration.TopPrivateDomainAndScheme(dest); ok {
			destinations = append(destinations, site)
		}
	}
	slices.Sort(destinations)
	destinations = slices.Compact(destinations)
	if len(destinations) == 1 {
		return destinations[0]
	}
	return destinations
}

func sourceSite(src registration.Source) string {
	if src.PublisherType == registration.SurfaceApp {
		return src.Publisher
	}
	site, _ := registration.TopPrivateDomainAndScheme(src.Publisher)
	return site
}

func debugKey(key *uint64) string {
	if key == nil {
		return ""
	}
	return strconv.FormatUint(*key, 10)
}

// schedule stores the report. Failures are logged and never reach the caller.
func (a *API) schedule(
	ctx context.Context,
	tx registration.Tx,
	reportType string,
	body any,
	enrollmentID string,
	registrationOrigin string,
) {
	if enrollmentID == "" {
		a.logger.Debug("empty enrollment for debug report", zap.String("type", reportType))
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		a.logger.Error("marshal debug report body", zap.String("type", reportType), zap.Error(err))
		return
	}
	id, err := a.ids.NewID()
	if err != nil {
		a.logger.Error("debug report id", zap.String("type", reportType), zap.Error(err))
		return
	}
	report := registration.DebugReport{
		ID:                 id,
		Type:               reportType,
		Body:               raw,
		EnrollmentID:       enrollmentID,
		RegistrationOrigin: registrationOrigin,
		InsertedAt:         a.clock.Now(),
	}
	if err := tx.InsertDebugReport(ctx, report); err != nil {
		a.logger.Error("failed to insert debug report", zap.String("type", reportType), zap.Error(err))
		return
	}
	metrics.ObserveDebugReport(reportType)
}
