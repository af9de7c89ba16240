package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Source registration bounds, in seconds.
const (
	MinSourceExpirySeconds             int64 = 86400
	MaxSourceExpirySeconds             int64 = 2592000
	MinInstallAttributionWindowSeconds int64 = 86400
	MaxInstallAttributionWindowSeconds int64 = 2592000
	MinPostInstallExclusivitySeconds   int64 = 0
	MaxPostInstallExclusivitySeconds   int64 = 2592000

	oneDaySeconds int64 = 86400
)

const appScheme = "android-app"

// SourceFetcher fetches Attribution-Reporting-Register-Source registrations.
type SourceFetcher struct {
	base
}

// NewSourceFetcher wires a source fetcher.
func NewSourceFetcher(
	poster Poster,
	resolver registration.EnrollmentResolver,
	hasher registration.Hasher,
	opts Options,
	logger *zap.Logger,
) *SourceFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceFetcher{base: base{
		poster:   poster,
		resolver: resolver,
		hasher:   hasher,
		opts:     opts,
		logger:   logger.Named("source_fetcher"),
	}}
}

// FetchSource performs the registration exchange and parses the source. A nil
// source means nothing should be stored; the status says why.
func (f *SourceFetcher) FetchSource(
	ctx context.Context,
	req registration.Request,
) (*registration.Source, registration.FetchStatus, registration.RedirectSet) {
	extra := http.Header{}
	extra.Set(HeaderSourceInfo, string(req.SourceType))

	ex, ok := f.fetch(ctx, req, HeaderRegisterSource, extra)
	if !ok {
		return nil, ex.status, ex.redirects
	}

	src, err := f.parseSource(req, ex)
	if err != nil {
		f.logger.Debug("source registration rejected",
			zap.String("registration_uri", req.RegistrationURI),
			zap.Error(err),
		)
		ex.status.EntityStatus = entityStatusFor(err)
		return nil, ex.status, ex.redirects
	}
	ex.status.EntityStatus = registration.EntitySuccess
	return src, ex.status, ex.redirects
}

func (f *SourceFetcher) parseSource(req registration.Request, ex exchange) (*registration.Source, error) {
	publisher, _ := registration.BaseURI(req.TopOrigin)
	publisherType := registration.SurfaceApp
	if req.IsWebRequest() {
		publisherType = registration.SurfaceWeb
	}
	src := &registration.Source{
		RegistrationID:     req.RegistrationID,
		Publisher:          publisher,
		PublisherType:      publisherType,
		EnrollmentID:       ex.enrollmentID,
		Registrant:         req.Registrant,
		SourceType:         req.SourceType,
		AttributionMode:    registration.AttributionTruthfully,
		EventTime:          req.RequestTime,
		Status:             registration.SourceActive,
		AdIDPermission:     req.AdIDPermission,
		ArDebugPermission:  req.DebugKeyAllowed,
		RegistrationOrigin: ex.registrationOrigin,
		PlatformAdID:       f.platformAdID(req, ex.enrollmentID),
	}

	obj, err := decodeObject(ex.payload)
	if err != nil {
		return nil, err
	}
	if err := f.parseCommon(obj, req, src); err != nil {
		return nil, err
	}

	if obj.has("aggregation_keys") {
		keys, ok := obj.obj("aggregation_keys")
		if !ok {
			return nil, parsingErr("aggregation_keys is not an object")
		}
		if err := validateAggregationKeys(keys); err != nil {
			return nil, err
		}
		if src.AggregateSource, err = marshalCompact(keys); err != nil {
			return nil, parsingErr("aggregation_keys: %v", err)
		}
	}

	if f.opts.XNAEnabled && obj.has("shared_aggregation_keys") {
		shared, ok := obj.array("shared_aggregation_keys")
		if !ok {
			return nil, parsingErr("shared_aggregation_keys is not an array")
		}
		if src.SharedAggregationKeys, err = marshalCompact(shared); err != nil {
			return nil, parsingErr("shared_aggregation_keys: %v", err)
		}
	}
	return src, nil
}

func (f *SourceFetcher) parseCommon(obj object, req registration.Request, src *registration.Source) error {
	if !obj.has("destination") && !obj.has("web_destination") {
		return parsingErr("expected destination or web_destination")
	}

	if obj.has("source_event_id") {
		if id, err := toUint64(obj["source_event_id"]); err == nil {
			src.EventID = id
		} else {
			f.logger.Debug("source_event_id unparseable, using 0", zap.Error(err))
		}
	}

	expiry := MaxSourceExpirySeconds
	if obj.has("expiry") {
		v, err := obj.int64("expiry")
		if err != nil {
			return err
		}
		expiry = clamp(v, MinSourceExpirySeconds, MaxSourceExpirySeconds)
		if req.SourceType == registration.SourceEvent {
			expiry = roundSecondsToWholeDays(expiry)
		}
	}
	src.ExpiryTime = req.RequestTime.Add(seconds(expiry))

	eventWindow, err := reportWindow(obj, "event_report_window", expiry)
	if err != nil {
		return err
	}
	src.EventReportWindow = src.EventTime.Add(seconds(eventWindow))

	aggregateWindow, err := reportWindow(obj, "aggregatable_report_window", expiry)
	if err != nil {
		return err
	}
	src.AggregatableReportWindow = src.EventTime.Add(seconds(aggregateWindow))

	if obj.has("priority") {
		if src.Priority, err = obj.int64("priority"); err != nil {
			return err
		}
	}
	if obj.has("debug_reporting") {
		src.DebugReporting = obj.optBool("debug_reporting")
	}
	src.DebugKey, src.DebugAdID, src.DebugJoinKey = f.debugFields(obj, src.EnrollmentID)

	installWindow := MaxInstallAttributionWindowSeconds
	if obj.has("install_attribution_window") {
		v, err := obj.int64("install_attribution_window")
		if err != nil {
			return err
		}
		installWindow = clamp(v, MinInstallAttributionWindowSeconds, MaxInstallAttributionWindowSeconds)
	}
	src.InstallAttributionWindow = seconds(installWindow)

	cooldown := MinPostInstallExclusivitySeconds
	if obj.has("post_install_exclusivity_window") {
		v, err := obj.int64("post_install_exclusivity_window")
		if err != nil {
			return err
		}
		cooldown = clamp(v, MinPostInstallExclusivitySeconds, MaxPostInstallExclusivitySeconds)
	}
	src.InstallCooldownWindow = seconds(cooldown)

	if obj.has("filter_data") {
		if !IsValidFilterMap(obj["filter_data"]) {
			return validationErr("filter_data is invalid")
		}
		if src.FilterData, err = marshalCompact(obj["filter_data"]); err != nil {
			return parsingErr("filter_data: %v", err)
		}
	}

	appDestination := ""
	if obj.has("destination") {
		raw, err := obj.str("destination")
		if err != nil {
			return err
		}
		if appDestination, err = normalizeAppDestination(raw); err != nil {
			return err
		}
	}
	if req.IsWebRequest() && req.OSDestination != "" && req.OSDestination != appDestination {
		return validationErr("destination does not match the supplied os destination")
	}
	if appDestination != "" {
		dest, ok := registration.BaseURI(appDestination)
		if !ok {
			return validationErr("destination %q has no authority", appDestination)
		}
		src.AppDestinations = []string{dest}
	}

	if obj.has("web_destination") {
		if err := f.parseWebDestinations(obj["web_destination"], req, src); err != nil {
			return err
		}
	} else if req.IsWebRequest() && req.WebDestination != "" {
		return validationErr("no web_destination matches the supplied web destination")
	}

	if f.opts.CoarseEventReportDestinations && obj.has("coarse_event_report_destinations") {
		switch v := obj["coarse_event_report_destinations"].(type) {
		case bool:
			src.CoarseEventReportDestinations = v
		case string:
			if v != "true" && v != "false" {
				return parsingErr("coarse_event_report_destinations is not a boolean")
			}
			src.CoarseEventReportDestinations = v == "true"
		default:
			return parsingErr("coarse_event_report_destinations is not a boolean")
		}
	}
	return nil
}

func (f *SourceFetcher) parseWebDestinations(v any, req registration.Request, src *registration.Source) error {
	var entries []any
	switch t := v.(type) {
	case string:
		entries = []any{t}
	case []any:
		entries = t
	default:
		return parsingErr("web_destination is neither a string nor an array")
	}
	if len(entries) > MaxWebDestinations {
		return validationErr("web_destination has %d entries, max %d", len(entries), MaxWebDestinations)
	}

	mustMatch := req.IsWebRequest() && req.WebDestination != ""
	matched := false
	seen := make(map[string]struct{}, len(entries))
	destinations := make([]string, 0, len(entries))
	for _, entry := range entries {
		raw, ok := scalarString(entry)
		if !ok {
			return parsingErr("web_destination entry is not a string")
		}
		if mustMatch && raw == req.WebDestination {
			matched = true
		}
		site, ok := registration.TopPrivateDomainAndScheme(raw)
		if !ok {
			return validationErr("web_destination %q has no private domain", raw)
		}
		if _, dup := seen[site]; dup {
			continue
		}
		seen[site] = struct{}{}
		destinations = append(destinations, site)
	}
	src.WebDestinations = destinations

	if mustMatch && !matched {
		return validationErr("no web_destination matches the supplied web destination")
	}
	return nil
}

func normalizeAppDestination(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", parsingErr("destination: %v", err)
	}
	if u.Scheme == "" {
		return appScheme + "://" + raw, nil
	}
	if u.Scheme != appScheme {
		return "", validationErr("destination scheme %q is not %s", u.Scheme, appScheme)
	}
	return raw, nil
}

func validateAggregationKeys(keys object) error {
	if len(keys) > MaxAggregateKeysPerRegistration {
		return validationErr("aggregation_keys has %d entries, max %d", len(keys), MaxAggregateKeysPerRegistration)
	}
	for id, raw := range keys {
		if !IsValidAggregateKeyID(id) {
			return validationErr("aggregation key id %q is invalid", id)
		}
		piece, _ := scalarString(raw)
		if !IsValidAggregateKeyPiece(piece) {
			return validationErr("aggregation key piece %q is invalid", piece)
		}
	}
	return nil
}

func reportWindow(obj object, key string, expiry int64) (int64, error) {
	if !obj.has(key) {
		return expiry, nil
	}
	v, err := obj.int64(key)
	if err != nil {
		return 0, err
	}
	return min(expiry, clamp(v, MinSourceExpirySeconds, MaxSourceExpirySeconds)), nil
}

// roundSecondsToWholeDays rounds to the nearest day; half a day rounds up.
func roundSecondsToWholeDays(s int64) int64 {
	remainder := s % oneDaySeconds
	s -= remainder
	if remainder >= oneDaySeconds/2 {
		s += oneDaySeconds
	}
	return s
}

func seconds(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
