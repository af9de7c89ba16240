package fetcher

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// TriggerFetcher fetches Attribution-Reporting-Register-Trigger registrations.
type TriggerFetcher struct {
	base
}

// NewTriggerFetcher wires a trigger fetcher.
func NewTriggerFetcher(
	poster Poster,
	resolver registration.EnrollmentResolver,
	hasher registration.Hasher,
	opts Options,
	logger *zap.Logger,
) *TriggerFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerFetcher{base: base{
		poster:   poster,
		resolver: resolver,
		hasher:   hasher,
		opts:     opts,
		logger:   logger.Named("trigger_fetcher"),
	}}
}

// FetchTrigger performs the registration exchange and parses the trigger.
func (f *TriggerFetcher) FetchTrigger(
	ctx context.Context,
	req registration.Request,
) (*registration.Trigger, registration.FetchStatus, registration.RedirectSet) {
	ex, ok := f.fetch(ctx, req, HeaderRegisterTrigger, nil)
	if !ok {
		return nil, ex.status, ex.redirects
	}

	trig, err := f.parseTrigger(req, ex)
	if err != nil {
		f.logger.Debug("trigger registration rejected",
			zap.String("registration_uri", req.RegistrationURI),
			zap.Error(err),
		)
		ex.status.EntityStatus = entityStatusFor(err)
		return nil, ex.status, ex.redirects
	}
	ex.status.EntityStatus = registration.EntitySuccess
	return trig, ex.status, ex.redirects
}

func (f *TriggerFetcher) parseTrigger(req registration.Request, ex exchange) (*registration.Trigger, error) {
	destination := req.TopOrigin
	if req.Type == registration.AppTrigger {
		if site, ok := registration.BaseURI(req.TopOrigin); ok {
			destination = site
		}
	}
	trig := &registration.Trigger{
		AttributionDestination: destination,
		DestinationType:        req.Surface(),
		EnrollmentID:           ex.enrollmentID,
		Registrant:             req.Registrant,
		TriggerTime:            req.RequestTime,
		Status:                 registration.TriggerPending,
		AdIDPermission:         req.AdIDPermission,
		ArDebugPermission:      req.DebugKeyAllowed,
		RegistrationOrigin:     ex.registrationOrigin,
		PlatformAdID:           f.platformAdID(req, ex.enrollmentID),
		EventTriggers:          "[]",
	}

	obj, err := decodeObject(ex.payload)
	if err != nil {
		return nil, err
	}

	if obj.has("event_trigger_data") {
		arr, ok := obj.array("event_trigger_data")
		if !ok {
			return nil, parsingErr("event_trigger_data is not an array")
		}
		if trig.EventTriggers, err = f.eventTriggerData(arr); err != nil {
			return nil, err
		}
	}

	if obj.has("aggregatable_trigger_data") {
		arr, ok := obj.array("aggregatable_trigger_data")
		if !ok {
			return nil, parsingErr("aggregatable_trigger_data is not an array")
		}
		if trig.AggregateTriggerData, err = aggregatableTriggerData(arr); err != nil {
			return nil, err
		}
	}

	if obj.has("aggregatable_values") {
		values, ok := obj.obj("aggregatable_values")
		if !ok {
			return nil, parsingErr("aggregatable_values is not an object")
		}
		if len(values) > MaxAggregateKeysPerRegistration {
			return nil, validationErr("aggregatable_values has %d entries, max %d", len(values), MaxAggregateKeysPerRegistration)
		}
		for id := range values {
			if !IsValidAggregateKeyID(id) {
				return nil, validationErr("aggregatable_values key %q is invalid", id)
			}
		}
		if trig.AggregateValues, err = marshalCompact(values); err != nil {
			return nil, parsingErr("aggregatable_values: %v", err)
		}
	}

	if obj.has("aggregatable_deduplication_keys") {
		arr, ok := obj.array("aggregatable_deduplication_keys")
		if !ok {
			return nil, parsingErr("aggregatable_deduplication_keys is not an array")
		}
		if trig.AggregateDeduplicationKeys, err = deduplicationKeys(arr); err != nil {
			return nil, err
		}
	}

	if trig.Filters, err = topLevelFilters(obj, "filters"); err != nil {
		return nil, err
	}
	if trig.NotFilters, err = topLevelFilters(obj, "not_filters"); err != nil {
		return nil, err
	}

	if obj.has("debug_reporting") {
		trig.DebugReporting = obj.optBool("debug_reporting")
	}
	trig.DebugKey, trig.DebugAdID, trig.DebugJoinKey = f.debugFields(obj, trig.EnrollmentID)

	if f.opts.XNAEnabled && obj.has("x_network_key_mapping") {
		mapping, ok := obj.obj("x_network_key_mapping")
		if !ok {
			return nil, parsingErr("x_network_key_mapping is not an object")
		}
		if validKeyMapping(mapping) {
			if trig.XNetworkKeyMapping, err = marshalCompact(mapping); err != nil {
				return nil, parsingErr("x_network_key_mapping: %v", err)
			}
		} else {
			f.logger.Debug("dropping invalid x_network_key_mapping",
				zap.String("registration_uri", req.RegistrationURI),
			)
		}
	}

	if f.opts.XNAEnabled && f.xnaAllowed(req) && obj.has("attribution_config") {
		configs, ok := obj.array("attribution_config")
		if !ok {
			return nil, parsingErr("attribution_config is not an array")
		}
		if trig.AttributionConfig, err = attributionConfigs(configs); err != nil {
			return nil, err
		}
	}
	return trig, nil
}

// xnaAllowed restricts attribution_config on web triggers to allowlisted registrants.
func (f *TriggerFetcher) xnaAllowed(req registration.Request) bool {
	if req.Type != registration.WebTrigger {
		return true
	}
	return slices.Contains(f.opts.WebContextClientAllowlist, registration.Authority(req.Registrant))
}

func (f *TriggerFetcher) eventTriggerData(arr []any) (string, error) {
	if len(arr) > MaxEventTriggerData {
		return "", validationErr("event_trigger_data has %d entries, max %d", len(arr), MaxEventTriggerData)
	}
	valid := make([]map[string]any, 0, len(arr))
	for _, raw := range arr {
		datum, ok := raw.(map[string]any)
		if !ok {
			f.logger.Debug("skipping event_trigger_data entry that is not an object")
			continue
		}
		out := map[string]any{"trigger_data": "0"}
		if v, present := datum["trigger_data"]; present && v != nil {
			if n, err := toUint64(v); err == nil {
				out["trigger_data"] = strconv.FormatUint(n, 10)
			}
		}
		if v, present := datum["priority"]; present && v != nil {
			if s, ok := scalarString(v); ok {
				if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
					out["priority"] = strconv.FormatInt(n, 10)
				}
			}
		}
		if v, present := datum["deduplication_key"]; present && v != nil {
			if n, err := toUint64(v); err == nil {
				out["deduplication_key"] = strconv.FormatUint(n, 10)
			}
		}
		if err := copyFilters(datum, out, "filters"); err != nil {
			return "", err
		}
		if err := copyFilters(datum, out, "not_filters"); err != nil {
			return "", err
		}
		valid = append(valid, out)
	}
	return marshalCompact(valid)
}

func aggregatableTriggerData(arr []any) (string, error) {
	if len(arr) > MaxAggregatableTriggerData {
		return "", validationErr("aggregatable_trigger_data has %d entries, max %d", len(arr), MaxAggregatableTriggerData)
	}
	valid := make([]map[string]any, 0, len(arr))
	for _, raw := range arr {
		datum, ok := raw.(map[string]any)
		if !ok {
			return "", parsingErr("aggregatable_trigger_data entry is not an object")
		}
		piece, _ := scalarString(datum["key_piece"])
		if !IsValidAggregateKeyPiece(piece) {
			return "", validationErr("aggregatable_trigger_data key_piece %q is invalid", piece)
		}
		sourceKeys, ok := datum["source_keys"].([]any)
		if !ok || len(sourceKeys) > MaxAggregateKeysPerRegistration {
			return "", validationErr("aggregatable_trigger_data source_keys missing or too long")
		}
		for _, k := range sourceKeys {
			key, _ := scalarString(k)
			if !IsValidAggregateKeyID(key) {
				return "", validationErr("aggregatable_trigger_data source key %q is invalid", key)
			}
		}
		out := maps.Clone(datum)
		if err := copyFilters(datum, out, "filters"); err != nil {
			return "", err
		}
		if err := copyFilters(datum, out, "not_filters"); err != nil {
			return "", err
		}
		if v, present := datum["x_network_data"]; present && v != nil {
			if _, ok := v.(map[string]any); !ok {
				return "", parsingErr("x_network_data is not an object")
			}
		}
		valid = append(valid, out)
	}
	return marshalCompact(valid)
}

func deduplicationKeys(arr []any) (string, error) {
	if len(arr) > MaxAggregateDeduplicationKeys {
		return "", validationErr("aggregatable_deduplication_keys has %d entries, max %d", len(arr), MaxAggregateDeduplicationKeys)
	}
	valid := make([]map[string]any, 0, len(arr))
	for _, raw := range arr {
		entry, ok := raw.(map[string]any)
		if !ok {
			return "", parsingErr("aggregatable_deduplication_keys entry is not an object")
		}
		out := map[string]any{}
		if v, present := entry["deduplication_key"]; present && v != nil {
			if n, err := toUint64(v); err == nil {
				out["deduplication_key"] = strconv.FormatUint(n, 10)
			}
		}
		if err := copyFilters(entry, out, "filters"); err != nil {
			return "", err
		}
		if err := copyFilters(entry, out, "not_filters"); err != nil {
			return "", err
		}
		valid = append(valid, out)
	}
	return marshalCompact(valid)
}

// copyFilters validates in[key] as a filter set and stores it, wrapped in an
// array, under out[key].
func copyFilters(in, out map[string]any, key string) error {
	v, present := in[key]
	if !present || v == nil {
		return nil
	}
	set := wrapFilters(v)
	if set == nil || !AreValidFilterSet(set) {
		return validationErr("%s are invalid", key)
	}
	out[key] = set
	return nil
}

func topLevelFilters(obj object, key string) (string, error) {
	if !obj.has(key) {
		return "", nil
	}
	set := wrapFilters(obj[key])
	if set == nil || !AreValidFilterSet(set) {
		return "", validationErr("%s are invalid", key)
	}
	return marshalCompact(set)
}

func validKeyMapping(mapping object) bool {
	for _, v := range mapping {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "0x") {
			return false
		}
	}
	return true
}

func attributionConfigs(arr []any) (string, error) {
	valid := make([]map[string]any, 0, len(arr))
	for _, raw := range arr {
		cfg, ok := raw.(map[string]any)
		if !ok {
			return "", parsingErr("attribution_config entry is not an object")
		}
		network, _ := scalarString(cfg["source_network"])
		if network == "" {
			return "", parsingErr("attribution_config entry has no source_network")
		}
		valid = append(valid, cfg)
	}
	return marshalCompact(valid)
}
