package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// txStore implements registration.Tx on a pgx transaction.
type txStore struct {
	tx     pgx.Tx
	logger *zap.Logger
}

const requestColumns = `id, registration_id, type, source_type, registration_uri, top_origin,
	os_destination, web_destination, verified_destination, registrant, request_time,
	retry_count, ad_id_permission, debug_key_allowed, platform_ad_id`

// publisherClause matches a publisher, and for web publishers every
// subdomain of it. $1 is the publisher and $2 the subdomain pattern or empty.
const publisherClause = `(s.publisher = $1 OR ($2 <> '' AND s.publisher LIKE $2))`

func publisherArgs(publisher string, publisherType registration.SurfaceType) (string, string) {
	if publisherType == registration.SurfaceWeb {
		return publisher, registration.SubdomainPattern(publisher)
	}
	return publisher, ""
}

func numeric(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

func optionalNumeric(v *uint64) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{}
	}
	return numeric(*v)
}

func (t *txStore) FetchNextQueuedRequest(
	ctx context.Context,
	retryLimit int,
	excludedOrigins []string,
) (registration.Request, error) {
	if excludedOrigins == nil {
		excludedOrigins = []string{}
	}
	query := `
SELECT ` + requestColumns + `
FROM registration_requests
WHERE retry_count < $1
	AND NOT EXISTS (
		SELECT 1 FROM unnest($2::text[]) AS o(origin)
		WHERE starts_with(registration_uri, o.origin)
	)
ORDER BY request_time ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

	var req registration.Request
	var kind, sourceType string
	err := t.tx.QueryRow(ctx, query, retryLimit, excludedOrigins).Scan(
		&req.ID,
		&req.RegistrationID,
		&kind,
		&sourceType,
		&req.RegistrationURI,
		&req.TopOrigin,
		&req.OSDestination,
		&req.WebDestination,
		&req.VerifiedDestination,
		&req.Registrant,
		&req.RequestTime,
		&req.RetryCount,
		&req.AdIDPermission,
		&req.DebugKeyAllowed,
		&req.PlatformAdID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return registration.Request{}, registration.ErrNotFound
	}
	if err != nil {
		return registration.Request{}, fmt.Errorf("select next request: %w", err)
	}
	req.Type = registration.RequestKind(kind)
	req.SourceType = registration.SourceKind(sourceType)
	req.RequestTime = req.RequestTime.UTC()
	return req, nil
}

func (t *txStore) InsertRequest(ctx context.Context, req registration.Request) error {
	query := `
INSERT INTO registration_requests (` + requestColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := t.tx.Exec(ctx, query,
		req.ID,
		req.RegistrationID,
		string(req.Type),
		string(req.SourceType),
		req.RegistrationURI,
		req.TopOrigin,
		req.OSDestination,
		req.WebDestination,
		req.VerifiedDestination,
		req.Registrant,
		req.RequestTime,
		req.RetryCount,
		req.AdIDPermission,
		req.DebugKeyAllowed,
		req.PlatformAdID,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (t *txStore) DeleteRequest(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM registration_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registration.ErrNoRowsAffected
	}
	return nil
}

func (t *txStore) UpdateRetryCount(ctx context.Context, req registration.Request) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE registration_requests SET retry_count = $2 WHERE id = $1`,
		req.ID, req.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("update retry count: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return registration.ErrNoRowsAffected
	}
	return nil
}

func (t *txStore) count(ctx context.Context, what, query string, args ...any) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", what, err)
	}
	return n, nil
}

func (t *txStore) CountSourcesPerPublisher(
	ctx context.Context,
	publisher string,
	_ registration.SurfaceType,
) (int64, error) {
	return t.count(ctx, "sources per publisher", `SELECT COUNT(*) FROM sources WHERE publisher = $1`, publisher)
}

func (t *txStore) CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
	ctx context.Context,
	registrationOrigin string,
	publisher string,
	publisherType registration.SurfaceType,
	enrollmentID string,
	since time.Time,
) (int64, error) {
	pub, pattern := publisherArgs(publisher, publisherType)
	query := `
SELECT COUNT(*) FROM sources s
WHERE ` + publisherClause + `
	AND s.enrollment_id = $3
	AND s.registration_origin <> $4
	AND s.event_time > $5`
	return t.count(ctx, "sources from other reporting origins", query, pub, pattern, enrollmentID, registrationOrigin, since)
}

func (t *txStore) CountDistinctDestinationsPerPublisherXEnrollmentInActiveSource(
	ctx context.Context,
	publisher string,
	publisherType registration.SurfaceType,
	enrollmentID string,
	excludedDestinations []string,
	destinationType registration.SurfaceType,
	windowStart time.Time,
	windowEnd time.Time,
) (int64, error) {
	if excludedDestinations == nil {
		excludedDestinations = []string{}
	}
	pub, pattern := publisherArgs(publisher, publisherType)
	query := `
SELECT COUNT(DISTINCT d.destination)
FROM source_destinations d
JOIN sources s ON s.id = d.source_id
WHERE ` + publisherClause + `
	AND s.enrollment_id = $3
	AND s.status = $4
	AND s.event_time > $5 AND s.event_time <= $6
	AND s.expiry_time > $6
	AND d.destination_type = $7
	AND NOT (d.destination = ANY($8::text[]))`
	return t.count(ctx, "distinct destinations", query,
		pub, pattern, enrollmentID, int(registration.SourceActive),
		windowStart, windowEnd, int(destinationType), excludedDestinations,
	)
}

func (t *txStore) CountDistinctEnrollmentsPerPublisherXDestinationInSource(
	ctx context.Context,
	publisher string,
	publisherType registration.SurfaceType,
	destinations []string,
	excludedEnrollmentID string,
	windowStart time.Time,
	windowEnd time.Time,
) (int64, error) {
	pub, pattern := publisherArgs(publisher, publisherType)
	query := `
SELECT COALESCE(MAX(per_destination.n), 0) FROM (
	SELECT COUNT(DISTINCT s.enrollment_id) AS n
	FROM sources s
	JOIN source_destinations d ON d.source_id = s.id
	WHERE ` + publisherClause + `
		AND s.enrollment_id <> $3
		AND s.event_time > $4 AND s.event_time <= $5
		AND s.expiry_time > $5
		AND d.destination = ANY($6::text[])
	GROUP BY d.destination
) AS per_destination`
	return t.count(ctx, "distinct enrollments", query,
		pub, pattern, excludedEnrollmentID, windowStart, windowEnd, destinations,
	)
}

func (t *txStore) CountTriggersPerDestination(
	ctx context.Context,
	destination string,
	destinationType registration.SurfaceType,
) (int64, error) {
	base, ok := registration.DestinationBase(destination, destinationType)
	if !ok {
		return 0, fmt.Errorf("no base uri for destination %q", destination)
	}
	pattern := ""
	if destinationType == registration.SurfaceWeb {
		pattern = registration.SubdomainPattern(base)
	}
	query := `
SELECT COUNT(*) FROM triggers
WHERE attribution_destination = $1
	OR attribution_destination LIKE $1 || '/%'
	OR ($2 <> '' AND (attribution_destination LIKE $2 OR attribution_destination LIKE $2 || '/%'))`
	return t.count(ctx, "triggers per destination", query, base, pattern)
}

func (t *txStore) InsertSource(ctx context.Context, src registration.Source) error {
	query := `
INSERT INTO sources (
	id, event_id, publisher, publisher_type, enrollment_id, registrant, source_type,
	priority, status, event_time, expiry_time, event_report_window, aggregatable_report_window,
	install_attribution_window, install_cooldown_window, attribution_mode, filter_data,
	aggregate_source, shared_aggregation_keys, debug_key, debug_reporting, ad_id_permission,
	ar_debug_permission, debug_ad_id, debug_join_key, platform_ad_id, registration_id,
	registration_origin, coarse_event_report_destinations
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
	$21,$22,$23,$24,$25,$26,$27,$28,$29
)`
	_, err := t.tx.Exec(ctx, query,
		src.ID,
		numeric(src.EventID),
		src.Publisher,
		int(src.PublisherType),
		src.EnrollmentID,
		src.Registrant,
		string(src.SourceType),
		src.Priority,
		int(src.Status),
		src.EventTime,
		src.ExpiryTime,
		src.EventReportWindow,
		src.AggregatableReportWindow,
		int64(src.InstallAttributionWindow/time.Second),
		int64(src.InstallCooldownWindow/time.Second),
		int(src.AttributionMode),
		src.FilterData,
		src.AggregateSource,
		src.SharedAggregationKeys,
		optionalNumeric(src.DebugKey),
		src.DebugReporting,
		src.AdIDPermission,
		src.ArDebugPermission,
		src.DebugAdID,
		src.DebugJoinKey,
		src.PlatformAdID,
		src.RegistrationID,
		src.RegistrationOrigin,
		src.CoarseEventReportDestinations,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}

	for _, group := range []struct {
		destinations []string
		surface      registration.SurfaceType
	}{
		{src.AppDestinations, registration.SurfaceApp},
		{src.WebDestinations, registration.SurfaceWeb},
	} {
		for _, dest := range group.destinations {
			_, err := t.tx.Exec(ctx,
				`INSERT INTO source_destinations (source_id, destination, destination_type) VALUES ($1,$2,$3)`,
				src.ID, dest, int(group.surface),
			)
			if err != nil {
				return fmt.Errorf("insert source destination: %w", err)
			}
		}
	}
	return nil
}

func (t *txStore) InsertTrigger(ctx context.Context, trig registration.Trigger) error {
	query := `
INSERT INTO triggers (
	id, attribution_destination, destination_type, enrollment_id, registrant, trigger_time,
	status, event_triggers, aggregate_trigger_data, aggregate_values,
	aggregate_deduplication_keys, filters, not_filters, debug_key, debug_reporting,
	ad_id_permission, ar_debug_permission, debug_ad_id, debug_join_key, platform_ad_id,
	registration_origin, attribution_config, x_network_key_mapping
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
)`
	_, err := t.tx.Exec(ctx, query,
		trig.ID,
		trig.AttributionDestination,
		int(trig.DestinationType),
		trig.EnrollmentID,
		trig.Registrant,
		trig.TriggerTime,
		int(trig.Status),
		trig.EventTriggers,
		trig.AggregateTriggerData,
		trig.AggregateValues,
		trig.AggregateDeduplicationKeys,
		trig.Filters,
		trig.NotFilters,
		optionalNumeric(trig.DebugKey),
		trig.DebugReporting,
		trig.AdIDPermission,
		trig.ArDebugPermission,
		trig.DebugAdID,
		trig.DebugJoinKey,
		trig.PlatformAdID,
		trig.RegistrationOrigin,
		trig.AttributionConfig,
		trig.XNetworkKeyMapping,
	)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (t *txStore) InsertEventReport(ctx context.Context, report registration.EventReport) error {
	query := `
INSERT INTO event_reports (
	id, source_event_id, enrollment_id, attribution_destination, report_time, trigger_data,
	trigger_priority, trigger_dedup_key, trigger_time, source_type, status,
	randomized_trigger_rate, registration_origin, source_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := t.tx.Exec(ctx, query,
		report.ID,
		numeric(report.SourceEventID),
		report.EnrollmentID,
		report.AttributionDestination,
		report.ReportTime,
		numeric(report.TriggerData),
		report.TriggerPriority,
		optionalNumeric(report.TriggerDedupKey),
		report.TriggerTime,
		string(report.SourceType),
		int(report.Status),
		report.RandomizedTriggerRate,
		report.RegistrationOrigin,
		report.SourceID,
	)
	if err != nil {
		return fmt.Errorf("insert event report: %w", err)
	}
	return nil
}

func (t *txStore) InsertAttribution(ctx context.Context, attr registration.Attribution) error {
	query := `
INSERT INTO attributions (
	id, source_site, source_origin, destination_site, destination_origin, enrollment_id,
	trigger_time, registrant, source_id, trigger_id, registration_origin
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := t.tx.Exec(ctx, query,
		attr.ID,
		attr.SourceSite,
		attr.SourceOrigin,
		attr.DestinationSite,
		attr.DestinationOrigin,
		attr.EnrollmentID,
		attr.TriggerTime,
		attr.Registrant,
		attr.SourceID,
		attr.TriggerID,
		attr.RegistrationOrigin,
	)
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

// InsertDebugReport writes inside a savepoint so a failed insert leaves the
// enclosing transaction usable.
func (t *txStore) InsertDebugReport(ctx context.Context, report registration.DebugReport) error {
	savepoint, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin debug report savepoint: %w", err)
	}
	_, err = savepoint.Exec(ctx, `
INSERT INTO debug_reports (id, type, body, enrollment_id, registration_origin, inserted_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		report.ID,
		report.Type,
		[]byte(report.Body),
		report.EnrollmentID,
		report.RegistrationOrigin,
		report.InsertedAt,
	)
	if err != nil {
		if rbErr := savepoint.Rollback(ctx); rbErr != nil {
			t.logger.Warn("debug report savepoint rollback failed", zap.Error(rbErr))
		}
		return fmt.Errorf("insert debug report: %w", err)
	}
	if err := savepoint.Commit(ctx); err != nil {
		return fmt.Errorf("release debug report savepoint: %w", err)
	}
	return nil
}

func (t *txStore) ListDebugReports(ctx context.Context, limit int) ([]registration.DebugReport, error) {
	var bound *int
	if limit > 0 {
		bound = &limit
	}
	rows, err := t.tx.Query(ctx, `
SELECT id, type, body, enrollment_id, registration_origin, inserted_at
FROM debug_reports
ORDER BY inserted_at ASC, id ASC
LIMIT $1`, bound)
	if err != nil {
		return nil, fmt.Errorf("list debug reports: %w", err)
	}
	defer rows.Close()

	var reports []registration.DebugReport
	for rows.Next() {
		var r registration.DebugReport
		var body []byte
		if err := rows.Scan(&r.ID, &r.Type, &body, &r.EnrollmentID, &r.RegistrationOrigin, &r.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan debug report: %w", err)
		}
		r.Body = json.RawMessage(body)
		r.InsertedAt = r.InsertedAt.UTC()
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debug reports: %w", err)
	}
	return reports, nil
}

func (t *txStore) DeleteDebugReport(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM debug_reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete debug report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registration.ErrNoRowsAffected
	}
	return nil
}

func (t *txStore) GetKeyValueData(
	ctx context.Context,
	key string,
	dataType registration.KeyValueDataType,
) (registration.KeyValueData, error) {
	data := registration.KeyValueData{Key: key, DataType: dataType}
	err := t.tx.QueryRow(ctx,
		`SELECT value FROM key_value_data WHERE key = $1 AND data_type = $2`,
		key, string(dataType),
	).Scan(&data.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("select key value data: %w", err)
	}
	return data, nil
}

func (t *txStore) UpsertKeyValueData(ctx context.Context, data registration.KeyValueData) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO key_value_data (key, data_type, value) VALUES ($1, $2, $3)
ON CONFLICT (key, data_type) DO UPDATE SET value = EXCLUDED.value`,
		data.Key, string(data.DataType), data.Value,
	)
	if err != nil {
		return fmt.Errorf("upsert key value data: %w", err)
	}
	return nil
}
