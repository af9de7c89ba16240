package registration

import (
	"encoding/json"
	"time"
)

// SurfaceType tells whether a publisher or destination is an app or a web site.
type SurfaceType int

// Surface types. The numeric values are persisted.
const (
	SurfaceApp SurfaceType = 1
	SurfaceWeb SurfaceType = 2
)

func (t SurfaceType) String() string {
	if t == SurfaceWeb {
		return "web"
	}
	return "app"
}

// SourceStatus is the lifecycle state of a stored source.
type SourceStatus int

// Source statuses.
const (
	SourceActive SourceStatus = iota
	SourceIgnored
	SourceMarkedToDelete
)

// TriggerStatus is the lifecycle state of a stored trigger.
type TriggerStatus int

// Trigger statuses.
const (
	TriggerPending TriggerStatus = iota
	TriggerIgnored
	TriggerAttributed
	TriggerMarkedToDelete
)

// AttributionMode records the randomized-response decision for a source.
type AttributionMode int

// Attribution modes.
const (
	AttributionUnassigned AttributionMode = iota
	AttributionTruthfully
	AttributionNever
	AttributionFalsely
)

func (m AttributionMode) String() string {
	switch m {
	case AttributionTruthfully:
		return "truthfully"
	case AttributionNever:
		return "never"
	case AttributionFalsely:
		return "falsely"
	default:
		return "unassigned"
	}
}

// Source is a stored ad-interaction registration.
type Source struct {
	ID                            string
	EventID                       uint64
	Publisher                     string
	PublisherType                 SurfaceType
	AppDestinations               []string
	WebDestinations               []string
	EnrollmentID                  string
	Registrant                    string
	SourceType                    SourceKind
	Priority                      int64
	Status                        SourceStatus
	EventTime                     time.Time
	ExpiryTime                    time.Time
	EventReportWindow             time.Time
	AggregatableReportWindow      time.Time
	InstallAttributionWindow      time.Duration
	InstallCooldownWindow         time.Duration
	AttributionMode               AttributionMode
	FilterData                    string
	AggregateSource               string
	SharedAggregationKeys         string
	DebugKey                      *uint64
	DebugReporting                bool
	AdIDPermission                bool
	ArDebugPermission             bool
	DebugAdID                     string
	DebugJoinKey                  string
	PlatformAdID                  string
	RegistrationID                string
	RegistrationOrigin            string
	CoarseEventReportDestinations bool
}

// Trigger is a stored conversion registration.
type Trigger struct {
	ID                         string
	AttributionDestination     string
	DestinationType            SurfaceType
	EnrollmentID               string
	Registrant                 string
	TriggerTime                time.Time
	Status                     TriggerStatus
	EventTriggers              string
	AggregateTriggerData       string
	AggregateValues            string
	AggregateDeduplicationKeys string
	Filters                    string
	NotFilters                 string
	DebugKey                   *uint64
	DebugReporting             bool
	AdIDPermission             bool
	ArDebugPermission          bool
	DebugAdID                  string
	DebugJoinKey               string
	PlatformAdID               string
	RegistrationOrigin         string
	AttributionConfig          string
	XNetworkKeyMapping         string
}

// ReportStatus is the delivery state of an event report.
type ReportStatus int

// Report statuses.
const (
	ReportPending ReportStatus = iota
	ReportDelivered
	ReportMarkedToDelete
)

// EventReport is a pending event-level report; fake reports share this shape.
type EventReport struct {
	ID                     string
	SourceEventID          uint64
	EnrollmentID           string
	AttributionDestination []string
	ReportTime             time.Time
	TriggerData            uint64
	TriggerPriority        int64
	TriggerDedupKey        *uint64
	TriggerTime            time.Time
	SourceType             SourceKind
	Status                 ReportStatus
	RandomizedTriggerRate  float64
	RegistrationOrigin     string
	SourceID               string
}

// Attribution is a rate-limit bookkeeping record. An empty TriggerID marks a
// record created for a noised source.
type Attribution struct {
	ID                 string
	SourceSite         string
	SourceOrigin       string
	DestinationSite    string
	DestinationOrigin  string
	EnrollmentID       string
	TriggerTime        time.Time
	Registrant         string
	SourceID           string
	TriggerID          string
	RegistrationOrigin string
}

// FakeReport is a synthetic report produced by randomized response.
type FakeReport struct {
	TriggerData  uint64
	ReportTime   time.Time
	Destinations []string
}

// DebugReport is a queued verbose debug report.
type DebugReport struct {
	ID                 string
	Type               string
	Body               json.RawMessage
	EnrollmentID       string
	RegistrationOrigin string
	InsertedAt         time.Time
}

// KeyValueDataType namespaces KeyValueData rows.
type KeyValueDataType string

// RegistrationRedirectCount counts redirects followed for a registration group.
const RegistrationRedirectCount KeyValueDataType = "registration_redirect_count"

// KeyValueData is a small counter keyed by registration id.
type KeyValueData struct {
	Key      string
	DataType KeyValueDataType
	Value    int
}

// NotificationKind enumerates change notifications.
type NotificationKind string

// Notification kinds.
const (
	NotifyTriggerInserted NotificationKind = "trigger_inserted"
	NotifyRequestQueued   NotificationKind = "request_queued"
)

// Notification is emitted after a committed change.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	RegistrationID string           `json:"registration_id"`
	EntityID       string           `json:"entity_id"`
	At             time.Time        `json:"at"`
}
