// Package enqueue turns registration calls from apps and browsers into
// queued registration requests.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// ErrInvalid marks a registration call rejected before anything was stored.
var ErrInvalid = errors.New("invalid registration")

const appScheme = "android-app"

// AppRegistration is a source or trigger registration made by an app.
type AppRegistration struct {
	RegistrationURI string
	Registrant      string
	SourceType      registration.SourceKind
	AdIDPermission  bool
	DebugKeyAllowed bool
	AdID            string
}

// WebParams names one registration URI of a web registration call.
type WebParams struct {
	RegistrationURI string
	DebugKeyAllowed bool
}

// WebSourceRegistration is a source registration relayed by a browser.
type WebSourceRegistration struct {
	Params              []WebParams
	AppDestination      string
	WebDestination      string
	VerifiedDestination string
	TopOrigin           string
	Registrant          string
	SourceType          registration.SourceKind
	AdIDPermission      bool
}

// WebTriggerRegistration is a trigger registration relayed by a browser.
// Destination is the top origin the trigger fired on.
type WebTriggerRegistration struct {
	Params         []WebParams
	Destination    string
	Registrant     string
	AdIDPermission bool
}

// Result identifies the queued requests.
type Result struct {
	RegistrationID string   `json:"registration_id"`
	RequestIDs     []string `json:"request_ids"`
}

// Service validates registration calls and queues their requests.
type Service struct {
	store    registration.Datastore
	notifier registration.Notifier
	clock    registration.Clock
	ids      registration.IDGenerator
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(
	store registration.Datastore,
	notifier registration.Notifier,
	clock registration.Clock,
	ids registration.IDGenerator,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		clock:    clock,
		ids:      ids,
		logger:   logger.Named("enqueue"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validateAppRegistrant(registrant string) error {
	u, err := url.Parse(registrant)
	if err != nil || u.Scheme != appScheme || u.Host == "" {
		return invalid("registrant %q is not an %s URI", registrant, appScheme)
	}
	return nil
}

func validateRegistrationURI(raw string, requireHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid("registration uri %q is not absolute", raw)
	}
	if requireHTTPS && u.Scheme != "https" {
		return invalid("registration uri %q must use https", raw)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return invalid("registration uri %q must use http or https", raw)
	}
	return nil
}

// EnqueueAppSource queues a source registration made by an app.
func (s *Service) EnqueueAppSource(ctx context.Context, reg AppRegistration) (Result, error) {
	if !reg.SourceType.Valid() {
		return Result{}, invalid("unknown source type %q", reg.SourceType)
	}
	return s.enqueueApp(ctx, registration.AppSource, reg)
}

// EnqueueAppTrigger queues a trigger registration made by an app.
func (s *Service) EnqueueAppTrigger(ctx context.Context, reg AppRegistration) (Result, error) {
	reg.SourceType = ""
	return s.enqueueApp(ctx, registration.AppTrigger, reg)
}

func (s *Service) enqueueApp(ctx context.Context, kind registration.RequestKind, reg AppRegistration) (Result, error) {
	if err := validateAppRegistrant(reg.Registrant); err != nil {
		return Result{}, err
	}
	if err := validateRegistrationURI(reg.RegistrationURI, false); err != nil {
		return Result{}, err
	}
	req := registration.Request{
		Type:            kind,
		SourceType:      reg.SourceType,
		RegistrationURI: reg.RegistrationURI,
		TopOrigin:       reg.Registrant,
		Registrant:      reg.Registrant,
		AdIDPermission:  reg.AdIDPermission,
		DebugKeyAllowed: reg.DebugKeyAllowed,
	}
	if reg.AdIDPermission {
		req.PlatformAdID = reg.AdID
	}
	return s.insert(ctx, []registration.Request{req})
}

// EnqueueWebSource queues one request per registration URI of a browser
// source registration. All requests share a registration id.
func (s *Service) EnqueueWebSource(ctx context.Context, reg WebSourceRegistration) (Result, error) {
	if !reg.SourceType.Valid() {
		return Result{}, invalid("unknown source type %q", reg.SourceType)
	}
	if reg.AppDestination == "" && reg.WebDestination == "" {
		return Result{}, invalid("a web source needs an app or web destination")
	}
	if _, ok := registration.Origin(reg.TopOrigin); !ok {
		return Result{}, invalid("top origin %q is not a web origin", reg.TopOrigin)
	}
	reqs, err := webRequests(reg.Params, reg.Registrant, func(p WebParams) registration.Request {
		return registration.Request{
			Type:                registration.WebSource,
			SourceType:          reg.SourceType,
			RegistrationURI:     p.RegistrationURI,
			TopOrigin:           reg.TopOrigin,
			OSDestination:       reg.AppDestination,
			WebDestination:      reg.WebDestination,
			VerifiedDestination: reg.VerifiedDestination,
			Registrant:          reg.Registrant,
			AdIDPermission:      reg.AdIDPermission,
			DebugKeyAllowed:     p.DebugKeyAllowed,
		}
	})
	if err != nil {
		return Result{}, err
	}
	return s.insert(ctx, reqs)
}

// EnqueueWebTrigger queues one request per registration URI of a browser
// trigger registration.
func (s *Service) EnqueueWebTrigger(ctx context.Context, reg WebTriggerRegistration) (Result, error) {
	if _, ok := registration.Origin(reg.Destination); !ok {
		return Result{}, invalid("destination %q is not a web origin", reg.Destination)
	}
	reqs, err := webRequests(reg.Params, reg.Registrant, func(p WebParams) registration.Request {
		return registration.Request{
			Type:            registration.WebTrigger,
			RegistrationURI: p.RegistrationURI,
			TopOrigin:       reg.Destination,
			Registrant:      reg.Registrant,
			AdIDPermission:  reg.AdIDPermission,
			DebugKeyAllowed: p.DebugKeyAllowed,
		}
	})
	if err != nil {
		return Result{}, err
	}
	return s.insert(ctx, reqs)
}

func webRequests(
	params []WebParams,
	registrant string,
	build func(WebParams) registration.Request,
) ([]registration.Request, error) {
	if len(params) == 0 {
		return nil, invalid("at least one registration uri is required")
	}
	if err := validateAppRegistrant(registrant); err != nil {
		return nil, err
	}
	reqs := make([]registration.Request, 0, len(params))
	for _, p := range params {
		if err := validateRegistrationURI(p.RegistrationURI, true); err != nil {
			return nil, err
		}
		reqs = append(reqs, build(p))
	}
	return reqs, nil
}

// insert assigns ids and the request time, stores reqs in one transaction
// and notifies after commit.
func (s *Service) insert(ctx context.Context, reqs []registration.Request) (Result, error) {
	registrationID, err := s.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("registration id: %w", err)
	}
	now := s.clock.Now()
	result := Result{RegistrationID: registrationID, RequestIDs: make([]string, 0, len(reqs))}
	for i := range reqs {
		if reqs[i].ID, err = s.ids.NewID(); err != nil {
			return Result{}, fmt.Errorf("request id: %w", err)
		}
		reqs[i].RegistrationID = registrationID
		reqs[i].RequestTime = now
		if err := reqs[i].Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		result.RequestIDs = append(result.RequestIDs, reqs[i].ID)
	}

	err = s.store.InTransaction(ctx, func(ctx context.Context, tx registration.Tx) error {
		for _, req := range reqs {
			if err := tx.InsertRequest(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("store registration requests: %w", err)
	}

	s.logger.Debug("registration queued",
		zap.String("registration_id", registrationID),
		zap.String("type", string(reqs[0].Type)),
		zap.Int("requests", len(reqs)),
	)
	if s.notifier != nil {
		err := s.notifier.Notify(ctx, registration.Notification{
			Kind:           registration.NotifyRequestQueued,
			RegistrationID: registrationID,
			EntityID:       result.RequestIDs[0],
			At:             now,
		})
		if err != nil {
			s.logger.Warn("queued notification failed", zap.String("registration_id", registrationID), zap.Error(err))
		}
	}
	return result, nil
}
