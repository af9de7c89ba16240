// Package fetcher retrieves source and trigger registrations from ad tech
// servers and parses them into storable entities.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// FakeEnrollment is used in place of a resolved enrollment when enrollment
// checks are disabled.
const FakeEnrollment = "FAKE_ENROLLMENT"

// Options holds the feature flags and allowlists consulted while parsing.
type Options struct {
	MaxRedirects                  int
	EnrollmentCheckDisabled       bool
	CoarseEventReportDestinations bool
	XNAEnabled                    bool
	// WebContextClientAllowlist names registrant authorities allowed to
	// send attribution_config on web triggers.
	WebContextClientAllowlist []string
	// AdIDBlocklist names enrollments whose debug_ad_id is dropped. "*"
	// blocks every enrollment.
	AdIDBlocklist    []string
	JoinKeyAllowlist []string
}

func (o Options) adIDBlocked(enrollmentID string) bool {
	return slices.Contains(o.AdIDBlocklist, "*") || slices.Contains(o.AdIDBlocklist, enrollmentID)
}

func (o Options) joinKeyAllowed(enrollmentID string) bool {
	return slices.Contains(o.JoinKeyAllowlist, enrollmentID)
}

// Poster sends the registration POST.
type Poster interface {
	Post(ctx context.Context, rawURL string, headers http.Header) (Response, error)
}

// exchange is the parsed outcome shared by source and trigger fetches.
type exchange struct {
	status             registration.FetchStatus
	redirects          registration.RedirectSet
	enrollmentID       string
	registrationOrigin string
	payload            string
}

type base struct {
	poster   Poster
	resolver registration.EnrollmentResolver
	hasher   registration.Hasher
	opts     Options
	logger   *zap.Logger
}

// fetch runs the network exchange and the checks that precede parsing. ok is
// false when the caller must stop and return the status as-is.
func (b *base) fetch(
	ctx context.Context,
	req registration.Request,
	headerName string,
	extra http.Header,
) (ex exchange, ok bool) {
	ex.redirects = registration.NewRedirectSet()

	resp, err := b.poster.Post(ctx, req.RegistrationURI, extra)
	if err != nil {
		if errors.Is(err, ErrInvalidURL) {
			ex.status.ResponseStatus = registration.ResponseInvalidURL
		} else {
			ex.status.ResponseStatus = registration.ResponseNetworkError
		}
		b.logger.Debug("registration exchange failed",
			zap.String("registration_id", req.RegistrationID),
			zap.Error(err),
		)
		return ex, false
	}

	ex.status.ResponseSize = HeadersLength(resp.Headers)
	if !IsSuccess(resp.StatusCode) && !IsRedirect(resp.StatusCode) {
		ex.status.ResponseStatus = registration.ResponseServerUnavailable
		return ex, false
	}
	ex.status.ResponseStatus = registration.ResponseSuccess

	if req.ShouldProcessRedirects() {
		ex.redirects = ParseRedirects(resp.Headers, b.opts.MaxRedirects, b.logger)
	}

	values := resp.Headers.Values(headerName)
	if len(values) == 0 {
		ex.status.EntityStatus = registration.EntityHeaderMissing
		return ex, false
	}

	ex.enrollmentID, err = b.enrollment(ctx, req)
	if err != nil {
		if !errors.Is(err, registration.ErrNotFound) {
			// Lookup outage: retry the request rather than drop it.
			b.logger.Warn("enrollment lookup failed",
				zap.String("registration_uri", req.RegistrationURI),
				zap.Error(err),
			)
			ex.status.ResponseStatus = registration.ResponseNetworkError
			return ex, false
		}
		b.logger.Debug("enrollment not resolved",
			zap.String("registration_uri", req.RegistrationURI),
			zap.Error(err),
		)
		ex.status.EntityStatus = registration.EntityInvalidEnrollment
		return ex, false
	}

	origin, found := registration.Origin(req.RegistrationURI)
	if !found {
		return ex, false
	}
	ex.registrationOrigin = origin

	if len(values) != 1 {
		ex.status.EntityStatus = registration.EntityHeaderError
		return ex, false
	}
	ex.payload = values[0]
	return ex, true
}

func (b *base) enrollment(ctx context.Context, req registration.Request) (string, error) {
	if b.opts.EnrollmentCheckDisabled {
		return FakeEnrollment, nil
	}
	return b.resolver.Resolve(ctx, req.RegistrationURI, registration.Authority(req.Registrant))
}

// platformAdID hashes the raw ad id with the enrollment for app requests that
// carry ad id permission.
func (b *base) platformAdID(req registration.Request, enrollmentID string) string {
	if req.IsWebRequest() || !req.AdIDPermission || req.PlatformAdID == "" {
		return ""
	}
	sum, err := b.hasher.Hash([]byte(req.PlatformAdID + enrollmentID))
	if err != nil {
		b.logger.Warn("hash platform ad id", zap.Error(err))
		return ""
	}
	return sum
}

// debugFields parses the fields shared by sources and triggers.
func (b *base) debugFields(obj object, enrollmentID string) (key *uint64, adID, joinKey string) {
	if obj.has("debug_key") {
		if v, err := toUint64(obj["debug_key"]); err == nil {
			key = &v
		} else {
			b.logger.Debug("dropping unparseable debug_key", zap.Error(err))
		}
	}
	if obj.has("debug_ad_id") && !b.opts.adIDBlocked(enrollmentID) {
		adID, _ = scalarString(obj["debug_ad_id"])
	}
	if obj.has("debug_join_key") && b.opts.joinKeyAllowed(enrollmentID) {
		joinKey, _ = scalarString(obj["debug_join_key"])
	}
	return key, adID, joinKey
}

// entityStatusFor maps a parse error to its entity status.
func entityStatusFor(err error) registration.EntityStatus {
	if errors.Is(err, errValidation) {
		return registration.EntityValidationError
	}
	return registration.EntityParsingError
}
