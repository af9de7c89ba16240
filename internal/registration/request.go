package registration

import (
	"errors"
	"fmt"
	"time"
)

// RequestKind identifies which API surface produced a registration request.
type RequestKind string

// Request kinds.
const (
	AppSource  RequestKind = "app_source"
	AppTrigger RequestKind = "app_trigger"
	WebSource  RequestKind = "web_source"
	WebTrigger RequestKind = "web_trigger"
)

// Valid reports whether k is a known kind.
func (k RequestKind) Valid() bool {
	switch k {
	case AppSource, AppTrigger, WebSource, WebTrigger:
		return true
	}
	return false
}

// SourceKind is the source type announced by the caller.
type SourceKind string

// Source kinds.
const (
	SourceEvent      SourceKind = "event"
	SourceNavigation SourceKind = "navigation"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	return k == SourceEvent || k == SourceNavigation
}

// Request is one queued "fetch this registration URI" job.
type Request struct {
	ID                  string
	RegistrationID      string
	Type                RequestKind
	SourceType          SourceKind
	RegistrationURI     string
	TopOrigin           string
	OSDestination       string
	WebDestination      string
	VerifiedDestination string
	Registrant          string
	RequestTime         time.Time
	RetryCount          int
	AdIDPermission      bool
	DebugKeyAllowed     bool
	PlatformAdID        string
}

// Validate enforces the construction invariants of a request.
func (r Request) Validate() error {
	if r.ID == "" {
		return errors.New("request id is required")
	}
	if r.RegistrationID == "" {
		return errors.New("registration id is required")
	}
	if r.RegistrationURI == "" {
		return errors.New("registration uri is required")
	}
	if r.Registrant == "" {
		return errors.New("registrant is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown request type %q", r.Type)
	}
	if r.IsSourceRequest() && !r.SourceType.Valid() {
		return fmt.Errorf("source request requires a source type, got %q", r.SourceType)
	}
	if r.RetryCount < 0 {
		return errors.New("retry count must be >= 0")
	}
	return nil
}

// ShouldProcessRedirects is true for app-originated registrations only.
func (r Request) ShouldProcessRedirects() bool {
	return r.Type == AppSource || r.Type == AppTrigger
}

// IsWebRequest reports whether the request came through the web surface.
func (r Request) IsWebRequest() bool {
	return r.Type == WebSource || r.Type == WebTrigger
}

// IsSourceRequest reports whether the request registers a source.
func (r Request) IsSourceRequest() bool {
	return r.Type == AppSource || r.Type == WebSource
}

// Surface returns the surface the request originated from.
func (r Request) Surface() SurfaceType {
	if r.IsWebRequest() {
		return SurfaceWeb
	}
	return SurfaceApp
}

// Redirected derives the follow-up request for a redirect target. The
// derived request keeps the registration group and request time.
func (r Request) Redirected(id, uri string) Request {
	next := r
	next.ID = id
	next.RegistrationURI = uri
	next.RetryCount = 0
	return next
}
