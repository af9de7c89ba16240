package fetcher

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Header names exchanged with ad tech servers.
const (
	HeaderRegisterSource  = "Attribution-Reporting-Register-Source"
	HeaderRegisterTrigger = "Attribution-Reporting-Register-Trigger"
	HeaderRedirect        = "Attribution-Reporting-Redirect"
	HeaderLocation        = "Location"
	HeaderSourceInfo      = "Attribution-Reporting-Source-Info"
)

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code <= 299
}

// IsRedirect reports whether code is one of the redirect statuses honoured
// for registrations.
func IsRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// HeadersLength sums the byte length of every header key and value. A key
// with no values still contributes its own length.
func HeadersLength(headers http.Header) int64 {
	var total int64
	for key, values := range headers {
		total += int64(len(key))
		for _, v := range values {
			total += int64(len(v))
		}
	}
	return total
}

// ParseRedirects collects redirect targets from a response. List redirects
// are capped at maxRedirects; only the first Location value is honoured.
// Both kinds are always present in the returned set.
func ParseRedirects(headers http.Header, maxRedirects int, logger *zap.Logger) registration.RedirectSet {
	set := registration.NewRedirectSet()
	if logger == nil {
		logger = zap.NewNop()
	}

	list := headers.Values(HeaderRedirect)
	if maxRedirects >= 0 && len(list) > maxRedirects {
		logger.Debug("dropping redirects over limit",
			zap.Int("announced", len(list)),
			zap.Int("max", maxRedirects),
		)
		list = list[:maxRedirects]
	}
	set.Add(registration.RedirectList, list...)

	locations := headers.Values(HeaderLocation)
	if len(locations) > 0 {
		if len(locations) > 1 {
			logger.Warn("expected one Location redirect only, others ignored",
				zap.Int("count", len(locations)),
			)
		}
		set.Add(registration.RedirectLocation, locations[0])
	}
	return set
}
