package registration

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// BaseURI reduces raw to scheme://authority.
func BaseURI(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// Origin is BaseURI restricted to http and https.
func Origin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// Authority returns host[:port] of raw, or "" when raw has none.
func Authority(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}

// TopPrivateDomainAndScheme reduces raw to scheme://eTLD+1 using the public
// suffix list. IP literals and bare public suffixes have no private domain.
func TopPrivateDomainAndScheme(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return u.Scheme + "://" + site, true
}

// SubdomainPattern returns the SQL LIKE pattern matching every subdomain of
// site, e.g. https://%.example.com.
func SubdomainPattern(site string) string {
	u, err := url.Parse(site)
	if err != nil || u.Host == "" {
		return site
	}
	return u.Scheme + "://%." + u.Host
}

// MatchesSite reports whether candidate is site itself or one of its
// subdomains under the same scheme.
func MatchesSite(candidate, site string) bool {
	if candidate == site {
		return true
	}
	c, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	s, err := url.Parse(site)
	if err != nil || s.Host == "" {
		return false
	}
	return c.Scheme == s.Scheme && strings.HasSuffix(c.Host, "."+s.Host)
}

// DestinationBase is the form a trigger destination is counted under: the
// base URI for apps and the site for the web.
func DestinationBase(destination string, destinationType SurfaceType) (string, bool) {
	if destinationType == SurfaceApp {
		return BaseURI(destination)
	}
	return TopPrivateDomainAndScheme(destination)
}

// MatchesDestination reports whether a stored destination falls under base.
// App destinations match the base URI and any path below it; web
// destinations additionally match subdomains of the site.
func MatchesDestination(candidate, base string, destinationType SurfaceType) bool {
	if candidate == base || strings.HasPrefix(candidate, base+"/") {
		return true
	}
	if destinationType == SurfaceApp {
		return false
	}
	origin, ok := BaseURI(candidate)
	if !ok {
		return false
	}
	return MatchesSite(origin, base)
}
