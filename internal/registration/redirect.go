package registration

// RedirectKind distinguishes the header a redirect target came from.
type RedirectKind string

// Redirect kinds.
const (
	RedirectList     RedirectKind = "list"
	RedirectLocation RedirectKind = "location"
)

// RedirectSet maps a redirect kind to the ordered targets announced by a response.
type RedirectSet map[RedirectKind][]string

// NewRedirectSet returns a set holding an empty list for every kind.
func NewRedirectSet() RedirectSet {
	return RedirectSet{
		RedirectList:     []string{},
		RedirectLocation: []string{},
	}
}

// Add appends targets for kind.
func (s RedirectSet) Add(kind RedirectKind, uris ...string) {
	s[kind] = append(s[kind], uris...)
}

// All returns list redirects followed by location redirects.
func (s RedirectSet) All() []string {
	out := make([]string, 0, len(s[RedirectList])+len(s[RedirectLocation]))
	out = append(out, s[RedirectList]...)
	out = append(out, s[RedirectLocation]...)
	return out
}

// Len counts targets across kinds.
func (s RedirectSet) Len() int {
	return len(s[RedirectList]) + len(s[RedirectLocation])
}
