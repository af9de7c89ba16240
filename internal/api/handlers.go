package api

import (
	"encoding/json"
	"net/http"

	"github.com/JakeFAU/attribution-registrar/internal/enqueue"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

type appRegistrationRequest struct {
	RegistrationURI string `json:"registration_uri"`
	Registrant      string `json:"registrant"`
	SourceType      string `json:"source_type"`
	AdIDPermission  bool   `json:"ad_id_permission"`
	DebugKeyAllowed bool   `json:"debug_key_allowed"`
	AdID            string `json:"ad_id"`
}

func (r appRegistrationRequest) toRegistration() enqueue.AppRegistration {
	return enqueue.AppRegistration{
		RegistrationURI: r.RegistrationURI,
		Registrant:      r.Registrant,
		SourceType:      registration.SourceKind(r.SourceType),
		AdIDPermission:  r.AdIDPermission,
		DebugKeyAllowed: r.DebugKeyAllowed,
		AdID:            r.AdID,
	}
}

type webParams struct {
	RegistrationURI string `json:"registration_uri"`
	DebugKeyAllowed bool   `json:"debug_key_allowed"`
}

func toWebParams(params []webParams) []enqueue.WebParams {
	out := make([]enqueue.WebParams, 0, len(params))
	for _, p := range params {
		out = append(out, enqueue.WebParams{RegistrationURI: p.RegistrationURI, DebugKeyAllowed: p.DebugKeyAllowed})
	}
	return out
}

type webSourceRequest struct {
	SourceParams        []webParams `json:"source_params"`
	AppDestination      string      `json:"app_destination"`
	WebDestination      string      `json:"web_destination"`
	VerifiedDestination string      `json:"verified_destination"`
	TopOrigin           string      `json:"top_origin"`
	Registrant          string      `json:"registrant"`
	SourceType          string      `json:"source_type"`
	AdIDPermission      bool        `json:"ad_id_permission"`
}

type webTriggerRequest struct {
	TriggerParams  []webParams `json:"trigger_params"`
	Destination    string      `json:"destination"`
	Registrant     string      `json:"registrant"`
	AdIDPermission bool        `json:"ad_id_permission"`
}

func decodeBody(r *http.Request, dst any) bool {
	return json.NewDecoder(r.Body).Decode(dst) == nil
}

func (s *Server) registerAppSource(w http.ResponseWriter, r *http.Request) {
	var req appRegistrationRequest
	if !decodeBody(r, &req) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.enqueuer.EnqueueAppSource(r.Context(), req.toRegistration())
	s.writeEnqueueResult(w, result, err)
}

func (s *Server) registerAppTrigger(w http.ResponseWriter, r *http.Request) {
	var req appRegistrationRequest
	if !decodeBody(r, &req) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.enqueuer.EnqueueAppTrigger(r.Context(), req.toRegistration())
	s.writeEnqueueResult(w, result, err)
}

func (s *Server) registerWebSource(w http.ResponseWriter, r *http.Request) {
	var req webSourceRequest
	if !decodeBody(r, &req) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.enqueuer.EnqueueWebSource(r.Context(), enqueue.WebSourceRegistration{
		Params:              toWebParams(req.SourceParams),
		AppDestination:      req.AppDestination,
		WebDestination:      req.WebDestination,
		VerifiedDestination: req.VerifiedDestination,
		TopOrigin:           req.TopOrigin,
		Registrant:          req.Registrant,
		SourceType:          registration.SourceKind(req.SourceType),
		AdIDPermission:      req.AdIDPermission,
	})
	s.writeEnqueueResult(w, result, err)
}

func (s *Server) registerWebTrigger(w http.ResponseWriter, r *http.Request) {
	var req webTriggerRequest
	if !decodeBody(r, &req) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.enqueuer.EnqueueWebTrigger(r.Context(), enqueue.WebTriggerRegistration{
		Params:         toWebParams(req.TriggerParams),
		Destination:    req.Destination,
		Registrant:     req.Registrant,
		AdIDPermission: req.AdIDPermission,
	})
	s.writeEnqueueResult(w, result, err)
}
