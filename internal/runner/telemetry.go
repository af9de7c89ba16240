package runner

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// observe emits the per-fetch outcome. The ad tech domain is only attached
// when the response headers exceed the payload limit.
func (r *Runner) observe(req registration.Request, status registration.FetchStatus, redirects registration.RedirectSet) {
	surface := req.Surface().String()
	metrics.ObserveRegistration(
		string(req.Type),
		surface,
		status.ResponseStatus.String(),
		status.EntityStatus.String(),
		status.ResponseSize,
		status.RegistrationDelay,
	)
	for kind, uris := range redirects {
		metrics.ObserveRedirects(string(kind), len(uris))
	}

	fields := []zap.Field{
		zap.String("type", string(req.Type)),
		zap.String("surface", surface),
		zap.String("response_status", status.ResponseStatus.String()),
		zap.String("entity_status", status.EntityStatus.String()),
		zap.Int64("response_size", status.ResponseSize),
		zap.Duration("registration_delay", status.RegistrationDelay),
		zap.Bool("redirect_error", status.RedirectError),
		zap.Int("retry_count", req.RetryCount),
	}
	if r.cfg.MaxResponsePayloadBytes > 0 && status.ResponseSize > r.cfg.MaxResponsePayloadBytes {
		domain, ok := registration.BaseURI(req.RegistrationURI)
		if !ok {
			domain = metrics.SanitizeSite(req.RegistrationURI)
		}
		fields = append(fields, zap.String("ad_tech_domain", domain))
		r.logger.Info("oversized registration response", fields...)
		return
	}
	r.logger.Debug("registration processed", fields...)
}
