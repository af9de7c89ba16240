// Package runner drains the registration queue: it fetches each pending
// registration, applies admission control and persists the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
	"github.com/JakeFAU/attribution-registrar/internal/telemetry"
)

// Config bounds one pass of the runner.
type Config struct {
	MaxRegistrationsPerInvocation int
	MaxRetriesPerRequest          int
	MaxRedirectsPerRegistration   int
	// MaxResponsePayloadBytes is the header size above which the ad tech
	// domain is attached to telemetry.
	MaxResponsePayloadBytes int64
	Limits                  Limits
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRegistrationsPerInvocation: 100,
		MaxRetriesPerRequest:          5,
		MaxRedirectsPerRegistration:   20,
		MaxResponsePayloadBytes:       16384,
		Limits:                        DefaultLimits(),
	}
}

// PassSummary reports what one pass did.
type PassSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
	Enqueued  int `json:"enqueued"`
}

// Runner processes queued registration requests.
type Runner struct {
	mu       sync.Mutex
	store    registration.Datastore
	sources  registration.SourceFetcher
	triggers registration.TriggerFetcher
	debug    registration.DebugReporter
	noise    registration.NoiseHandler
	notifier registration.Notifier
	clock    registration.Clock
	ids      registration.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner.
func New(
	store registration.Datastore,
	sources registration.SourceFetcher,
	triggers registration.TriggerFetcher,
	debug registration.DebugReporter,
	noise registration.NoiseHandler,
	notifier registration.Notifier,
	clock registration.Clock,
	ids registration.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRegistrationsPerInvocation <= 0 {
		cfg.MaxRegistrationsPerInvocation = 100
	}
	if cfg.MaxRetriesPerRequest <= 0 {
		cfg.MaxRetriesPerRequest = 5
	}
	if cfg.MaxRedirectsPerRegistration < 0 {
		cfg.MaxRedirectsPerRegistration = 0
	}
	return &Runner{
		store:    store,
		sources:  sources,
		triggers: triggers,
		debug:    debug,
		noise:    noise,
		notifier: notifier,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger.Named("runner"),
	}
}

// applyResult collects what transaction 2 did so it can be reported after commit.
type applyResult struct {
	notifications []registration.Notification
	enqueued      int
	redirectError bool
	dropped       bool
}

// Run processes queued requests until the queue is empty or the per-pass
// limit is reached. Concurrent calls are serialized.
func (r *Runner) Run(ctx context.Context) (PassSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "runner.Run")
	defer span.End()

	start := time.Now()
	var summary PassSummary
	var failedOrigins []string

	for summary.Processed < r.cfg.MaxRegistrationsPerInvocation {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("runner pass interrupted: %w", err)
		}

		var req registration.Request
		err := r.store.InTransaction(ctx, func(ctx context.Context, tx registration.Tx) error {
			var err error
			req, err = tx.FetchNextQueuedRequest(ctx, r.cfg.MaxRetriesPerRequest, failedOrigins)
			return err
		})
		if errors.Is(err, registration.ErrNotFound) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "select queued request")
			return summary, fmt.Errorf("select queued request: %w", err)
		}

		status, result, storeErr := r.processRequest(ctx, req, &failedOrigins)
		summary.Processed++
		summary.Enqueued += result.enqueued
		switch {
		case storeErr != nil:
		case status.IsRequestSuccess():
			summary.Succeeded++
		case result.dropped:
			summary.Dropped++
		case status.CanRetry():
			summary.Retried++
		default:
			summary.Dropped++
		}
	}

	span.SetAttributes(
		attribute.Int("registrations.processed", summary.Processed),
		attribute.Int("registrations.enqueued", summary.Enqueued),
	)
	metrics.ObservePass(summary.Processed, time.Since(start))
	r.logger.Debug("runner pass complete",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("retried", summary.Retried),
		zap.Int("dropped", summary.Dropped),
		zap.Int("enqueued", summary.Enqueued),
	)
	return summary, nil
}

func (r *Runner) processRequest(
	ctx context.Context,
	req registration.Request,
	failedOrigins *[]string,
) (registration.FetchStatus, applyResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runner.processRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("registration.id", req.RegistrationID),
		attribute.String("registration.type", string(req.Type)),
	)

	var (
		status    registration.FetchStatus
		redirects registration.RedirectSet
		src       *registration.Source
		trig      *registration.Trigger
	)
	if req.IsSourceRequest() {
		src, status, redirects = r.sources.FetchSource(ctx, req)
	} else {
		trig, status, redirects = r.triggers.FetchTrigger(ctx, req)
	}
	status.RegistrationDelay = r.clock.Now().Sub(req.RequestTime)

	if !status.IsRequestSuccess() && status.CanRetry() {
		if origin, ok := registration.BaseURI(req.RegistrationURI); ok {
			*failedOrigins = append(*failedOrigins, origin)
		}
	}

	var result applyResult
	err := r.store.InTransaction(ctx, func(ctx context.Context, tx registration.Tx) error {
		result = applyResult{}
		if status.IsRequestSuccess() {
			return r.handleSuccess(ctx, tx, req, src, trig, redirects, &result)
		}
		return r.handleFailure(ctx, tx, req, status, &result)
	})
	if err != nil {
		status.EntityStatus = registration.EntityStorageError
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply registration outcome")
		r.logger.Error("apply registration outcome failed",
			zap.String("request_id", req.ID),
			zap.String("registration_id", req.RegistrationID),
			zap.Error(err),
		)
		result = applyResult{}
	} else {
		status.RedirectError = result.redirectError
		r.notify(ctx, result.notifications)
	}

	r.observe(req, status, redirects)
	return status, result, err
}

func (r *Runner) handleSuccess(
	ctx context.Context,
	tx registration.Tx,
	req registration.Request,
	src *registration.Source,
	trig *registration.Trigger,
	redirects registration.RedirectSet,
	result *applyResult,
) error {
	if src != nil {
		if err := r.storeSource(ctx, tx, req, *src); err != nil {
			return err
		}
	}
	if trig != nil {
		if err := r.storeTrigger(ctx, tx, req, *trig, result); err != nil {
			return err
		}
	}
	if err := tx.DeleteRequest(ctx, req.ID); err != nil {
		return fmt.Errorf("delete request %s: %w", req.ID, err)
	}
	if redirects != nil && redirects.Len() > 0 {
		return r.processRedirects(ctx, tx, req, redirects, result)
	}
	return nil
}

// processRedirects enqueues follow-up requests while the registration
// group's redirect budget allows.
func (r *Runner) processRedirects(
	ctx context.Context,
	tx registration.Tx,
	req registration.Request,
	redirects registration.RedirectSet,
	result *applyResult,
) error {
	kv, err := tx.GetKeyValueData(ctx, req.RegistrationID, registration.RegistrationRedirectCount)
	if err != nil {
		return fmt.Errorf("read redirect count: %w", err)
	}
	count := kv.Value
	if count >= r.cfg.MaxRedirectsPerRegistration {
		result.redirectError = true
		return nil
	}

	for _, uri := range redirects.All() {
		if count >= r.cfg.MaxRedirectsPerRegistration {
			break
		}
		id, err := r.ids.NewID()
		if err != nil {
			return fmt.Errorf("redirect request id: %w", err)
		}
		next := req.Redirected(id, uri)
		if err := tx.InsertRequest(ctx, next); err != nil {
			return fmt.Errorf("enqueue redirect: %w", err)
		}
		count++
		result.enqueued++
		result.notifications = append(result.notifications, registration.Notification{
			Kind:           registration.NotifyRequestQueued,
			RegistrationID: next.RegistrationID,
			EntityID:       next.ID,
			At:             r.clock.Now(),
		})
	}

	return tx.UpsertKeyValueData(ctx, registration.KeyValueData{
		Key:      req.RegistrationID,
		DataType: registration.RegistrationRedirectCount,
		Value:    count,
	})
}

func (r *Runner) handleFailure(
	ctx context.Context,
	tx registration.Tx,
	req registration.Request,
	status registration.FetchStatus,
	result *applyResult,
) error {
	if !status.CanRetry() {
		result.dropped = true
		if err := tx.DeleteRequest(ctx, req.ID); err != nil {
			return fmt.Errorf("delete request %s: %w", req.ID, err)
		}
		return nil
	}

	next := req
	next.RetryCount++
	if next.RetryCount >= r.cfg.MaxRetriesPerRequest {
		result.dropped = true
		if err := tx.DeleteRequest(ctx, req.ID); err != nil {
			return fmt.Errorf("delete exhausted request %s: %w", req.ID, err)
		}
		return nil
	}
	if err := tx.UpdateRetryCount(ctx, next); err != nil {
		return fmt.Errorf("update retry count for %s: %w", req.ID, err)
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, notifications []registration.Notification) {
	if r.notifier == nil {
		return
	}
	for _, n := range notifications {
		if err := r.notifier.Notify(ctx, n); err != nil {
			metrics.ObserveNotification(string(n.Kind), "error")
			r.logger.Warn("change notification failed",
				zap.String("kind", string(n.Kind)),
				zap.String("entity_id", n.EntityID),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveNotification(string(n.Kind), "ok")
	}
}
