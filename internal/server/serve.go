package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Serve runs the HTTP API, the pass loop and the optional Pub/Sub wake
// subscription until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.passLoop(ctx, a.cfg.Runner.Interval)
		return nil
	})
	if a.subscriber != nil {
		g.Go(func() error {
			return a.subscriber.Run(ctx, func(_ context.Context, n registration.Notification) {
				if n.Kind == registration.NotifyRequestQueued {
					a.wake.Signal()
				}
			})
		})
	}

	return g.Wait()
}

// passLoop runs a pass on every tick and whenever requests are queued. A
// pass that filled its batch is followed by another immediately.
func (a *App) passLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.exportDebugReports(ctx)
		case <-a.wake.Wake():
		}

		summary, err := a.RunPass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("pass failed", zap.Error(err))
			continue
		}
		if summary.Processed > 0 {
			a.logger.Info("pass complete",
				zap.Int("processed", summary.Processed),
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("retried", summary.Retried),
				zap.Int("dropped", summary.Dropped),
			)
		}
		if summary.Processed >= a.cfg.Runner.MaxRegistrationsPerInvocation {
			a.wake.Signal()
		}
	}
}

func (a *App) exportDebugReports(ctx context.Context) {
	if !a.cfg.DebugReport.Enabled {
		return
	}
	n, err := a.ExportDebugReports(ctx, a.cfg.DebugReport.ExportBatch)
	if err != nil {
		a.logger.Warn("debug report export failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Info("debug reports exported", zap.Int("count", n))
	}
}
