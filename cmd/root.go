// Package cmd defines the CLI commands of the registrar executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/config"
	"github.com/JakeFAU/attribution-registrar/internal/runner"
	"github.com/JakeFAU/attribution-registrar/internal/server"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests inject a fake.
type App interface {
	Close(ctx context.Context)
	Logger() *zap.Logger
	Handler() http.Handler
	Serve(ctx context.Context) error
	RunPass(ctx context.Context) (runner.PassSummary, error)
	ExportDebugReports(ctx context.Context, limit int) (int, error)
	Enroll(ctx context.Context, enrollmentID, site string) error
}

// newApp is the application factory, swapped out in tests.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registrar",
		Short: "Attribution registration fetcher and queue runner.",
		Long: `registrar accepts source and trigger registrations from apps and browsers,
fetches their registration headers from ad tech servers, and stores the
resulting sources, triggers and debug reports.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env REGISTRAR_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newEnrollCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
