package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one pass over the registration queue and exit",
		Long: `Processes up to runner.max_registrations_per_invocation queued requests,
prints the pass summary as JSON and exits. Suitable for a scheduled job.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.RunPass(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("pass complete",
				zap.Int("processed", summary.Processed),
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("retried", summary.Retried),
				zap.Int("dropped", summary.Dropped),
				zap.Int("enqueued", summary.Enqueued),
			)
			out, err := json.Marshal(summary)
			if err != nil {
				return fmt.Errorf("marshal summary: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}
}
