package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newExportCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "export-debug-reports",
		Short: "Write queued debug reports to blob storage and remove them from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.ExportDebugReports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("debug reports exported", zap.Int("count", n))
			cmd.Printf("exported %d debug reports\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum reports to export (0 exports all)")
	return cmd
}
