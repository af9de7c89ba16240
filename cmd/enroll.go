package cmd

import (
	"github.com/spf13/cobra"
)

func newEnrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll ENROLLMENT_ID SITE",
		Short: "Map an ad tech site to an enrollment id in the enrollment table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Enroll(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("enrolled %s as %s\n", args[1], args[0])
			return nil
		},
	}
}
