package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lwm2mcore/fotacore/pkg/workspace"
)

func startCommand() *cobra.Command {
	var software bool
	cmd := &cobra.Command{
		Use:   "start <uri>",
		Short: "Write a package_uri and run one download pass to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, sink, err := openCore()
			if err != nil {
				return err
			}
			defer sink.Close()
			defer core.Close()

			ut := workspace.UpdateTypeFirmware
			if software {
				ut = workspace.UpdateTypeSoftware
			}
			if err := core.InitiateDownload(args[0], ut); err != nil {
				return err
			}

			phase, err := core.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("phase=%s state=%s result=%s\n", phase, core.State(), core.Result())
			return nil
		},
	}
	cmd.Flags().BoolVar(&software, "software", false, "treat the package as a software update rather than firmware")
	return cmd
}
