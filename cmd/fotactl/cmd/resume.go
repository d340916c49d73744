package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Run one download pass against whatever workspace is currently persisted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, sink, err := openCore()
			if err != nil {
				return err
			}
			defer sink.Close()
			defer core.Close()

			phase, err := core.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("phase=%s state=%s result=%s\n", phase, core.State(), core.Result())
			return nil
		},
	}
}
