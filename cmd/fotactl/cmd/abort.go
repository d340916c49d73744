package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func abortCommand() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Run a download, requesting an abort partway through",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, sink, err := openCore()
			if err != nil {
				return err
			}
			defer sink.Close()
			defer core.Close()

			timer := time.AfterFunc(after, core.Abort)
			defer timer.Stop()

			phase, err := core.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("phase=%s state=%s result=%s\n", phase, core.State(), core.Result())
			return nil
		},
	}
	cmd.Flags().DurationVar(&after, "after", 2*time.Second, "how long to wait before requesting abort")
	return cmd
}
