package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lwm2mcore/fotacore/pkg/workspace"
)

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted workspace state without running a download",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := workspace.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer store.Close()

			w, err := store.Read()
			if err != nil {
				return err
			}
			if w.Zero() {
				fmt.Println("no download in progress")
				return nil
			}
			fmt.Printf("url=%s update_type=%d offset=%d package_size=%d section=%s\n",
				w.URL, w.UpdateType, w.Offset, w.PackageSize, w.DWL.Section)
			return nil
		},
	}
}
