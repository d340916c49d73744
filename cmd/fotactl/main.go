// Command fotactl is a host-simulator binary driving the download
// controller from the command line: it stands in for the LwM2M server and
// object-instance resources a real agent would expose, so the core can be
// exercised end to end against a real HTTP server during development.
package main

import (
	"fmt"
	"os"

	"github.com/lwm2mcore/fotacore/cmd/fotactl/cmd"
)

func main() {
	if err := cmd.RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
