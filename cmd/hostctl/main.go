// Command hostctl is the operator-facing CLI for inspecting and
// managing a host installation: checking guest runtime availability,
// and (in the future) inspecting session state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "hostctl",
		Short: "inspect and manage an exthost installation",
	}

	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
