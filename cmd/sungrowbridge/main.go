package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sungrowbridge",
		Short:         "HTTP bridge for Sungrow iSolarCloud realtime plant data",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "auth-url",
			Short: "Print the iSolarCloud authorization URL",
			RunE:  runAuthURL,
		},
		newStateCmd(),
		&cobra.Command{
			Use:   "plants",
			Short: "Resolve and print the plant index (requires stored tokens)",
			RunE:  runPlants,
		},
	)
	return root
}
