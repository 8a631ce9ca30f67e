package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/streamforge/framepipe/internal/build"
)

// NewVersionCommand returns the command to get the framepipe version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the framepipe version",
		Long:  "Return the framepipe version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("framepipe version %s commit id %s", build.Version, build.Commit)
	return nil
}
