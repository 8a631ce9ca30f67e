// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with FRAMEPIPE, or config.yaml (in that
// order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("FRAMEPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/framepipe", "$HOME/.framepipe", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "framepipe",
		Short: "A real-time adaptive media processing pipeline with resource-aware auto-tuning",
		Long: `A real-time adaptive media processing pipeline with resource-aware auto-tuning.

Framepipe pushes frames through a configurable stage chain under bounded queues,
degrades quality instead of latency when the system falls behind, pools device
memory with priority-based eviction, and closes the loop with an auto-tuner that
rewrites the runtime configuration to hold its performance targets.`,
	}
}
