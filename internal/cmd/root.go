// Package cmd contains the gatewayd CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "An OpenAI-compatible gateway fronting GitHub Copilot and other upstreams",
	Long: `gatewayd exposes a single OpenAI-compatible chat-completions endpoint backed
by one or more GitHub Copilot accounts plus any number of OpenAI-compatible or
Anthropic-compatible upstreams, selecting and failing over between them by
priority, cooldown, and rate limit.`,
	Version: Version,
}

// Execute runs the root command, printing any error to stderr and exiting
// non-zero.
func Execute() {
	_ = godotenv.Load() // optional; config values can also come from the YAML file directly

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
