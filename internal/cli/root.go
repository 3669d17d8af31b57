package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand assembles the cloudv command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cloudv",
		Short:         "Cloud V CLI - Run Verilog toolchain jobs",
		Long:          `A command line interface for the Cloud V toolchain engine.`,
		Version:       fmt.Sprintf("%s (%s) built at %s", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("url", "u", "http://localhost:3000", "Engine API URL")
	rootCmd.PersistentFlags().String("user", "", "User ID sent as X-User-ID (default $"+UserEnv+")")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("output", "auto", "Output format (auto, json)")

	rootCmd.AddCommand(
		NewSynthCommand(),
		NewSimulateCommand(),
		NewSimulateNetlistCommand(),
		NewBitstreamCommand(),
		NewCompileCommand(),
		NewValidateCommand(),
		NewStatusCommand(),
		NewToolchainsCommand(),
		NewStdcellCommand(),
		NewVersionCommand(version),
	)

	return rootCmd
}
