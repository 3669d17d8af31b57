package cli

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// NewToolchainsCommand creates the toolchains command.
func NewToolchainsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "toolchains",
		Aliases: []string{"ls", "list"},
		Short:   "List installed toolchains",
		Long: `List the toolchain images installed on the engine and the job kinds each provides.

Examples:
  cloudv toolchains
  cloudv toolchains -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			var toolchains []types.ToolchainInfo
			if err := clientFor(cmd, 30*time.Second).Do(http.MethodGet, "/api/v1/toolchains", nil, &toolchains); err != nil {
				return fmt.Errorf("failed to fetch toolchains: %w", err)
			}
			printToolchains(cmd.OutOrStdout(), toolchains, verbose)
			return nil
		},
	}

	return cmd
}

func printToolchains(w io.Writer, toolchains []types.ToolchainInfo, verbose bool) {
	if len(toolchains) == 0 {
		fmt.Fprintln(w, "No toolchains installed; jobs run on the default sandbox image")
		return
	}

	byKind := make(map[types.JobKind][]string)
	for _, tc := range toolchains {
		for _, kind := range tc.Kinds {
			byKind[kind] = append(byKind[kind], tc.Name+"-"+tc.Version)
		}
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	if verbose {
		fmt.Fprintf(w, "Installed toolchains (%d):\n\n", len(toolchains))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tVERSION\tIMAGE\tKINDS")
		fmt.Fprintln(tw, "  ----\t-------\t-----\t-----")
		for _, tc := range toolchains {
			kinds := make([]string, 0, len(tc.Kinds))
			for _, k := range tc.Kinds {
				kinds = append(kinds, string(k))
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", tc.Name, tc.Version, tc.Image, strings.Join(kinds, ", "))
		}
		tw.Flush()
		return
	}

	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		bold.Fprintf(w, "%-20s", kind+":")
		cyan.Fprintf(w, " %s\n", strings.Join(byKind[types.JobKind(kind)], ", "))
	}
	fmt.Fprintf(w, "\nTotal: %d toolchains\n", len(toolchains))
}
