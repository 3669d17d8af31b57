package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func NewVersionCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version information for the cloudv CLI and the engine it talks to.",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cloudv CLI %s\n", version)

			var server map[string]string
			if err := clientFor(cmd, 5*time.Second).Do(http.MethodGet, "/", nil, &server); err != nil {
				fmt.Fprintf(out, "Engine: unreachable (%v)\n", err)
				return
			}
			fmt.Fprintf(out, "Engine: %s\n", server["message"])
		},
	}

	return cmd
}
