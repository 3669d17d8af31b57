package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// Library downloads can be slow; the server allows ten minutes.
const stdcellTimeout = 10 * time.Minute

type stdcellRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewStdcellCommand creates the stdcell command tree.
func NewStdcellCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stdcell",
		Aliases: []string{"stdcells", "lib"},
		Short:   "Manage standard-cell libraries",
		Long: `Manage the standard-cell libraries used by synthesis and netlist simulation.

Available actions:
  list      - List indexed libraries
  install   - Install a library
  uninstall - Uninstall a library
  apply     - Install every library listed in a file`,
	}

	cmd.AddCommand(newStdcellListCommand())
	cmd.AddCommand(newStdcellInstallCommand())
	cmd.AddCommand(newStdcellUninstallCommand())
	cmd.AddCommand(newStdcellApplyCommand())

	return cmd
}

func newStdcellListCommand() *cobra.Command {
	var installed bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List standard-cell libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/stdcells"
			if installed {
				path += "?installed=true"
			}
			var libs []types.StdcellInfo
			if err := clientFor(cmd, 30*time.Second).Do(http.MethodGet, path, nil, &libs); err != nil {
				return fmt.Errorf("failed to fetch stdcells: %w", err)
			}
			printStdcells(cmd.OutOrStdout(), libs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&installed, "installed", false, "Only list installed libraries")
	return cmd
}

func printStdcells(w io.Writer, libs []types.StdcellInfo) {
	if len(libs) == 0 {
		fmt.Fprintln(w, "No standard-cell libraries found")
		return
	}

	green := color.New(color.FgGreen)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tINSTALLED")
	for _, lib := range libs {
		state := "-"
		if lib.Installed {
			state = green.Sprint("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", lib.Name, lib.Version, state)
	}
	tw.Flush()
}

func newStdcellInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <name> [version-constraint]",
		Short: "Install a standard-cell library",
		Long: `Install the newest indexed version of a library matching a constraint.

Examples:
  cloudv stdcell install osu035
  cloudv stdcell install osu035 "^1.0"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := stdcellRequest{Name: args[0], Version: "*"}
			if len(args) == 2 {
				req.Version = args[1]
			}
			return stdcellAction(cmd, http.MethodPost, req, "Installed")
		},
	}
}

func newStdcellUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name> <version>",
		Short: "Uninstall a standard-cell library",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stdcellAction(cmd, http.MethodDelete, stdcellRequest{Name: args[0], Version: args[1]}, "Uninstalled")
		},
	}
}

// newStdcellApplyCommand installs the libraries listed in a file, one
// "<name> [constraint]" per line. Blank lines and # comments are ignored.
func newStdcellApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Install the libraries listed in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			failures := 0
			scanner := bufio.NewScanner(f)
			for lineNo := 1; scanner.Scan(); lineNo++ {
				line := scanner.Text()
				if i := strings.Index(line, "#"); i >= 0 {
					line = line[:i]
				}
				fields := strings.Fields(line)
				if len(fields) == 0 {
					continue
				}
				if len(fields) > 2 {
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: expected <name> [constraint]\n", lineNo)
					failures++
					continue
				}

				req := stdcellRequest{Name: fields[0], Version: "*"}
				if len(fields) == 2 {
					req.Version = fields[1]
				}
				if err := stdcellAction(cmd, http.MethodPost, req, "Installed"); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", lineNo, err)
					failures++
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if failures > 0 {
				return fmt.Errorf("%d librar(ies) failed", failures)
			}
			return nil
		},
	}
}

func stdcellAction(cmd *cobra.Command, method string, req stdcellRequest, verb string) error {
	var lib types.StdcellInfo
	if err := clientFor(cmd, stdcellTimeout).Do(method, "/api/v1/stdcells", req, &lib); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "%s %s-%s\n", verb, lib.Name, lib.Version)
	return nil
}
