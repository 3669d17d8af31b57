package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/Cloud-V/Backend-sub002/internal/diagnostics"
)

// printResult renders a job response. A response carrying error records
// yields an error so the process exits non-zero.
func printResult(w io.Writer, resp *JobResponse, format string, verbose bool) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return resultError(resp)
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	cyan := color.New(color.FgCyan)

	if resp.Token != nil {
		bold.Fprintf(w, "== Submitted %s ==\n", resp.Kind)
		printToken(w, resp.Token.ID, resp.Token.JobType, resp.Token.Status, resp.Token.JobName, resp.Token.JobID)
		fmt.Fprintf(w, "Expires: %s\n", resp.Token.ExpiresAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	bold.Fprintf(w, "== %s ==\n", resp.Kind)
	if verbose {
		fmt.Fprintf(w, "Job: %s\n", resp.JobID)
		if resp.Toolchain != "" {
			fmt.Fprintf(w, "Toolchain: %s\n", resp.Toolchain)
		}
	}

	printRecords(w, "ERRORS", red, resp.Diagnostics.Errors)
	printRecords(w, "WARNINGS", yellow, resp.Diagnostics.Warnings)

	if resp.Stdout != "" && (verbose || resp.Kind == "simulation" || resp.Kind == "netlist_simulation") {
		bold.Fprintln(w, "STDOUT")
		fmt.Fprint(w, indentLines(resp.Stdout))
	}

	if len(resp.Artifacts) > 0 {
		bold.Fprintln(w, "ARTIFACTS")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, a := range resp.Artifacts {
			fmt.Fprintf(tw, "    %s\t%d bytes\n", a.Entry, a.Size)
		}
		tw.Flush()
	}
	if resp.Report != "" {
		fmt.Fprint(w, "Report: ")
		cyan.Fprintln(w, resp.Report)
	}

	if err := resultError(resp); err != nil {
		return err
	}
	green.Fprintln(w, "OK")
	return nil
}

func printRecords(w io.Writer, title string, c *color.Color, records []diagnostics.Record) {
	if len(records) == 0 {
		return
	}
	c.Fprintf(w, "%s (%d)\n", title, len(records))
	for _, r := range records {
		switch {
		case r.File != "" && r.Line > 0:
			fmt.Fprintf(w, "    %s:%d: %s\n", r.File, r.Line, r.Message)
		case r.File != "":
			fmt.Fprintf(w, "    %s: %s\n", r.File, r.Message)
		default:
			fmt.Fprintf(w, "    %s\n", r.Message)
		}
	}
}

func printToken(w io.Writer, id, jobType, status, jobName, jobID string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Token:\t%s\n", id)
	fmt.Fprintf(tw, "Type:\t%s\n", jobType)
	fmt.Fprintf(tw, "Status:\t%s\n", status)
	if jobName != "" {
		fmt.Fprintf(tw, "Batch job:\t%s (%s)\n", jobName, jobID)
	}
	tw.Flush()
}

func resultError(resp *JobResponse) error {
	if n := len(resp.Diagnostics.Errors); n > 0 {
		return fmt.Errorf("%s reported %d error(s)", resp.Kind, n)
	}
	return nil
}

func indentLines(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
