package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/evidentsys/evident/bundle"
)

var (
	inspectTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("57")).
				Padding(0, 1)

	inspectKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Width(16)

	inspectValStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	inspectDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print a human-readable summary of a bundle archive",
	Long: `Inspect decodes a sealed archive and prints its identity, window,
contents, and metadata for a human reader. It does not validate; use
verify-bundle for the cryptographic verdict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		b, err := bundle.ReadArchive(bytes.NewReader(data))
		if err != nil {
			return err
		}

		row := func(k, v string) {
			fmt.Println(inspectKeyStyle.Render(k) + inspectValStyle.Render(v))
		}

		fmt.Println(inspectTitleStyle.Render("Incident bundle " + b.ID))
		row("created", fmtTime(b.CreatedAt))
		row("window", fmtTime(b.Window.Start)+" .. "+fmtTime(b.Window.End))
		row("seal", fmt.Sprintf("%x", b.Seal))
		row("size", fmt.Sprintf("%d bytes (compressed payload)", b.SizeBytes))
		row("log entries", fmt.Sprintf("%d", len(b.Logs)))
		row("versions", fmt.Sprintf("%d", len(b.Diffs)))
		row("snapshots", fmt.Sprintf("%d", len(b.Snapshots)))

		if len(b.Metadata) > 0 {
			fmt.Println(inspectDimStyle.Render("metadata"))
			keys := make([]string, 0, len(b.Metadata))
			for k := range b.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				row("  "+k, b.Metadata[k])
			}
		}
		return nil
	},
}

func fmtTime(ns uint64) string {
	return time.Unix(0, int64(ns)).UTC().Format(time.RFC3339)
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
