package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// newKBsCmd creates the kbs command: list knowledge bases with their
// catalog/disk status.
func newKBsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kbs",
		Short: "List knowledge bases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			details, err := manager.ListKBDetails(cmd.Context())
			if err != nil {
				return err
			}
			if len(details) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no knowledge bases"))
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-24s %-8s %-6s %-20s %s",
				"NAME", "TYPE", "FILES", "CREATED", "STATUS")))
			for _, d := range details {
				status := okStyle.Render("ok")
				switch {
				case !d.InDB:
					status = warnStyle.Render("folder only")
				case !d.InFolder:
					status = warnStyle.Render("catalog only")
				}
				fmt.Fprintf(out, "%-24s %-8s %-6d %-20s %s\n",
					truncateName(d.KBName, 24), d.VSType, d.FileCount, d.CreateTime, status)
			}
			return nil
		},
	}
}

func truncateName(name string, width int) string {
	if len(name) <= width {
		return name
	}
	return strings.TrimSpace(name[:width-1]) + "…"
}
