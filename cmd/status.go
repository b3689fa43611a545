package cmd

import (
	"path/filepath"
	"strings"

	"devspin/internal/cli"
	"devspin/internal/config"
	"devspin/internal/state"

	"github.com/spf13/cobra"
)

// statusCmd shows the run record of one or every project
var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show the services of running projects",
	Long: `Show the state, health, process and ports of every service of a project.

Without an argument every running project is shown. Processes that exited
since the last command are reported as Crashed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

// listCmd lists running projects
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running projects",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	addOutputFlag(statusCmd)
	addOutputFlag(listCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	printer, err := cli.NewPrinter(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	o := newOrchestrator(settings)

	if len(args) == 1 {
		rec, err := o.Status(cmd.Context(), projectName(args[0]))
		if err != nil {
			return err
		}
		return printer.Print(rec, cli.StatusTable([]*state.RunRecord{rec}))
	}

	records, listErr := o.StatusAll(cmd.Context())
	if err := printer.Print(records, cli.StatusTable(records)); err != nil {
		return err
	}
	return listErr
}

func runList(cmd *cobra.Command, args []string) error {
	printer, err := cli.NewPrinter(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	summaries, listErr := newOrchestrator(settings).List(cmd.Context())
	if err := printer.Print(summaries, cli.ListTable(summaries)); err != nil {
		return err
	}
	return listErr
}

// projectName maps a project reference to the name its run record is
// stored under. Paths are loaded to read the declared name.
func projectName(ref string) string {
	if !strings.ContainsRune(ref, filepath.Separator) && filepath.Ext(ref) != ".yaml" {
		return ref
	}
	p, err := config.LoadProject(ref, settings.ProjectsDir)
	if err != nil {
		return ref
	}
	return p.Name
}
