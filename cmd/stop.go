package cmd

import (
	"devspin/internal/cli"

	"github.com/spf13/cobra"
)

// stopCmd stops a project
var stopCmd = &cobra.Command{
	Use:   "stop <project>",
	Short: "Stop every service of a project",
	Long: `Stop the services of a running project in reverse dependency order.

Each service gets SIGTERM and the configured grace period to exit before
it is killed. Ports are released and the run record is removed. Services
that could not be terminated are reported and kept in the record so a
later stop can retry them.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	addOutputFlag(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	printer, err := cli.NewPrinter(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	o := newOrchestrator(settings)
	report, stopErr := o.StopProject(cmd.Context(), projectName(args[0]))
	if report != nil && len(report.Actions) > 0 {
		if err := printer.PrintText(report.Summary(), report); err != nil {
			return err
		}
	}
	return stopErr
}
