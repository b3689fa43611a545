package cmd

import (
	"fmt"

	"devspin/internal/config"
	"devspin/internal/project"
	"devspin/internal/supervisor"

	"github.com/spf13/cobra"
)

var runEnvFile string

// runCmd runs one of the top-level project commands
var runCmd = &cobra.Command{
	Use:   "run <project> <dev|test|build>",
	Short: "Run a project command in the foreground",
	Long: `Run the dev, test or build command declared under "commands" in the
project file. The command runs through sh in the project directory with
the project environment, attached to the terminal.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"dev", "test", "build"},
	RunE:      runProjectCommand,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runEnvFile, "env-file", "", "Dotenv file supplying variables the project does not set")
}

func runProjectCommand(cmd *cobra.Command, args []string) error {
	p, err := config.LoadProject(args[0], settings.ProjectsDir)
	if err != nil {
		return err
	}
	if err := config.ApplyEnvFile(p, runEnvFile); err != nil {
		return err
	}

	command, err := projectCommand(p, args[1])
	if err != nil {
		return err
	}
	return supervisor.Run(cmd.Context(), command, p.BaseDir, p.Env(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func projectCommand(p *project.Project, name string) (string, error) {
	var command string
	switch name {
	case "dev":
		command = p.Commands.Dev
	case "test":
		command = p.Commands.Test
	case "build":
		command = p.Commands.Build
	default:
		return "", fmt.Errorf("unknown command %q (use dev, test or build)", name)
	}
	if command == "" {
		return "", fmt.Errorf("project %s declares no %s command", p.Name, name)
	}
	return command, nil
}
