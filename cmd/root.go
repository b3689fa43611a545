package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"devspin/internal/allocator"
	"devspin/internal/config"
	"devspin/internal/orchestrator"
	"devspin/internal/state"
	"devspin/internal/supervisor"
	"devspin/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	configFile   string
	logLevelFlag string
	logFormat    string
	outputFormat string

	// settings are loaded before every subcommand runs.
	settings *config.Settings
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devspin",
	Short: "Start and stop local development stacks",
	Long: `devspin brings up the services of a local development project in
dependency order, waits for each of them to become healthy and keeps
track of their processes and ports so the whole stack can be stopped
again with one command.

Projects are described in a devspin.yaml file. Tool settings are read
from ~/.config/devspin/config.yaml, .devspin/config.yaml in the current
directory, DEVSPIN_* environment variables and the --config file.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. failed starts, unknown projects)
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "devspin version %s\n" .Version}}`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Cobra prints the error, we just exit non-zero
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Settings file merged over the user and working directory settings")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
}

// loadSettings resolves the tool settings and initializes logging. Flags
// win over every settings layer.
func loadSettings(cmd *cobra.Command, args []string) error {
	s, err := config.LoadSettings(configFile)
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		s.LogLevel = logLevelFlag
	}
	if logFormat != "" {
		s.LogFormat = logFormat
	}

	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	if s.LogFormat != logging.FormatText && s.LogFormat != logging.FormatJSON {
		return fmt.Errorf("unknown log format %q", s.LogFormat)
	}
	logging.InitForCLI(level, s.LogFormat, cmd.ErrOrStderr())
	settings = s
	return nil
}

// newOrchestrator wires the components with the loaded settings.
func newOrchestrator(s *config.Settings) *orchestrator.Orchestrator {
	store := state.NewFileStore(s.StateDir)
	return orchestrator.New(orchestrator.Config{
		GracePeriod:    s.GracePeriod,
		HookTimeout:    s.HookTimeout,
		MaxConcurrency: s.MaxConcurrency,
		HealthPolicy:   s.Health.Policy(),
		LogPath:        store.LogPath,
	}, store, allocator.New(nil), supervisor.New(s.KillTimeout))
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}
