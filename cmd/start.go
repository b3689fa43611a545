package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"devspin/internal/cli"
	"devspin/internal/config"
	"devspin/internal/orchestrator"
	"devspin/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	startDryRun      bool
	startOnly        []string
	startSkip        []string
	startVerbose     bool
	startEnvFile     string
	startForeground  bool
	startMetricsAddr string
)

// startCmd starts a project
var startCmd = &cobra.Command{
	Use:   "start <project>",
	Short: "Start every service of a project",
	Long: `Start the services of a project in dependency order.

<project> is a devspin.yaml file, a directory containing one, or the name
of a project below the configured projects directory.

Services of the same stage start concurrently. A stage only begins once
every service of the previous stage passed its health checks. If any
service fails, everything that was already started is stopped again in
reverse order and the failure is reported.

By default devspin returns once the project is up and the services keep
running in the background. With --foreground it stays attached, records
crashes as they happen and stops the project on Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().BoolVar(&startDryRun, "dry-run", false, "Show the stage plan and port reservations without starting anything")
	startCmd.Flags().StringSliceVar(&startOnly, "only", nil, "Start only these services and their dependencies")
	startCmd.Flags().StringSliceVar(&startSkip, "skip", nil, "Do not start these services")
	startCmd.Flags().BoolVarP(&startVerbose, "verbose", "v", false, "Include health check details in the report")
	startCmd.Flags().StringVar(&startEnvFile, "env-file", "", "Dotenv file supplying variables the project does not set")
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "Stay attached and stop the project on interrupt")
	startCmd.Flags().StringVar(&startMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while in the foreground")
	startCmd.MarkFlagsMutuallyExclusive("only", "skip")
	addOutputFlag(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	printer, err := cli.NewPrinter(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	p, err := config.LoadProject(args[0], settings.ProjectsDir)
	if err != nil {
		return err
	}
	if err := config.ApplyEnvFile(p, startEnvFile); err != nil {
		return err
	}

	o := newOrchestrator(settings)
	ctx := cmd.Context()
	report, startErr := o.StartProject(ctx, p, orchestrator.StartOptions{
		DryRun:  startDryRun,
		Only:    startOnly,
		Skip:    startSkip,
		Verbose: startVerbose,
	})
	if report != nil {
		if err := printer.PrintText(report.Summary(), report); err != nil {
			return err
		}
	}
	if startErr != nil || startDryRun || !startForeground {
		return startErr
	}

	return runForeground(ctx, cmd, o, p.Name, printer)
}

// runForeground supervises the project until ctx is cancelled, then stops it.
func runForeground(ctx context.Context, cmd *cobra.Command, o *orchestrator.Orchestrator, name string, printer *cli.Printer) error {
	if startMetricsAddr != "" {
		srv := &http.Server{
			Addr:              startMetricsAddr,
			Handler:           metricsHandler(o),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Info("CLI", "Serving metrics on http://%s/metrics", startMetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("CLI", err, "Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Supervising %s, press Ctrl+C to stop\n", name)
	if err := o.Supervise(ctx, name); err != nil {
		return err
	}
	if ctx.Err() == nil {
		// Stopped from elsewhere.
		return nil
	}

	report, err := o.StopProject(context.Background(), name)
	if report != nil {
		if perr := printer.PrintText(report.Summary(), report); perr != nil {
			return perr
		}
	}
	return err
}

func metricsHandler(o *orchestrator.Orchestrator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Registry(), promhttp.HandlerOpts{}))
	return mux
}
