package cmd

import (
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/smazurov/capturebridge/internal/config"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/scenario"
	"github.com/spf13/cobra"
)

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	var configFile string
	var logJSON bool
	var quiet bool

	cmd := &cobra.Command{
		Use:   "simulate [scenario.toml]",
		Short: "Run a capture scenario against the simulated camera",
		Long: `Plays a scripted client session against an in-process simulated legacy camera. ` +
			`Each step submits, cancels or flushes bursts, or injects a device fault. ` +
			`Exits non-zero when a step fails or the device ends in an unexpected state.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loggingConfig := config.LoadLoggingConfig(configFile)
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("scenario")

			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var onEvent func(any)
			if !quiet {
				onEvent = func(ev any) {
					logger.Info("Event", "type", fmt.Sprintf("%T", ev), "event", ev)
				}
			}

			report, runErr := scenario.Run(ctx, sc, onEvent)
			printReport(cmd, sc.Name, report)
			if runErr != nil {
				return fmt.Errorf("scenario %s failed: %w", sc.Name, runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config.toml", "Config file for logging settings")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not log bus events")
	return cmd
}

func printReport(cmd *cobra.Command, name string, r scenario.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scenario:          %s\n", name)
	fmt.Fprintf(out, "final state:       %s\n", r.FinalState)
	fmt.Fprintf(out, "device error:      %s\n", r.DeviceError)
	fmt.Fprintf(out, "captures started:  %d\n", r.Started)
	fmt.Fprintf(out, "capture results:   %d\n", r.Results)
	fmt.Fprintf(out, "repeating stopped: %d\n", r.RepeatingStopped)
	fmt.Fprintf(out, "queue empty:       %d\n", r.QueueEmpty)

	for _, code := range slices.Sorted(maps.Keys(r.Errors)) {
		fmt.Fprintf(out, "error %-12s %d\n", string(code)+":", r.Errors[code])
	}
}
