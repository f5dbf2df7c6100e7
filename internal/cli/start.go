package cli

import (
	"fmt"

	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/daemon"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		port            int
		foreground      bool
		dev             bool
		pprofAddr       string
		maintenanceCron string
		enableOtel      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agentbus daemon (maintenance loop + metrics endpoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			opts := daemon.StartOptions{
				Home:            home,
				Port:            port,
				Dev:             dev,
				PprofAddr:       pprofAddr,
				MaintenanceCron: maintenanceCron,
				EnableOtel:      enableOtel,
			}

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting agentbus in foreground (metrics on :%d)\n", port)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agentbus started (pid %d)\n", pid)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 3548, "Port for the /metrics and /healthz endpoints")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&maintenanceCron, "maintenance-cron", "", "Override the configured maintenance sweep schedule")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter)")

	return cmd
}
