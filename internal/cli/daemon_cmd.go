package cli

import (
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		port            int
		dev             bool
		pprofAddr       string
		maintenanceCron string
		enableOtel      bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run the daemon process in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:            home,
				Port:            port,
				Dev:             dev,
				PprofAddr:       pprofAddr,
				MaintenanceCron: maintenanceCron,
				EnableOtel:      enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 3548, "Port for the /metrics and /healthz endpoints")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&maintenanceCron, "maintenance-cron", "", "Override the configured maintenance sweep schedule")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
