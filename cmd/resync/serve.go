package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TFMV/resync/api"
)

func newServeCommand(configPath *string) *cobra.Command {
	var port int
	var prefork bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the resync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, overrides{})
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("prefork") {
				cfg.Server.Prefork = prefork
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			s := api.NewServer(api.ServerOptions{
				Port:        strconv.Itoa(cfg.Server.Port),
				Prefork:     cfg.Server.Prefork,
				Runner:      a.orch,
				Tasks:       a.tasks,
				Concurrency: cfg.Global.Concurrency,
				Metrics:     a.collector.Handler(),
				Logger:      a.logger,
			})
			return s.Start()
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on (default from config)")
	cmd.Flags().BoolVar(&prefork, "prefork", false, "Use fiber prefork")
	return cmd
}
