package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"sqlassist/internal/api"
	"sqlassist/pkg/logger"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.NewServer(cfg.Server.Address, a.machine,
				api.WithCORSOrigins(cfg.Server.CORSOrigins...),
				api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
				api.WithAPITokens(cfg.Server.ResolveAPITokens()...),
				api.WithHealthCheck("database", a.pool.Ping),
			)
			logger.L().Info("sqlassistd starting",
				"addr", cfg.Server.Address,
				"database", cfg.Database.Driver,
				"sessions", cfg.Sessions.Driver,
				"llm", cfg.LLM.Provider,
				"skills", a.skills.Len(),
			)
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}
