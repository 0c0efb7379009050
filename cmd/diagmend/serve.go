package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sanitize and heal endpoints over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}

	st, err := buildStack(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	srv := server.New(server.Config{
		Addr:     addr,
		Healer:   st.controller,
		Oracle:   st.engine,
		Cache:    st.cache,
		Sanitize: sanitizeOptions(cfg),
		Metrics:  st.metrics,
		Logger:   logger,
	})
	return srv.ListenAndServe()
}
