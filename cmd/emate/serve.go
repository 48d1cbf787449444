package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision service (HTTP, WebSocket stream, metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

// #region serve
// serve runs every long-lived component until ctx is cancelled or one of
// them fails.
func serve(ctx context.Context) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	sc := server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}
	if serveAddr != "" {
		sc.Addr = serveAddr
	}
	srv := server.New(sc, a.engine, a.metrics, a.registry, logger)

	logger.Info("decision core starting",
		zap.String("addr", sc.Addr),
		zap.String("mode", string(cfg.Mode())),
		zap.String("persona", cfg.Persona.Default),
		zap.Int("scheduled_jobs", a.scheduler.Jobs()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return a.collector.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	if a.writer != nil {
		g.Go(func() error { return a.writer.Run(gctx) })
	}
	if cfg.Persona.Watch && cfg.Persona.Dir != "" {
		if err := os.MkdirAll(cfg.Persona.Dir, 0o755); err != nil {
			return err
		}
		w, err := persona.NewWatcher(cfg.Persona.Dir, a.personas, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	// rewards drained at shutdown may land after the scheduler's last flush
	if _, ferr := a.scheduler.FlushSnapshot(context.Background(), false); ferr != nil && err == nil {
		err = ferr
	}
	logger.Info("decision core stopped", zap.Error(err))
	return err
}

// #endregion serve
