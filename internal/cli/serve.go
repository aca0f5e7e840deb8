package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/healfactory/internal/orchestrator"
	"github.com/lucasnoah/healfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent HTTP API",
	Long: `Start the HTTP API: POST /agent/start launches a run in the background,
GET /agent/status and GET /agent/stream report its progress, POST /agent/query
answers questions about it. /health and /metrics are served alongside.

The server drains in-flight requests and cancels running runs on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		a, cleanup, err := newApp(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		runs := orchestrator.NewSupervisor(gctx, a.orch, logger)
		srv := web.NewServer(web.Options{
			Version:       version,
			Store:         a.store,
			Runs:          runs,
			Hub:           a.hub,
			Audit:         a.db,
			LLM:           a.llm,
			Metrics:       a.metrics,
			MaxIterations: cfg.Agent.MaxIterations,
			Logger:        logger.With("component", "http"),
		})

		g.Go(func() error {
			return srv.Serve(gctx, cfg.Server.Addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			if n := runs.Running(); n > 0 {
				logger.Info("waiting for active runs to abort", "runs", n)
			}
			runs.Wait()
			return nil
		})

		logger.Info("healer started", "version", version, "addr", cfg.Server.Addr)
		err = g.Wait()
		logger.Info("healer stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
}
