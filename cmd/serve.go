package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/expense-outbox/internal/app"
	"github.com/jmehdipour/expense-outbox/internal/config"
	httpSrv "github.com/jmehdipour/expense-outbox/internal/http"
	"github.com/jmehdipour/expense-outbox/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (health, metrics, outbox stats and intake)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := logger.New(cfg.Log.Level)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		a, err := app.Open(cfg, log, reg)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		outboxes := make(map[string]httpSrv.Outbox, len(cfg.Contexts))
		for _, cc := range cfg.Contexts {
			oc, err := a.Context(cc.Name, app.DispatcherConfig(cfg.Dispatcher))
			if err != nil {
				return err
			}
			outboxes[cc.Name] = httpSrv.Outbox{Writer: oc.Writer, Dispatcher: oc.Dispatcher, Repo: oc.Repo}
		}

		var rdb redis.Cmdable
		if a.Redis != nil {
			rdb = a.Redis
		}
		server := httpSrv.NewServer(cfg, outboxes, reg, rdb, log)

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("server stopped")
		return nil
	},
}
