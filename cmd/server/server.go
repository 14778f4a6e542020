package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Moe-Sakura/anime-search-api/bangumi"
	"github.com/Moe-Sakura/anime-search-api/cmd/boot"
	"github.com/Moe-Sakura/anime-search-api/config"
	"github.com/Moe-Sakura/anime-search-api/generator"
	"github.com/Moe-Sakura/anime-search-api/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "run search http service.",
	Long:  "run search http service.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run()
	},
}

func init() {
	ServerCmd.Flags().StringVar(
		&HTTPListenAddress, "http", "", "set HTTP listen address, overrides server.addr")
	ServerCmd.Flags().StringVar(
		&ConfigPath, "config", config.DefaultPath, "set config file path")
}

var HTTPListenAddress string
var ConfigPath string

func Run() error {
	app, err := boot.New(ConfigPath, false)
	if err != nil {
		return err
	}
	defer app.Close()

	logger := app.Logger
	cfg := app.Config
	if HTTPListenAddress != "" {
		cfg.Server.Addr = HTTPListenAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 引擎在 http 服务优雅退出之后才停止，进行中的搜索可以正常结束
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	go app.Engine.Run(engineCtx)

	if cfg.Rules.AutoUpdate {
		go func() {
			res, err := server.Update(ctx, app.Syncer, app.Loader, app.Registry, logger)
			if err != nil {
				logger.Warn("initial rule update failed", zap.Error(err))
				return
			}
			logger.Info("initial rule update finished",
				zap.String("commit", res.Commit),
				zap.Bool("up_to_date", res.UpToDate),
				zap.Int("failed", res.Failed),
			)
		}()
	}

	bgm, err := bangumi.New("/bangumi",
		bangumi.WithAPIBase(cfg.Bangumi.APIBase),
		bangumi.WithUserAgent(cfg.Bangumi.UserAgent),
		bangumi.WithToken(cfg.Bangumi.Token),
		bangumi.WithLogger(logger.Named("bangumi")),
	)
	if err != nil {
		return err
	}

	srv, err := server.New(
		server.WithRegistry(app.Registry),
		server.WithSearcher(app.Engine),
		server.WithUpdater(app.Syncer, app.Loader),
		server.WithBangumi(bgm),
		server.WithLogger(logger.Named("http")),
		server.WithNodeID(generator.NodeID(cfg.Server.PodIP)),
		server.WithSearchRate(cfg.Server.SearchRate, cfg.Server.SearchBurst),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("start http server", zap.String("addr", cfg.Server.Addr), zap.Int("rules", app.Registry.Snapshot().Len()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.Deadline+5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
	}

	return nil
}
