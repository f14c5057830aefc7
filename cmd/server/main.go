package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/echocast/internal/console"
	"github.com/Tyrowin/echocast/internal/logging"
	"github.com/Tyrowin/echocast/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting echo server", zap.String("port", cfg.Port))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	registry := server.NewRegistry(logger)
	broadcaster := server.NewBroadcaster(registry, cfg.BroadcastConcurrency, logger)
	srv := server.NewServer(cfg, registry, logger)

	if err := srv.Start(); err != nil {
		return err
	}
	if err := srv.WaitUntilListening(cfg.StartupTimeout); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}
	logger.Info("Server started and listening", zap.Stringer("addr", srv.Addr()))

	heartbeat := server.NewHeartbeat(broadcaster, cfg.HeartbeatPeriod, logger)
	if err := heartbeat.Start(ctx); err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.HTTPEnabled() {
		httpServer = server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(srv, broadcaster))
	}

	g, gctx := errgroup.WithContext(ctx)

	if httpServer != nil {
		g.Go(func() error {
			return server.StartServer(httpServer, logger)
		})
	}

	g.Go(func() error {
		select {
		case err := <-srv.Fatal():
			logger.Error("Server failure", zap.Error(err))
			return err
		case <-gctx.Done():
			return nil
		}
	})

	console.PrintInstructions(os.Stdout, srv.Addr().String(), cfg.Transform, cfg.HeartbeatPeriod)
	g.Go(func() error {
		defer cancel()
		return console.New(os.Stdin, os.Stdout, broadcaster, logger).Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Exiting application...")

		heartbeat.Stop()
		if httpServer != nil {
			_ = server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
