package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapgrid/snapgrid/bundle"
	"github.com/snapgrid/snapgrid/capture"
	"github.com/snapgrid/snapgrid/config"
	"github.com/snapgrid/snapgrid/logging"
	"github.com/snapgrid/snapgrid/runner"
	"github.com/snapgrid/snapgrid/server"
	"github.com/snapgrid/snapgrid/service"
	"github.com/snapgrid/snapgrid/store"
	"github.com/snapgrid/snapgrid/submission"
)

const version = "0.2.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "snapgrid",
		Short: "Batch webpage screenshot engine",
	}
	root.AddCommand(newServeCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("snapgrid", version)
		},
	}
}

func serve(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log, logCleanup, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer logCleanup()

	ctx := context.Background()

	st, storeCleanup, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer storeCleanup()

	backend := capture.NewChrome(capture.ChromeConfig{
		Binary:  cfg.Capture.Binary,
		Timeout: cfg.Capture.Timeout,
	}, log.WithField("component", "capture"))
	if err := backend.Warmup(ctx); err != nil {
		log.WithError(err).Warn("capture backend not ready, tasks will fail until a browser binary is available")
	}

	run := runner.New(st, backend, runner.Config{WaitCeilingMs: cfg.Capture.MaxWaitMs}, log.WithField("component", "runner"))
	svc := service.New(st, run, submission.NewBuilder(cfg.Capture.MaxWaitMs), bundle.NewZip(log.WithField("component", "bundle")), service.Config{
		Workers:    cfg.Workers.Count,
		QueueSize:  cfg.Workers.QueueSize,
		OutputRoot: cfg.Output.Root,
	}, log.WithField("component", "service"))

	srv := server.New(svc, cfg.Server, log.WithField("component", "server"))

	svc.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := svc.Shutdown(30 * time.Second); err != nil {
		log.WithError(err).Warn("task workers did not drain in time")
	}
	log.Info("engine stopped")
	return <-errCh
}
