package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/littleci/internal/cli"
	"github.com/ehrlich-b/littleci/internal/config"
	"github.com/ehrlich-b/littleci/internal/engine"
	"github.com/ehrlich-b/littleci/internal/server"
	"github.com/ehrlich-b/littleci/internal/storage"
	"github.com/ehrlich-b/littleci/internal/version"
)

const shutdownGrace = 10 * time.Second

// exitCode is set by a subcommand's RunE when it needs to report a
// specific process exit status after its own deferred cleanup has run.
var exitCode int

func main() {
	rootCmd := &cobra.Command{
		Use:     "littleci",
		Short:   "A lightweight CI dispatcher",
		Version: version.Version,
	}

	rootCmd.AddCommand(serveCmd(), runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher server",
		RunE:  runServe,
	}
	cmd.Flags().String("config", ".", "Path to a config file, or a directory containing littleci.json")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.NewSQLite(dbPath(cfg.DataDir), log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	queue := engine.NewQueue(store, cfg.DataDir, log)
	lifecycle := engine.NewLifecycle(store, queue, log)

	if err := lifecycle.Boot(context.Background()); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	auth := server.NewAuthenticator([]byte(cfg.Secret), server.AuthenticationType(cfg.AuthenticationType))
	handler := server.NewHandler(store, queue, auth, log)

	addr := fmt.Sprintf("%s:%d", cfg.NetworkHost, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	code := lifecycle.WaitForShutdownSignal()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	exitCode = code
	return nil
}

func runCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a command locally the way a job would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = cli.Run(cli.RunOptions{Command: args[0], WorkDir: workDir})
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", "", "Working directory (default: current directory)")
	return cmd
}

func dbPath(dataDir string) string {
	return dataDir + "/littleci.sqlite3"
}
