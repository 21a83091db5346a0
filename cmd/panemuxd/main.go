package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/panemux/panemux/internal/config"
	"github.com/panemux/panemux/internal/logger"
	"github.com/panemux/panemux/internal/registry"
	"github.com/panemux/panemux/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "panemuxd",
		Short: "panemux session daemon",
		Long:  "panemuxd owns long-lived terminal sessions so UI panes can detach and reattach without losing state.",
		RunE:  runDaemon,
	}

	root.Flags().String("config", config.ConfigPath(), "config file path")
	root.Flags().String("socket", "", "unix socket path (overrides config)")
	root.Flags().String("db", "", "database path (overrides config)")
	root.Flags().String("log-file", "", "log file path (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if sock, _ := cmd.Flags().GetString("socket"); sock != "" {
		cfg.Daemon.SocketPath = sock
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Daemon.DatabasePath = db
	}
	if lf, _ := cmd.Flags().GetString("log-file"); lf != "" {
		cfg.Logging.File = lf
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := config.EnsureDir(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	token, err := loadOrCreateToken(config.TokenPath())
	if err != nil {
		return fmt.Errorf("auth token: %w", err)
	}

	st, err := store.Open(cfg.Daemon.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := registry.New(registry.Options{
		Shell:           cfg.Session.Shell,
		DefaultCwd:      cfg.Session.DefaultCwd,
		ScrollbackLines: cfg.Session.ScrollbackLines,
		WriteQueueDepth: cfg.Session.WriteQueueDepth,
	}, st)
	srv := registry.NewServer(reg, token, cfg.Daemon.StreamRateKB)

	os.Remove(cfg.Daemon.SocketPath)
	lis, err := net.Listen("unix", cfg.Daemon.SocketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	os.Chmod(cfg.Daemon.SocketPath, 0600)

	httpSrv := &http.Server{Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("panemuxd listening", "socket", cfg.Daemon.SocketPath)
		errCh <- httpSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down, persisting sessions")
		reg.Shutdown()
		httpSrv.Close()
		os.Remove(cfg.Daemon.SocketPath)
		return nil
	case err := <-errCh:
		return err
	}
}

// loadOrCreateToken reads the daemon auth token, minting one on first run.
func loadOrCreateToken(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	token := uuid.New().String()
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", err
	}
	return token, nil
}
