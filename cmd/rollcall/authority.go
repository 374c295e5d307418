package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/rollcall/internal/authority"
	"github.com/spf13/cobra"
)

var (
	authorityPort   int
	authorityRoster string
)

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Serve the reference check-in authority",
	Long: "Serves the remote API and push feed from an in-memory roster seeded " +
		"from a YAML file. Useful for local testing and demos.",
	Args: cobra.NoArgs,
	RunE: runAuthority,
}

func init() {
	authorityCmd.Flags().IntVar(&authorityPort, "port", 0, "Listen port (overrides authority.port)")
	authorityCmd.Flags().StringVar(&authorityRoster, "roster", "", "Roster YAML file (overrides authority.roster_path)")
}

func loadRoster(path string) (*authority.Roster, error) {
	seed, err := authority.LoadRosterFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("roster file not found, starting empty", "component", "authority", "path", path)
		return authority.NewRoster(nil)
	}
	if err != nil {
		return nil, err
	}
	return authority.NewRoster(seed)
}

func runAuthority(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	rosterPath := cfg.Authority.RosterPath
	if authorityRoster != "" {
		rosterPath = authorityRoster
	}
	roster, err := loadRoster(rosterPath)
	if err != nil {
		return err
	}
	slog.Info("roster loaded", "path", rosterPath, "events", len(roster.Events()))

	hub := authority.NewHub()
	handler := authority.NewHandler(roster, hub, cfg.Authority.APIKey, Version)
	var limiter *authority.WriteRateLimiter
	if cfg.Authority.WriteRate > 0 {
		limiter = authority.NewWriteRateLimiter(cfg.Authority.WriteRate, cfg.Authority.WriteBurst)
	}
	router := authority.NewRouter(handler, limiter)
	slog.Info("router initialized")

	port := cfg.Authority.Port
	if authorityPort != 0 {
		port = authorityPort
	}
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Authority.ShutdownTimeout.Std())
	defer shutdownCancel()

	// Hijacked feed connections are not tracked by Shutdown
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
