package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/rollcall/internal/checkin"
	"github.com/hyperengineering/rollcall/internal/config"
	"github.com/hyperengineering/rollcall/internal/live"
	"github.com/hyperengineering/rollcall/internal/queue"
	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	jsonOutput    bool
	eventOverride string
)

var rootCmd = &cobra.Command{
	Use:           "rollcall",
	Short:         "Rollcall - offline-first event check-in",
	Long:          "Runs the check-in sync agent. Subcommands check attendees in, drain the offline queue and serve a reference authority.",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          runAgent,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&eventOverride, "event", "",
		"Event ID (overrides config and ROLLCALL_EVENT)")

	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(attendeesCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(authorityCmd)
}

// loadConfig loads configuration and installs the default logger writing to w.
func loadConfig(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(w, cfg.Log))
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveEvent returns --event, falling back to the configured default.
func resolveEvent(cfg *config.Config) string {
	if eventOverride != "" {
		return eventOverride
	}
	return cfg.Client.DefaultEvent
}

// clientConfig maps loaded configuration onto the check-in client.
func clientConfig(cfg *config.Config) checkin.Config {
	return checkin.Config{
		DatabasePath:   cfg.Database.Path,
		BaseURL:        cfg.Remote.BaseURL,
		APIKey:         cfg.Remote.APIKey,
		RequestTimeout: cfg.Remote.Timeout.Std(),
		Queue: queue.Config{
			MaxSize:         cfg.Queue.MaxSize,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			Retention:       cfg.Queue.Retention.Std(),
			ExhaustedExpiry: cfg.Queue.ExhaustedExpiry.Std(),
		},
		PollInterval:  cfg.Sync.PollInterval.Std(),
		RetryInterval: cfg.Sync.RetryInterval.Std(),
		Live: live.Options{
			MaxAttempts: cfg.Live.MaxAttempts,
			BaseDelay:   cfg.Live.BaseDelay.Std(),
			OnError: func(key string, err error) {
				slog.Error("live channel gave up", "component", "live", "channel", key, "error", err)
			},
		},
		FeedReadTimeout:  cfg.Live.ReadTimeout.Std(),
		FeedPingInterval: cfg.Live.PingInterval.Std(),
	}
}

// openClient opens the check-in client and probes the remote once so the
// first write knows whether to go direct or queue.
func openClient(ctx context.Context, cfg *config.Config) (*checkin.Client, error) {
	c, err := checkin.New(clientConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	c.CheckConnectivity(ctx)
	return c, nil
}

// openOfflineClient opens the client without touching the network.
func openOfflineClient(cfg *config.Config) (*checkin.Client, error) {
	c, err := checkin.New(clientConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	return c, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	slog.Info("configuration loaded", "remote", cfg.Remote.BaseURL)

	client, err := checkin.New(clientConfig(cfg))
	if err != nil {
		return err
	}
	slog.Info("client initialized", "path", cfg.Database.Path, "device_id", client.DeviceID())

	unsubStatus := client.SubscribeToSyncStatus(func(s types.SyncStatus) {
		slog.Info("sync status",
			"component", "syncer",
			"online", s.Online,
			"syncing", s.IsSyncing,
			"pending", s.PendingCount,
			"exhausted", s.ExhaustedCount,
		)
	})
	defer unsubStatus()

	unsubRefresh := client.SubscribeToRefresh(func(ev types.RefreshEvent) {
		slog.Debug("refresh", "reason", ev.Reason, "scope_id", ev.ScopeID)
	})
	defer unsubRefresh()

	if eventID := resolveEvent(cfg); eventID != "" {
		unsubLive := client.SubscribeToLiveChanges(eventID,
			func(ev types.ChangeEvent) {
				slog.Info("attendee changed",
					"component", "live",
					"type", ev.Type,
					"attendee_id", ev.Record.ID,
					"checked_in", ev.Record.CheckedIn,
				)
			},
			func() {
				slog.Info("live feed reconnected", "component", "live", "event_id", eventID)
			},
		)
		defer unsubLive()
		slog.Info("live feed subscribed", "event_id", eventID)
	}

	if err := client.Start(ctx); err != nil {
		client.Close()
		return err
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "queue-report", func(ctx context.Context) {
		reportQueue(ctx, client, 5*time.Minute)
	})

	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()
	if err := client.Close(); err != nil {
		slog.Error("client close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// reportQueue logs queue totals on an interval while anything is waiting.
func reportQueue(ctx context.Context, client *checkin.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := client.QueueStats(ctx, "")
			if err != nil {
				slog.Warn("queue stats failed", "component", "queue", "error", err)
				continue
			}
			if stats.Pending == 0 && stats.Exhausted == 0 {
				continue
			}
			slog.Info("queue waiting",
				"component", "queue",
				"pending", stats.Pending,
				"exhausted", stats.Exhausted,
				"oldest_queued_at", stats.OldestQueuedAt,
			)
		}
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
