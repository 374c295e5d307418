package main

import (
	"fmt"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var (
	queueListFailed bool
	pruneOlderThan  time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the offline queue",
	Long:  "List, summarize, clear and prune queued check-ins without running the agent.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending check-ins (or failed ones with --failed)",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete check-ins that ran out of attempts",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced history",
	Args:  cobra.NoArgs,
	RunE:  runQueuePrune,
}

func init() {
	queueListCmd.Flags().BoolVar(&queueListFailed, "failed", false, "List check-ins that ran out of attempts")
	queuePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0,
		"Only prune entries synced longer ago than this (default: queue.retention)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queuePruneCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := openOfflineClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	var ops []types.QueuedOperation
	if queueListFailed {
		ops, err = client.FailedOperations(ctx, resolveEvent(cfg))
	} else {
		ops, err = client.PendingOperations(ctx, resolveEvent(cfg))
	}
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	if ops == nil {
		ops = []types.QueuedOperation{}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"operations": ops,
			"total":      len(ops),
		})
	}

	if len(ops) == 0 {
		if queueListFailed {
			fmt.Fprintln(cmd.OutOrStdout(), "No failed check-ins.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "No check-ins waiting.")
		}
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tATTENDEE\tEVENT\tACTION\tATTEMPTS\tQUEUED\tLAST ERROR")
	for _, op := range ops {
		action := "check in"
		if !op.DesiredState {
			action = "undo"
		}
		queued := op.QueuedAt
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID,
			op.TargetID,
			op.ScopeID,
			action,
			op.Attempts,
			formatTime(&queued),
			orDash(op.LastError),
		)
	}
	w.Flush()
	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := openOfflineClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.QueueStats(ctx, resolveEvent(cfg))
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Pending:\t%d\n", stats.Pending)
	fmt.Fprintf(w, "Failed:\t%d\n", stats.Exhausted)
	fmt.Fprintf(w, "Synced:\t%d\n", stats.Synced)
	fmt.Fprintf(w, "Total:\t%d\n", stats.Total)
	fmt.Fprintf(w, "Oldest waiting:\t%s\n", formatTime(stats.OldestQueuedAt))
	w.Flush()
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := openOfflineClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.ClearFailed(ctx, resolveEvent(cfg))
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d failed check-in(s).\n", n)
	return nil
}

func runQueuePrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := openOfflineClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.PruneSynced(ctx, pruneOlderThan)
	if err != nil {
		return fmt.Errorf("prune queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"pruned": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d synced check-in(s).\n", n)
	return nil
}
