package main

import (
	"fmt"

	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued check-ins now",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	result, message := client.ForceSync(ctx)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), struct {
			Result  types.SyncResult `json:"result"`
			Message string           `json:"message"`
			Status  types.SyncStatus `json:"status"`
		}{result, message, client.GetSyncStatus()})
	}

	fmt.Fprintln(cmd.OutOrStdout(), message)
	return nil
}
