package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var checkinUndo bool

var checkinCmd = &cobra.Command{
	Use:   "checkin <attendee-id>",
	Short: "Check an attendee in (or out with --undo)",
	Long: "Writes the check-in directly when the remote is reachable. Offline, the " +
		"write is queued and sent by the agent or 'rollcall sync'.",
	Args: cobra.ExactArgs(1),
	RunE: runCheckin,
}

func init() {
	checkinCmd.Flags().BoolVar(&checkinUndo, "undo", false, "Undo the check-in")
}

func runCheckin(cmd *cobra.Command, args []string) error {
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

	attendeeID := args[0]
	res := client.ToggleState(ctx, attendeeID, !checkinUndo, resolveEvent(cfg))

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	}
	if !res.Success {
		return errors.New(res.Error)
	}

	verb := "Checked in"
	if checkinUndo {
		verb = "Undid check-in for"
	}
	if res.Queued {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (queued, will sync when online)\n", verb, attendeeID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, attendeeID)
	return nil
}
