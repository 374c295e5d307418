package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var attendeesCmd = &cobra.Command{
	Use:   "attendees",
	Short: "List an event's attendees",
	Long:  "Lists attendees from the remote when reachable, otherwise from the local cache. Queued check-ins are shown as applied.",
	Args:  cobra.NoArgs,
	RunE:  runAttendees,
}

func runAttendees(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	eventID := resolveEvent(cfg)
	if eventID == "" {
		return errors.New("no event: pass --event or set client.default_event")
	}

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	list, err := client.Attendees(ctx, eventID)
	if err != nil {
		return fmt.Errorf("list attendees: %w", err)
	}
	online := client.GetSyncStatus().Online

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"event_id":  eventID,
			"online":    online,
			"attendees": list,
			"total":     len(list),
		})
	}

	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No attendees found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNAME\tCHECKED IN\tAT")
	checkedIn := 0
	for _, a := range list {
		mark := "no"
		if a.CheckedIn {
			mark = "yes"
			checkedIn++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, mark, formatTime(a.CheckedInAt))
	}
	w.Flush()

	source := "remote"
	if !online {
		source = "cache"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d checked in (%s)\n", checkedIn, len(list), source)
	return nil
}
