package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/splitledger/service/split"
	"github.com/brojonat/splitledger/service/temporal"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List all Temporal schedules",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Only schedules whose id starts with this prefix",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ids, err := tc.ListSchedules(context.Background())
			if err != nil {
				return err
			}

			prefix := c.String("prefix")
			kept := make([]string, 0, len(ids))
			for _, id := range ids {
				if strings.HasPrefix(id, prefix) {
					kept = append(kept, id)
				}
			}

			if c.Bool("json") {
				return outputJSON(kept)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID")
			for _, id := range kept {
				fmt.Fprintf(w, "%s\n", id)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(kept))
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe a Temporal schedule",
		Aliases:   []string{"desc"},
		ArgsUsage: "<schedule-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}

			scheduleID := c.Args().First()
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			desc, err := handle.Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			fmt.Printf("Schedule ID:    %s\n", scheduleID)
			fmt.Printf("State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Printf("Paused:         %v\n", desc.Schedule.State.Paused)

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Printf("\nWorkflow:\n")
				fmt.Printf("  Workflow:     %v\n", wa.Workflow)
				fmt.Printf("  Task Queue:   %s\n", wa.TaskQueue)
				fmt.Printf("  Args:         %v\n", wa.Args)
			}

			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Printf("  Interval %d:   Every %v\n", i+1, interval.Every)
			}

			fmt.Printf("\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Printf("Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a Temporal schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via splitledger CLI",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}
			scheduleID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: c.String("note")}); err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}

			fmt.Printf("✓ Schedule paused: %s\n", scheduleID)
			return nil
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused Temporal schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via splitledger CLI",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}
			scheduleID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: c.String("note")}); err != nil {
				return fmt.Errorf("failed to resume schedule: %w", err)
			}

			fmt.Printf("✓ Schedule resumed: %s\n", scheduleID)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the sync schedule of a split",
		ArgsUsage: "<split-address> <merchant-wallet>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: split-address merchant-wallet")
			}
			splitAddr, ok := split.NormalizeAddress(c.Args().Get(0))
			if !ok {
				return fmt.Errorf("invalid split address: %s", c.Args().Get(0))
			}
			merchant, ok := split.NormalizeAddress(c.Args().Get(1))
			if !ok {
				return fmt.Errorf("invalid merchant wallet: %s", c.Args().Get(1))
			}

			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete schedule %s? (yes/no): ", temporal.ScheduleID(splitAddr, merchant))
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteSplitSchedule(context.Background(), splitAddr, merchant); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule deleted: %s\n", temporal.ScheduleID(splitAddr, merchant))
			return nil
		},
	}
}

func indexAllScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "index-all-schedule",
		Usage:     "Create or replace the schedule that indexes every bound split",
		ArgsUsage: "<interval>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: interval")
			}
			interval, err := time.ParseDuration(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
			if interval < time.Minute {
				return fmt.Errorf("interval must be at least 1m")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertIndexAllSchedule(context.Background(), interval); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule set: %s every %v\n", temporal.IndexAllScheduleID, interval)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Start a split sync workflow and optionally wait for its result",
		ArgsUsage: "<split-address> <merchant-wallet>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Re-read the split from its start block",
			},
			&cli.StringSliceFlag{
				Name:  "tx",
				Usage: "Reconcile these transaction hashes (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the workflow to finish and print its result",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: split-address merchant-wallet")
			}
			splitAddr, ok := split.NormalizeAddress(c.Args().Get(0))
			if !ok {
				return fmt.Errorf("invalid split address: %s", c.Args().Get(0))
			}
			merchant, ok := split.NormalizeAddress(c.Args().Get(1))
			if !ok {
				return fmt.Errorf("invalid merchant wallet: %s", c.Args().Get(1))
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			workflowID, err := tc.StartSyncSplit(ctx, temporal.SyncSplitInput{
				SplitAddress:   splitAddr,
				MerchantWallet: merchant,
				Trigger:        "manual",
				TxHashes:       split.NormalizeTxHashes(c.StringSlice("tx")),
				ForceReindex:   c.Bool("force"),
				ReconcileAll:   true,
				CorrelationID:  uuid.NewString(),
			})
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				fmt.Printf("✓ Workflow started: %s\n", workflowID)
				return nil
			}

			var result temporal.SyncSplitResult
			if err := tc.SDKClient().GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
				return fmt.Errorf("workflow %s failed: %w", workflowID, err)
			}
			return outputJSON(result)
		},
	}
}

// getTemporalClient dials Temporal using the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "splitledger-sync"
	}

	// Temporal's own logging is noise on a terminal.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return temporal.NewClient(host, namespace, taskQueue, logger)
}
