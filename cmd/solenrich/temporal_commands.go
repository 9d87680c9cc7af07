package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solenrich/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List backfill schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			iter, err := tc.SDKClient().ScheduleClient().List(ctx, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			var addresses []string
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				if address, ok := strings.CutPrefix(schedule.ID, temporal.ScheduleIDPrefix); ok {
					addresses = append(addresses, address)
				}
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, addresses)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tSCHEDULE ID")
			for _, address := range addresses {
				fmt.Fprintf(w, "%s\t%s\n", address, temporal.ScheduleID(address))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(addresses))
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe the backfill schedule of an address",
		Aliases:   []string{"desc"},
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}

			scheduleID := temporal.ScheduleID(c.Args().First())
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
		Usage:     "Pause the backfill schedule of an address",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via solenrich CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(ctx context.Context, handle client.ScheduleHandle) error {
				if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: c.String("note")}); err != nil {
					return fmt.Errorf("failed to pause schedule: %w", err)
				}
				fmt.Printf("✓ Schedule paused: %s\n", handle.GetID())
				return nil
			})
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused backfill schedule",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via solenrich CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(ctx context.Context, handle client.ScheduleHandle) error {
				if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: c.String("note")}); err != nil {
					return fmt.Errorf("failed to resume schedule: %w", err)
				}
				fmt.Printf("✓ Schedule resumed: %s\n", handle.GetID())
				return nil
			})
		},
	}
}

func upsertScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "upsert-schedule",
		Usage:     "Create or update the backfill schedule of an address directly in Temporal",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "How often to backfill",
				Value: 5 * time.Minute,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Recent signatures to check per run (0 = server default)",
			},
			&cli.BoolFlag{
				Name:  "no-persist",
				Usage: "Do not write enriched transactions to the database",
			},
			&cli.BoolFlag{
				Name:  "no-publish",
				Usage: "Do not publish enriched transactions to NATS",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			input := temporal.BackfillAddressInput{
				Address: c.Args().First(),
				Limit:   c.Int("limit"),
				Persist: !c.Bool("no-persist"),
				Publish: !c.Bool("no-publish"),
			}
			if err := tc.UpsertBackfillSchedule(context.Background(), input, c.Duration("interval")); err != nil {
				return fmt.Errorf("failed to upsert schedule: %w", err)
			}

			fmt.Printf("✓ Schedule upserted: %s (every %v)\n", temporal.ScheduleID(input.Address), c.Duration("interval"))
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the backfill schedule of an address",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address := c.Args().First()

			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete the backfill schedule of %s? (yes/no): ", address)
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

			if err := tc.DeleteBackfillSchedule(context.Background(), address); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Printf("✓ Schedule deleted: %s\n", temporal.ScheduleID(address))
			return nil
		},
	}
}

func startBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "start-batch",
		Usage:     "Start an enrichment workflow for raw transactions from a file or stdin",
		ArgsUsage: "<file|->",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-persist",
				Usage: "Do not write enriched transactions to the database",
			},
			&cli.BoolFlag{
				Name:  "no-publish",
				Usage: "Do not publish enriched transactions to NATS",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: input file or -")
			}

			raws, err := readRawTransactions(c.Args().First(), c.App.Reader)
			if err != nil {
				return err
			}
			if len(raws) == 0 {
				return fmt.Errorf("input contains no transactions")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			workflowID, err := tc.StartEnrichBatch(context.Background(), temporal.EnrichBatchInput{
				Transactions: raws,
				Persist:      !c.Bool("no-persist"),
				Publish:      !c.Bool("no-publish"),
			})
			if err != nil {
				return fmt.Errorf("failed to start workflow: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, map[string]interface{}{"workflow_id": workflowID, "count": len(raws)})
			}
			fmt.Printf("✓ Workflow started: %s (%d transactions)\n", workflowID, len(raws))
			return nil
		},
	}
}

func withScheduleHandle(c *cli.Context, fn func(context.Context, client.ScheduleHandle) error) error {
	if c.NArg() != 1 {
		return fmt.Errorf("requires exactly one argument: address")
	}

	tc, err := getTemporalClient(c)
	if err != nil {
		return err
	}
	defer tc.Close()

	ctx := context.Background()
	return fn(ctx, tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.ScheduleID(c.Args().First())))
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solenrich-enrichment")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tc, err := temporal.NewClient(host, namespace, taskQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
