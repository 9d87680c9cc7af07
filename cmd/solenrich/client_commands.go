package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solenrich/client"
	"github.com/brojonat/solenrich/service/enrich"
	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the solenrich service",
		Subcommands: []*cli.Command{
			clientEnrichCommand(),
			clientGetCommand(),
			clientListCommand(),
			clientBackfillCommand(),
			clientScheduleCommand(),
			clientUnscheduleCommand(),
			clientAwaitCommand(),
			clientStreamCommand(),
		},
	}
}

func newServiceClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func clientEnrichCommand() *cli.Command {
	return &cli.Command{
		Name:      "enrich",
		Usage:     "Post raw transactions to the webhook endpoint",
		ArgsUsage: "<file|->",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "async",
				Usage: "Enrich in a background workflow instead of waiting for the result",
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

			cl := newServiceClient(c)
			if c.Bool("async") {
				result, err := cl.EnrichAsync(c.Context, raws)
				if err != nil {
					return fmt.Errorf("failed to submit transactions: %w", err)
				}
				return outputJSON(c, result)
			}

			enriched, err := cl.Enrich(c.Context, raws)
			if err != nil {
				return fmt.Errorf("failed to enrich transactions: %w", err)
			}
			return outputJSON(c, enriched)
		},
	}
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a stored enriched transaction",
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			txn, err := newServiceClient(c).GetTransaction(c.Context, c.Args().First())
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("transaction not found: %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, txn)
			}
			printTransactionDetailed(txn)
			return nil
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List stored enriched transactions",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "fee-payer", Aliases: []string{"p"}, Usage: "Filter by fee payer address"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Filter by transaction type"},
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "Filter by source"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Limit number of transactions", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "Skip this many transactions"},
		},
		Action: func(c *cli.Context) error {
			txs, err := newServiceClient(c).ListTransactions(c.Context, client.ListParams{
				FeePayer: c.String("fee-payer"),
				Type:     enrich.TransactionType(strings.ToUpper(c.String("type"))),
				Source:   enrich.Source(strings.ToUpper(c.String("source"))),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, txs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tBLOCK TIME\tTYPE\tSOURCE\tDESCRIPTION")
			for _, txn := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					txn.Signature,
					txn.BlockTime.Format(time.RFC3339),
					txn.Type,
					txn.Source,
					txn.Description,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txs))
			return nil
		},
	}
}

func clientBackfillCommand() *cli.Command {
	return &cli.Command{
		Name:      "backfill",
		Usage:     "Fetch a transaction from RPC and enrich it",
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			tx, err := newServiceClient(c).Backfill(c.Context, c.Args().First())
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("transaction not found on chain: %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to backfill transaction: %w", err)
			}
			return outputJSON(c, tx)
		},
	}
}

func clientScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Periodically backfill recent transactions of an address",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "How often to backfill (10s to 24h)",
				Value: 5 * time.Minute,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Recent signatures to check per run (0 = server default)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}

			address := c.Args().First()
			if err := newServiceClient(c).ScheduleBackfill(c.Context, address, c.Duration("interval"), c.Int("limit")); err != nil {
				return fmt.Errorf("failed to schedule backfill: %w", err)
			}

			fmt.Printf("✓ Backfill scheduled: %s (every %v)\n", address, c.Duration("interval"))
			return nil
		},
	}
}

func clientUnscheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "unschedule",
		Usage:     "Stop the periodic backfill of an address",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}

			address := c.Args().First()
			if err := newServiceClient(c).DeleteBackfillSchedule(c.Context, address); err != nil {
				return fmt.Errorf("failed to delete backfill schedule: %w", err)
			}

			fmt.Printf("✓ Backfill unscheduled: %s\n", address)
			return nil
		},
	}
}

func streamFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "type",
			Aliases: []string{"t"},
			Usage:   "Only transactions of this type",
		},
		&cli.StringFlag{
			Name:    "fee-payer",
			Aliases: []string{"p"},
			Usage:   "Only transactions paid for by this address",
		},
		&cli.StringSliceFlag{
			Name:  "must-jq",
			Usage: "jq filter that must evaluate to true (can be specified multiple times, all must match)",
		},
	}
}

func clientAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:  "await",
		Usage: "Block until a matching enriched transaction arrives",
		Description: `Streams enriched transactions from the server and exits with the first match.

Example:
  solenrich client await --type SWAP --fee-payer <address> --must-jq '.source == "JUPITER"'`,
		Flags: append(streamFlags(),
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Filter by exact transaction signature",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "How long to wait for a transaction",
			},
		),
		Action: func(c *cli.Context) error {
			signature := c.String("signature")
			jqFilters := c.StringSlice("must-jq")
			if signature == "" && c.String("type") == "" && c.String("fee-payer") == "" && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --signature, --type, --fee-payer or --must-jq")
			}

			filters, err := compileFilters(jqFilters)
			if err != nil {
				return err
			}

			matcher := func(event *natspkg.EnrichedEvent) bool {
				if signature != "" && event.Signature != signature {
					return false
				}
				return matchesAll(filters, event)
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for transaction (timeout %v)...\n", c.Duration("timeout"))
			}

			txType := enrich.TransactionType(strings.ToUpper(c.String("type")))
			event, err := newServiceClient(c).Await(ctx, txType, c.String("fee-payer"), matcher)
			if err != nil {
				return fmt.Errorf("failed to await transaction: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, event)
			}
			printEvent(1, event)
			return nil
		},
	}
}

func clientStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream enriched transactions from the server (SSE)",
		Flags: streamFlags(),
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			jsonOutput := c.Bool("json")
			count := 0
			txType := enrich.TransactionType(strings.ToUpper(c.String("type")))
			err = newServiceClient(c).Stream(ctx, txType, c.String("fee-payer"), func(event *natspkg.EnrichedEvent) bool {
				if !matchesAll(filters, event) {
					return true
				}
				count++
				if jsonOutput {
					if err := writeJSON(c.App.Writer, event); err != nil {
						return false
					}
					return true
				}
				printEvent(count, event)
				return true
			})
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d transactions\n", count)
			}
			return err
		},
	}
}

func printTransactionDetailed(txn *client.Transaction) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Signature:   %s\n", txn.Signature)
	fmt.Printf("Type:        %s\n", txn.Type)
	fmt.Printf("Source:      %s\n", txn.Source)
	fmt.Printf("Fee Payer:   %s\n", txn.FeePayer)
	fmt.Printf("Fee:         %.9f SOL\n", float64(txn.Fee)/1e9)
	fmt.Printf("Slot:        %d\n", txn.Slot)
	if !txn.BlockTime.IsZero() {
		fmt.Printf("Block Time:  %s\n", txn.BlockTime.Format(time.RFC3339))
	}
	fmt.Printf("Description: %s\n", txn.Description)
	if txn.Error != nil {
		fmt.Printf("Error:       %s\n", *txn.Error)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
