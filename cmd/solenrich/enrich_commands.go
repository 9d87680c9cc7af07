package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/brojonat/solenrich/service/enrich"
	"github.com/urfave/cli/v2"
)

// enrichCommand enriches raw transactions locally, without a server.
func enrichCommand() *cli.Command {
	return &cli.Command{
		Name:      "enrich",
		Usage:     "Enrich raw transactions from a file or stdin",
		ArgsUsage: "<file|->",
		Description: `Reads a JSON array of raw transactions (the webhook delivery format) and
writes the enriched records to stdout.

Example:
  solenrich enrich delivery.json --jq '.[] | {signature, type, description}'
  cat delivery.json | solenrich enrich -`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "registry",
				Aliases: []string{"r"},
				Usage:   "Program registry file (defaults to the built-in registry)",
				EnvVars: []string{"REGISTRY_PATH"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Enrichment workers (0 = number of CPUs)",
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

			registry, err := loadRegistry(c.String("registry"))
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			enricher := enrich.NewEnricher(registry, c.Int("workers"), nil, logger)

			enriched, err := enricher.EnrichBatch(context.Background(), raws)
			if err != nil {
				return fmt.Errorf("failed to enrich transactions: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, enriched)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tTYPE\tSOURCE\tDESCRIPTION")
			failed := 0
			for _, tx := range enriched {
				description := tx.Description
				if tx.Error != "" {
					description = "error: " + tx.Error
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tx.Signature, tx.Type, tx.Source, description)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions (%d failed)\n", len(enriched), failed)
			return nil
		},
	}
}

func readRawTransactions(path string, stdin io.Reader) ([]enrich.RawTransaction, error) {
	var rd io.Reader
	if path == "-" {
		rd = stdin
		if rd == nil {
			rd = os.Stdin
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		rd = f
	}

	var raws []enrich.RawTransaction
	if err := json.NewDecoder(rd).Decode(&raws); err != nil {
		return nil, fmt.Errorf("input must be a JSON array of transactions: %w", err)
	}
	return raws, nil
}

func loadRegistry(path string) (*enrich.Registry, error) {
	if path == "" {
		return enrich.DefaultRegistry(), nil
	}
	registry, err := enrich.LoadRegistryFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return registry, nil
}

func registryCommands() *cli.Command {
	registryFlag := &cli.StringFlag{
		Name:    "registry",
		Aliases: []string{"r"},
		Usage:   "Program registry file (defaults to the built-in registry)",
		EnvVars: []string{"REGISTRY_PATH"},
	}

	return &cli.Command{
		Name:  "registry",
		Usage: "Program registry commands",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Usage:   "List known programs",
				Aliases: []string{"ls"},
				Flags:   []cli.Flag{registryFlag},
				Action: func(c *cli.Context) error {
					registry, err := loadRegistry(c.String("registry"))
					if err != nil {
						return err
					}

					if c.Bool("json") || c.String("jq") != "" {
						return outputJSON(c, registry)
					}

					w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ADDRESS\tSOURCE\tPROGRAM\tKIND\tINSTRUCTIONS")
					entries := registry.Entries()
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", e.Address, e.Source, e.ProgramName, e.Kind, len(e.Instructions))
					}
					w.Flush()

					fmt.Fprintf(os.Stderr, "\nTotal: %d programs, %d stable mints\n", len(entries), len(registry.StableMints()))
					return nil
				},
			},
			{
				Name:      "lookup",
				Usage:     "Look up a program address",
				ArgsUsage: "<address>",
				Flags:     []cli.Flag{registryFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: program address")
					}

					registry, err := loadRegistry(c.String("registry"))
					if err != nil {
						return err
					}

					entry, ok := registry.Lookup(c.Args().First())
					if !ok {
						return fmt.Errorf("unknown program: %s", c.Args().First())
					}

					if c.Bool("json") || c.String("jq") != "" {
						return outputJSON(c, entry)
					}

					fmt.Fprintf(c.App.Writer, "Address:      %s\n", entry.Address)
					fmt.Fprintf(c.App.Writer, "Source:       %s\n", entry.Source)
					fmt.Fprintf(c.App.Writer, "Program:      %s\n", entry.ProgramName)
					fmt.Fprintf(c.App.Writer, "Kind:         %s\n", entry.Kind)
					for _, prefix := range slices.Sorted(maps.Keys(entry.Instructions)) {
						fmt.Fprintf(c.App.Writer, "  %-10s  %s\n", prefix, entry.Instructions[prefix])
					}
					return nil
				},
			},
		},
	}
}
