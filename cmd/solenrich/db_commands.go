package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solenrich/service/db"
	"github.com/brojonat/solenrich/service/enrich"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// storedView is the JSON shape of a stored transaction on the command line.
type storedView struct {
	Signature   string                     `json:"signature"`
	Slot        uint64                     `json:"slot"`
	BlockTime   time.Time                  `json:"block_time"`
	Type        enrich.TransactionType     `json:"type"`
	Source      enrich.Source              `json:"source"`
	FeePayer    string                     `json:"fee_payer"`
	Fee         uint64                     `json:"fee"`
	Description string                     `json:"description"`
	Error       *string                    `json:"error,omitempty"`
	Transaction enrich.EnrichedTransaction `json:"transaction"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

func toStoredView(st *db.StoredTransaction) storedView {
	return storedView{
		Signature:   st.Signature,
		Slot:        st.Slot,
		BlockTime:   st.BlockTime,
		Type:        st.Type,
		Source:      st.Source,
		FeePayer:    st.FeePayer,
		Fee:         st.Fee,
		Description: st.Description,
		Error:       st.Error,
		Transaction: st.Transaction,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Get a stored enriched transaction",
		Aliases:   []string{"get"},
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			st, err := store.GetEnrichedTransaction(context.Background(), c.Args().First())
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("transaction not found: %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, toStoredView(st))
			}

			printStored(st)
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List stored enriched transactions, newest first",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "fee-payer",
				Aliases: []string{"p"},
				Usage:   "Filter by fee payer address",
			},
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Filter by transaction type (e.g. SWAP)",
			},
			&cli.StringFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Usage:   "Filter by source (e.g. JUPITER)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
		},
		Action: func(c *cli.Context) error {
			params := db.ListEnrichedTransactionsParams{
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			}
			if params.Limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			if params.Offset < 0 {
				return fmt.Errorf("--offset cannot be negative")
			}
			if v := c.String("fee-payer"); v != "" {
				params.FeePayer = &v
			}
			if v := c.String("type"); v != "" {
				t := enrich.ParseTransactionType(strings.ToUpper(v))
				if t == enrich.TransactionTypeUnknown && !strings.EqualFold(v, string(enrich.TransactionTypeUnknown)) {
					return fmt.Errorf("unknown transaction type: %s", v)
				}
				params.Type = &t
			}
			if v := c.String("source"); v != "" {
				s := enrich.ParseSource(strings.ToUpper(v))
				if s == enrich.SourceUnknown && !strings.EqualFold(v, string(enrich.SourceUnknown)) {
					return fmt.Errorf("unknown source: %s", v)
				}
				params.Source = &s
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txs, err := store.ListEnrichedTransactions(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				views := make([]storedView, len(txs))
				for i, st := range txs {
					views[i] = toStoredView(st)
				}
				return outputJSON(c, views)
			}

			if len(txs) == 0 {
				fmt.Println("No transactions found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tBLOCK TIME\tTYPE\tSOURCE\tFEE PAYER")
			for _, st := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					st.Signature,
					st.BlockTime.Format(time.RFC3339),
					st.Type,
					st.Source,
					st.FeePayer,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txs))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Count stored transactions by type",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountByType(context.Background())
			if err != nil {
				return fmt.Errorf("failed to count transactions: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, counts)
			}

			types := make([]enrich.TransactionType, 0, len(counts))
			var total int64
			for t, n := range counts {
				types = append(types, t)
				total += n
			}
			// Largest first, ties by name.
			slices.SortFunc(types, func(a, b enrich.TransactionType) int {
				if counts[a] != counts[b] {
					if counts[a] > counts[b] {
						return -1
					}
					return 1
				}
				return strings.Compare(string(a), string(b))
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tCOUNT")
			for _, t := range types {
				fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", total)
			return nil
		},
	}
}

func printStored(st *db.StoredTransaction) {
	fmt.Printf("Signature:   %s\n", st.Signature)
	fmt.Printf("Slot:        %d\n", st.Slot)
	fmt.Printf("Block Time:  %s\n", st.BlockTime.Format(time.RFC3339))
	fmt.Printf("Type:        %s\n", st.Type)
	fmt.Printf("Source:      %s\n", st.Source)
	fmt.Printf("Fee Payer:   %s\n", st.FeePayer)
	fmt.Printf("Fee:         %d lamports\n", st.Fee)
	fmt.Printf("Description: %s\n", st.Description)
	if st.Error != nil {
		fmt.Printf("Error:       %s\n", *st.Error)
	}
	fmt.Printf("Transfers:   %d native, %d token\n", len(st.Transaction.NativeTransfers), len(st.Transaction.TokenTransfers))
	fmt.Printf("Updated:     %s\n", st.UpdatedAt.Format(time.RFC3339))
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}
