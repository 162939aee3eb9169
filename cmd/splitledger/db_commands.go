package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/split"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func jqFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "jq",
		Usage: "Only keep rows for which this jq expression is truthy (repeatable, all must match)",
	}
}

func listBindingsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-bindings",
		Usage:   "List split bindings with ownership diagnostics",
		Aliases: []string{"bindings"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "split",
				Usage: "Only bindings for this split address",
			},
			&cli.StringFlag{
				Name:    "merchant",
				Aliases: []string{"m"},
				Usage:   "Only bindings owned by this merchant wallet",
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			filter, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			var bindings []*db.SplitBinding
			switch {
			case c.String("split") != "":
				addr, ok := split.NormalizeAddress(c.String("split"))
				if !ok {
					return fmt.Errorf("invalid split address: %s", c.String("split"))
				}
				bindings, err = store.ListBindingsBySplitAddress(ctx, addr)
			case c.String("merchant") != "":
				addr, ok := split.NormalizeAddress(c.String("merchant"))
				if !ok {
					return fmt.Errorf("invalid merchant wallet: %s", c.String("merchant"))
				}
				bindings, err = store.ListBindingsByMerchant(ctx, addr)
			default:
				bindings, err = store.ListAllBindings(ctx)
			}
			if err != nil {
				return fmt.Errorf("failed to list bindings: %w", err)
			}

			diagnosed := make([]split.BindingDiagnostics, 0, len(bindings))
			for _, b := range bindings {
				diagnosed = append(diagnosed, split.Diagnose(b))
			}
			diagnosed = filterJQ(filter, diagnosed)

			if c.Bool("json") {
				return outputJSON(diagnosed)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SPLIT\tMERCHANT\tDOC ID\tRECIPIENTS\tWALLET RECIPIENT\tFIRST MATCHES\tUPDATED")
			for _, d := range diagnosed {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%v\t%s\n",
					d.SplitAddress,
					d.MerchantWallet,
					d.DocumentID,
					len(d.Recipients),
					d.HasWalletRecipient,
					d.FirstMatchesWallet,
					d.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d bindings\n", len(diagnosed))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-transactions",
		Usage:     "List indexed ledger rows for a split, newest first",
		Aliases:   []string{"txs"},
		ArgsUsage: "<split-address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Filter by kind (payment, release)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of rows",
				Value:   50,
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: split address")
			}
			addr, ok := split.NormalizeAddress(c.Args().First())
			if !ok {
				return fmt.Errorf("invalid split address: %s", c.Args().First())
			}
			kind := c.String("kind")
			if kind != "" && kind != db.KindPayment && kind != db.KindRelease {
				return fmt.Errorf("kind must be %q or %q", db.KindPayment, db.KindRelease)
			}
			filter, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListSplitTransactions(context.Background(), db.ListSplitTransactionsParams{
				SplitAddress: addr,
				Kind:         kind,
				Limit:        int32(c.Int("limit")),
				NewestFirst:  true,
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			txns = filterJQ(filter, txns)

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TX HASH\tKIND\tTOKEN\tAMOUNT\tRECIPIENT\tBLOCK\tTIMESTAMP")
			for _, tx := range txns {
				kind := tx.Kind
				if tx.ReleaseType != "" {
					kind += "/" + tx.ReleaseType
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					tx.TxHash,
					kind,
					tx.Token,
					tx.Amount.String(),
					tx.Recipient,
					tx.BlockNumber,
					tx.Timestamp.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d rows\n", len(txns))
			return nil
		},
	}
}

func listReceiptsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-receipts",
		Usage:     "List a merchant's receipts and their reconciliation state",
		Aliases:   []string{"receipts"},
		ArgsUsage: "<merchant-wallet>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "since",
				Usage: "Only receipts created within this duration",
				Value: 7 * 24 * time.Hour,
			},
			&cli.BoolFlag{
				Name:  "unlinked",
				Usage: "Only receipts without a transaction hash",
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: merchant wallet")
			}
			merchant, ok := split.NormalizeAddress(c.Args().First())
			if !ok {
				return fmt.Errorf("invalid merchant wallet: %s", c.Args().First())
			}
			filter, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			receipts, err := store.ListReceipts(context.Background(), db.ListReceiptsParams{
				MerchantWallet: merchant,
				Statuses:       c.StringSlice("status"),
				CreatedAfter:   time.Now().Add(-c.Duration("since")),
				OnlyUnlinked:   c.Bool("unlinked"),
			})
			if err != nil {
				return fmt.Errorf("failed to list receipts: %w", err)
			}
			receipts = filterJQ(filter, receipts)

			if c.Bool("json") {
				return outputJSON(receipts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECEIPT\tSTATUS\tEXPECTED USD\tTX HASH\tCREATED")
			for _, r := range receipts {
				expected := "-"
				if r.ExpectedUSD.Valid {
					expected = r.ExpectedUSD.Decimal.StringFixed(2)
				} else if r.TotalUSD.Valid {
					expected = r.TotalUSD.Decimal.StringFixed(2)
				}
				txHash := r.TransactionHash
				if txHash == "" {
					txHash = "(unlinked)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ReceiptID,
					r.Status,
					expected,
					txHash,
					r.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d receipts\n", len(receipts))
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema (idempotent)",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Println("✓ Schema applied")
			return nil
		},
	}
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

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
