package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/splitledger/client"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the splitledger service",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "HTTP request timeout",
				Value: 60 * time.Second,
			},
		},
		Subcommands: []*cli.Command{
			webhookCommand(),
			indexCommand(),
			reconcileCommand(),
			findCommand(),
			transactionsCommand(),
			bindCommand(),
			dedupeCommand(),
			scheduleCommand(),
			unscheduleCommand(),
			awaitCommand(),
		},
	}
}

func splitAndMerchantFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "split",
			Usage:    "Split contract address",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "merchant",
			Aliases:  []string{"m"},
			Usage:    "Merchant wallet that owns the binding",
			Required: true,
		},
	}
}

func webhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "webhook",
		Usage: "Index a split and reconcile the result, as a checkout webhook would",
		Flags: append(splitAndMerchantFlags(),
			&cli.StringSliceFlag{
				Name:  "tx",
				Usage: "Transaction hash to reconcile (repeatable)",
			},
			&cli.StringFlag{
				Name:  "trigger",
				Usage: "Trigger label recorded with the run",
				Value: "manual",
			},
			&cli.StringFlag{
				Name:  "correlation-id",
				Usage: "Correlation id stamped on ledger rows and links",
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "Return immediately and run the sync as a workflow",
			},
		),
		Action: func(c *cli.Context) error {
			cl := newHTTPClient(c)
			res, err := cl.Webhook(c.Context, client.WebhookRequest{
				SplitAddress:   c.String("split"),
				MerchantWallet: c.String("merchant"),
				Trigger:        c.String("trigger"),
				TxHashes:       c.StringSlice("tx"),
				CorrelationID:  c.String("correlation-id"),
				Async:          c.Bool("async"),
			})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(res)
			}
			if res.WorkflowID != "" {
				fmt.Printf("✓ Sync started: %s\n", res.WorkflowID)
				return nil
			}
			fmt.Printf("✓ Indexed %d new rows (trigger: %s)\n", res.Indexed, res.Trigger)
			printMetrics(res.Metrics)
			if res.Reconcile != nil {
				if !res.Reconcile.OK {
					fmt.Printf("✗ Reconciliation failed: %s\n", res.Reconcile.Error)
				} else {
					printReconcile(res.Reconcile)
				}
			}
			return nil
		},
	}
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Index a split without reconciling",
		Flags: append(splitAndMerchantFlags(),
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Re-read the split from its start block",
			},
		),
		Action: func(c *cli.Context) error {
			cl := newHTTPClient(c)
			res, err := cl.Index(c.Context, c.String("split"), c.String("merchant"), c.Bool("force"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(res)
			}
			fmt.Printf("✓ Indexed %d new rows (%d total)\n", res.Indexed, res.TotalTransactions)
			printMetrics(res.Metrics)
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Link a split's indexed payments to open receipts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "merchant",
				Aliases:  []string{"m"},
				Usage:    "Merchant wallet",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "split",
				Usage: "Split contract address (defaults to the merchant's binding)",
			},
			&cli.StringSliceFlag{
				Name:  "tx",
				Usage: "Only reconcile these transaction hashes (repeatable)",
			},
			&cli.StringFlag{
				Name:  "receipt",
				Usage: "Only consider this receipt",
			},
			&cli.DurationFlag{
				Name:  "window",
				Usage: "Match window between payment and receipt creation (server default when unset)",
			},
			&cli.StringFlag{
				Name:  "tolerance",
				Usage: "Amount tolerance in percent, e.g. 2.5 (server default when unset)",
			},
		},
		Action: func(c *cli.Context) error {
			req := client.ReconcileRequest{
				MerchantWallet: c.String("merchant"),
				SplitAddress:   c.String("split"),
				TxHashes:       c.StringSlice("tx"),
				ReceiptID:      c.String("receipt"),
				TimeWindow:     c.Duration("window"),
			}
			if raw := c.String("tolerance"); raw != "" {
				pct, err := decimal.NewFromString(raw)
				if err != nil {
					return fmt.Errorf("invalid tolerance %q: %w", raw, err)
				}
				req.TolerancePct = decimal.NewNullDecimal(pct)
			}

			cl := newHTTPClient(c)
			res, err := cl.Reconcile(c.Context, req)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(res)
			}
			printReconcile(res)
			return nil
		},
	}
}

func findCommand() *cli.Command {
	return &cli.Command{
		Name:      "find",
		Usage:     "Show every binding of a split address with ownership diagnostics",
		ArgsUsage: "<split-address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: split address")
			}
			cl := newHTTPClient(c)
			bindings, err := cl.FindByAddress(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(bindings)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MERCHANT\tDOC ID\tWALLET RECIPIENT\tFIRST MATCHES\tSHARES BPS\tVALID")
			for _, b := range bindings {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%d\t%v\n",
					b.MerchantWallet,
					b.ID,
					b.HasWalletRecipient,
					b.FirstMatchesWallet,
					b.TotalSharesBps,
					b.Valid,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d bindings\n", len(bindings))
			return nil
		},
	}
}

func transactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Aliases:   []string{"txns", "tx"},
		Usage:     "List a split's ledger, newest first",
		ArgsUsage: "<split-address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of rows (server default when unset)",
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: split address")
			}
			filter, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			cl := newHTTPClient(c)
			txns, err := cl.ListTransactions(c.Context, c.Args().First(), c.Int("limit"))
			if err != nil {
				return err
			}
			txns = filterJQ(filter, txns)

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TX HASH\tKIND\tTOKEN\tAMOUNT\tRECIPIENT\tTIMESTAMP")
			for _, tx := range txns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					tx.TxHash,
					tx.Kind,
					tx.Token,
					tx.Amount.String(),
					tx.Recipient,
					tx.Timestamp.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d rows\n", len(txns))
			return nil
		},
	}
}

func bindCommand() *cli.Command {
	return &cli.Command{
		Name:  "bind",
		Usage: "Create or replace the binding between a merchant and a split",
		Flags: append(splitAndMerchantFlags(),
			&cli.StringSliceFlag{
				Name:     "recipient",
				Aliases:  []string{"r"},
				Usage:    "Recipient as ADDRESS:SHARES_BPS[:ROLE] (repeatable, in contract order)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "brand",
				Usage: "Brand key",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Binding document id (defaults to the merchant wallet)",
			},
		),
		Action: func(c *cli.Context) error {
			recipients, err := parseRecipients(c.StringSlice("recipient"))
			if err != nil {
				return err
			}

			cl := newHTTPClient(c)
			b, err := cl.UpsertBinding(c.Context, client.Binding{
				ID:             c.String("id"),
				MerchantWallet: c.String("merchant"),
				BrandKey:       c.String("brand"),
				SplitAddress:   c.String("split"),
				Recipients:     recipients,
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(b)
			}
			fmt.Printf("✓ Bound %s to %s\n", b.SplitAddress, b.MerchantWallet)
			if !b.HasWalletRecipient {
				fmt.Println("  ⚠ merchant wallet is not a recipient of this split")
			} else if !b.FirstMatchesWallet {
				fmt.Println("  ⚠ merchant wallet is not the first recipient")
			}
			return nil
		},
	}
}

// parseRecipients parses ADDRESS:SHARES_BPS[:ROLE] entries.
func parseRecipients(raw []string) ([]client.Recipient, error) {
	recipients := make([]client.Recipient, 0, len(raw))
	for _, entry := range raw {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid recipient %q: expected ADDRESS:SHARES_BPS[:ROLE]", entry)
		}
		bps, err := strconv.Atoi(parts[1])
		if err != nil || bps < 0 {
			return nil, fmt.Errorf("invalid shares for recipient %q", entry)
		}
		r := client.Recipient{Address: parts[0], SharesBps: bps}
		if len(parts) == 3 {
			r.Role = parts[2]
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

func dedupeCommand() *cli.Command {
	return &cli.Command{
		Name:  "dedupe",
		Usage: "Report split addresses bound to several merchants",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "apply",
				Usage: "Clear the bindings that do not own the split",
			},
		},
		Action: func(c *cli.Context) error {
			cl := newHTTPClient(c)
			res, err := cl.Dedupe(c.Context, c.Bool("apply"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(res)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tSPLIT\tWALLET\tDOC ID\tERROR")
			for _, a := range res.Actions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Action, a.SplitAddress, a.Wallet, a.DocumentID, a.Error)
			}
			w.Flush()

			mode := "dry run"
			if res.Applied {
				mode = "applied"
			}
			fmt.Fprintf(os.Stderr, "\n%s: %d duplicated splits, %d entries cleaned\n", mode, res.DuplicatesFound, res.CleanedEntries)
			return nil
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Create or update the periodic sync of a bound split",
		Flags: append(splitAndMerchantFlags(),
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Poll interval (server default when unset)",
			},
		),
		Action: func(c *cli.Context) error {
			cl := newHTTPClient(c)
			id, err := cl.Schedule(c.Context, c.String("split"), c.String("merchant"), c.Duration("interval"))
			if err != nil {
				return err
			}
			fmt.Printf("✓ Schedule set: %s\n", id)
			return nil
		},
	}
}

func unscheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "unschedule",
		Usage: "Stop the periodic sync of a split",
		Flags: splitAndMerchantFlags(),
		Action: func(c *cli.Context) error {
			cl := newHTTPClient(c)
			if err := cl.Unschedule(c.Context, c.String("split"), c.String("merchant")); err != nil {
				return err
			}
			fmt.Println("✓ Schedule deleted")
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a matching transaction is indexed for a split",
		ArgsUsage: "<split-address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tx-hash",
				Usage: "Match this transaction hash",
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Match this kind (payment, release)",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq expression the event must satisfy (repeatable)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: split address")
			}
			txHash := strings.ToLower(c.String("tx-hash"))
			kind := c.String("kind")
			filter, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			if txHash == "" && kind == "" && len(filter) == 0 {
				return fmt.Errorf("must specify at least one filter: --tx-hash, --kind, or --must-jq")
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for transaction on %s (timeout %s)...\n", c.Args().First(), c.Duration("timeout"))
			}

			cl := newHTTPClient(c)
			ev, err := cl.Await(ctx, c.Args().First(), func(ev *client.StreamEvent) bool {
				if txHash != "" && ev.TxHash != txHash {
					return false
				}
				if kind != "" && ev.Kind != kind {
					return false
				}
				return filter.Match(ev)
			})
			if err != nil {
				return fmt.Errorf("await failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(ev)
			}
			fmt.Printf("✓ %s %s %s %s → %s (block %d)\n", ev.TxHash, ev.Kind, ev.Amount.String(), ev.Token, ev.Recipient, ev.BlockNumber)
			return nil
		},
	}
}

func newHTTPClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	timeout := c.Duration("request-timeout")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, logger)
}

func printMetrics(m client.Metrics) {
	fmt.Printf("  Volume:    $%s across %d transactions\n", m.TotalVolumeUSD.StringFixed(2), m.TransactionCount)
	fmt.Printf("  Merchant:  $%s\n", m.MerchantEarnedUSD.StringFixed(2))
	fmt.Printf("  Platform:  $%s\n", m.PlatformFeeUSD.StringFixed(2))
	fmt.Printf("  Customers: %d (%d XP)\n", m.Customers, m.TotalCustomerXP)
}

func printReconcile(r *client.ReconcileResult) {
	fmt.Printf("✓ Reconciled %s: %d newly linked, %d matched, %d unmatched\n", r.SplitAddress, r.Reconciled, r.MatchedCount, len(r.Unmatched))
	for _, m := range r.Matched {
		fmt.Printf("  %s → %s (%s, $%s)\n", m.TxHash, m.ReceiptID, m.Strategy, m.USD.StringFixed(2))
	}
	for _, h := range r.Unmatched {
		fmt.Printf("  %s unmatched\n", h)
	}
}
