package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/splitledger/service/nats"
	"github.com/brojonat/splitledger/service/split"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand tails ledger events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to indexed transactions or reconciled receipts",
		ArgsUsage: "[split_address | merchant_wallet]",
		Description: `Subscribe to real-time ledger events published to NATS JetStream.

Without --receipts, streams indexed transactions from split.txns.{split_address}.
With --receipts, streams reconciled receipts from split.receipts.{merchant_wallet}.
Omit the address to follow every split or merchant.

Example:
  splitledger nats subscribe 0x5ca1ab1e00000000000000000000000000000001 --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "receipts",
				Usage: "Stream reconciled receipts instead of transactions",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "splitledger-cli",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one address may be given")
			}
			subject, err := subscribeSubject(c.Args().First(), c.Bool("receipts"))
			if err != nil {
				return err
			}
			return streamEvents(c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("all"), c.Bool("json"))
		},
	}
}

// subscribeSubject maps an optional address to the JetStream filter subject.
func subscribeSubject(address string, receipts bool) (string, error) {
	prefix := natspkg.TxnSubjectPrefix
	if receipts {
		prefix = natspkg.ReceiptSubjectPrefix
	}
	if address == "" {
		return prefix + ".*", nil
	}
	normalized, ok := split.NormalizeAddress(address)
	if !ok {
		return "", fmt.Errorf("invalid address: %s", address)
	}
	if receipts {
		return natspkg.ReceiptSubject(normalized), nil
	}
	return natspkg.TxnSubject(normalized), nil
}

// streamEvents connects to NATS and prints events on subject until interrupted.
func streamEvents(natsURL, subject string, durable bool, consumerName string, replay, jsonOutput bool) error {
	nc, err := natspkg.Connect(natsURL, "splitledger-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if replay {
		consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			count++
			if jsonOutput {
				fmt.Println(string(msg.Data()))
			} else {
				printEvent(msg.Subject(), msg.Data(), count)
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\nReceived %d event(s)\n", count)
			}
			return nil
		}
	}
}

func printEvent(subject string, data []byte, n int) {
	var txn natspkg.SplitTransactionEvent
	if err := json.Unmarshal(data, &txn); err == nil && txn.TxHash != "" && txn.Kind != "" {
		fmt.Printf("✅ Transaction #%d (%s)\n", n, subject)
		fmt.Printf("   Hash:      %s\n", txn.TxHash)
		fmt.Printf("   Kind:      %s\n", txn.Kind)
		fmt.Printf("   Amount:    %s %s\n", txn.Amount.String(), txn.Token)
		fmt.Printf("   Recipient: %s\n", txn.Recipient)
		fmt.Printf("   Block:     %d (%s)\n\n", txn.BlockNumber, txn.BlockTime.Format(time.RFC3339))
		return
	}

	var receipt natspkg.ReceiptReconciledEvent
	if err := json.Unmarshal(data, &receipt); err == nil && receipt.ReceiptID != "" {
		fmt.Printf("🧾 Receipt #%d (%s)\n", n, subject)
		fmt.Printf("   Receipt:  %s\n", receipt.ReceiptID)
		fmt.Printf("   Tx Hash:  %s\n", receipt.TxHash)
		fmt.Printf("   Strategy: %s\n", receipt.Strategy)
		fmt.Printf("   USD:      $%s\n\n", receipt.USD.StringFixed(2))
		return
	}

	fmt.Fprintf(os.Stderr, "Unrecognized event on %s: %s\n", subject, string(data))
}
