package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/metrics"
	"github.com/brojonat/splitledger/service/split"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamPublisher publishes split ledger events to NATS JetStream.
// It satisfies split.Publisher.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ split.Publisher = (*JetStreamPublisher)(nil)

const (
	// StreamName is the name of the JetStream stream for split events.
	StreamName = "SPLITS"

	// TxnSubjectPrefix prefixes per-split transaction subjects.
	TxnSubjectPrefix = "split.txns"

	// ReceiptSubjectPrefix prefixes per-merchant reconciled receipt subjects.
	ReceiptSubjectPrefix = "split.receipts"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// StreamSubjects are the subject patterns captured by the stream.
var StreamSubjects = []string{TxnSubjectPrefix + ".*", ReceiptSubjectPrefix + ".*"}

// TxnSubject returns the subject for a split's transaction events.
func TxnSubject(splitAddress string) string {
	return fmt.Sprintf("%s.%s", TxnSubjectPrefix, splitAddress)
}

// ReceiptSubject returns the subject for a merchant's reconciled receipts.
func ReceiptSubject(merchantWallet string) string {
	return fmt.Sprintf("%s.%s", ReceiptSubjectPrefix, merchantWallet)
}

// Connect dials NATS with the reconnect behavior shared by publishers and subscribers.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "splitledger-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Payment split ledger events",
		Subjects:    StreamSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject, metricSubject string, v any) error {
	start := time.Now()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.RecordNATSPublish(metricSubject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishSplitTransactions publishes one event per ledger row.
// A failed row is logged and the rest are still attempted; the last error is returned.
func (p *JetStreamPublisher) PublishSplitTransactions(ctx context.Context, splitAddress string, txns []*db.SplitTransaction) error {
	if len(txns) == 0 {
		return nil
	}

	subject := TxnSubject(splitAddress)
	var lastErr error
	failed := 0
	for _, txn := range txns {
		if err := p.publish(ctx, subject, TxnSubjectPrefix, FromSplitTransaction(txn)); err != nil {
			p.logger.Error("failed to publish split transaction",
				"tx_hash", txn.TxHash,
				"split", splitAddress,
				"error", err,
			)
			lastErr = err
			failed++
		}
	}

	p.logger.Debug("published split transactions",
		"subject", subject,
		"count", len(txns),
		"failed", failed,
	)
	return lastErr
}

// PublishReceiptReconciled publishes a reconciled receipt to the merchant's subject.
func (p *JetStreamPublisher) PublishReceiptReconciled(ctx context.Context, event split.ReceiptReconciled) error {
	subject := ReceiptSubject(event.MerchantWallet)
	if err := p.publish(ctx, subject, ReceiptSubjectPrefix, FromReceiptReconciled(event)); err != nil {
		return err
	}
	p.logger.Debug("published reconciled receipt",
		"subject", subject,
		"receipt_id", event.ReceiptID,
		"tx_hash", event.TxHash,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
