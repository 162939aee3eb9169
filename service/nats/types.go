package nats

import (
	"time"

	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/split"
	"github.com/shopspring/decimal"
)

// SplitTransactionEvent represents an indexed split event published to NATS.
// This is published to the subject "split.txns.{split_address}" in JetStream.
type SplitTransactionEvent struct {
	// Event identifiers
	TxHash   string `json:"tx_hash"`
	LogIndex uint   `json:"log_index"`

	// Split information
	SplitAddress   string `json:"split_address"`
	MerchantWallet string `json:"merchant_wallet"`

	// Movement details
	Kind        string          `json:"kind"`
	ReleaseType string          `json:"release_type,omitempty"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	AmountRaw   string          `json:"amount_raw"`
	From        string          `json:"from,omitempty"`
	Recipient   string          `json:"recipient"`

	// Timing information
	BlockNumber uint64    `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`

	// Metadata
	CorrelationID string    `json:"correlation_id,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
}

// FromSplitTransaction converts a ledger row to a SplitTransactionEvent for publishing.
func FromSplitTransaction(txn *db.SplitTransaction) *SplitTransactionEvent {
	return &SplitTransactionEvent{
		TxHash:         txn.TxHash,
		LogIndex:       txn.LogIndex,
		SplitAddress:   txn.SplitAddress,
		MerchantWallet: txn.MerchantWallet,
		Kind:           txn.Kind,
		ReleaseType:    txn.ReleaseType,
		Token:          txn.Token,
		Amount:         txn.Amount,
		AmountRaw:      txn.AmountRaw,
		From:           txn.From,
		Recipient:      txn.Recipient,
		BlockNumber:    txn.BlockNumber,
		BlockTime:      txn.Timestamp,
		CorrelationID:  txn.CorrelationID,
		PublishedAt:    time.Now().UTC(),
	}
}

// ReceiptReconciledEvent is published to "split.receipts.{merchant_wallet}"
// when a receipt is linked to an on-chain payment.
type ReceiptReconciledEvent struct {
	ReceiptID      string          `json:"receipt_id"`
	MerchantWallet string          `json:"merchant_wallet"`
	SplitAddress   string          `json:"split_address"`
	TxHash         string          `json:"tx_hash"`
	Strategy       string          `json:"strategy"`
	USD            decimal.Decimal `json:"usd"`
	ReconciledAt   time.Time       `json:"reconciled_at"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	PublishedAt    time.Time       `json:"published_at"`
}

// FromReceiptReconciled converts a reconciliation outcome to an event for publishing.
func FromReceiptReconciled(r split.ReceiptReconciled) *ReceiptReconciledEvent {
	return &ReceiptReconciledEvent{
		ReceiptID:      r.ReceiptID,
		MerchantWallet: r.MerchantWallet,
		SplitAddress:   r.SplitAddress,
		TxHash:         r.TxHash,
		Strategy:       r.Strategy,
		USD:            r.USD,
		ReconciledAt:   r.ReconciledAt,
		CorrelationID:  r.CorrelationID,
		PublishedAt:    time.Now().UTC(),
	}
}
