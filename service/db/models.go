package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds.
const (
	KindPayment = "payment"
	KindRelease = "release"
)

// Release types. Payments carry an empty release type.
const (
	ReleaseMerchant = "merchant"
	ReleasePlatform = "platform"
	ReleaseOther    = "other"
)

// Receipt statuses used by reconciliation.
const (
	ReceiptStatusReconciled = "reconciled"
)

// Recipient is one payee of a split contract.
type Recipient struct {
	Address   string `json:"address"`
	SharesBps int    `json:"sharesBps"`
	Role      string `json:"role,omitempty"` // merchant, platform, partner; optional
}

// SplitBinding associates a merchant wallet with a deployed split contract.
type SplitBinding struct {
	DocumentID     string      `json:"id"`
	MerchantWallet string      `json:"merchantWallet"`
	BrandKey       string      `json:"brandKey,omitempty"`
	SplitAddress   string      `json:"splitAddress"`
	Recipients     []Recipient `json:"recipients"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// SplitTransaction is one indexed split contract event.
// Unique on (TxHash, Recipient, Token) and never mutated after insert.
type SplitTransaction struct {
	TxHash         string          `json:"txHash"`
	LogIndex       uint            `json:"logIndex"`
	SplitAddress   string          `json:"splitAddress"`
	MerchantWallet string          `json:"merchantWallet"`
	BlockNumber    uint64          `json:"blockNumber"`
	Token          string          `json:"token"`
	Amount         decimal.Decimal `json:"amount"`
	AmountRaw      string          `json:"amountRaw"`
	Recipient      string          `json:"recipient"`
	From           string          `json:"from,omitempty"`
	Kind           string          `json:"kind"`
	ReleaseType    string          `json:"releaseType,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	IndexedAt      time.Time       `json:"indexedAt"`
	CorrelationID  string          `json:"correlationId,omitempty"`
}

// ListSplitTransactionsParams filters ledger reads for a split.
type ListSplitTransactionsParams struct {
	SplitAddress string
	TxHashes     []string // when non-empty only these hashes are returned
	Kind         string   // empty for all kinds
	Limit        int32    // 0 for no limit
	NewestFirst  bool
}

// SplitMetrics are the aggregates recomputed from the ledger after each index run.
type SplitMetrics struct {
	TotalVolumeUSD             decimal.Decimal            `json:"totalVolumeUsd"`
	MerchantEarnedUSD          decimal.Decimal            `json:"merchantEarnedUsd"`
	PlatformFeeUSD             decimal.Decimal            `json:"platformFeeUsd"`
	Customers                  int                        `json:"customers"`
	TotalCustomerXP            int64                      `json:"totalCustomerXp"`
	TransactionCount           int                        `json:"transactionCount"`
	CumulativePayments         map[string]decimal.Decimal `json:"cumulativePayments"`
	CumulativeMerchantReleases map[string]decimal.Decimal `json:"cumulativeMerchantReleases"`
	CumulativePlatformReleases map[string]decimal.Decimal `json:"cumulativePlatformReleases"`
}

// SplitIndex is the per (merchant, split) cursor plus aggregate metrics.
type SplitIndex struct {
	MerchantWallet string       `json:"merchantWallet"`
	SplitAddress   string       `json:"splitAddress"`
	LastBlock      uint64       `json:"lastBlock"`
	Metrics        SplitMetrics `json:"metrics"`
	LastIndexedAt  time.Time    `json:"lastIndexedAt"`
	CorrelationID  string       `json:"correlationId,omitempty"`
}

// StatusChange is one entry of a receipt's status history.
type StatusChange struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// Receipt is the subset of a checkout receipt that reconciliation reads and writes.
type Receipt struct {
	ReceiptID            string              `json:"receiptId"`
	MerchantWallet       string              `json:"merchantWallet"`
	Status               string              `json:"status"`
	ExpectedToken        string              `json:"expectedToken,omitempty"`
	ExpectedAmountToken  decimal.NullDecimal `json:"expectedAmountToken"`
	ExpectedUSD          decimal.NullDecimal `json:"expectedUsd"`
	TotalUSD             decimal.NullDecimal `json:"totalUsd"`
	BuyerWallet          string              `json:"buyerWallet,omitempty"`
	TransactionHash      string              `json:"transactionHash,omitempty"`
	TransactionTimestamp *time.Time          `json:"transactionTimestamp,omitempty"`
	StatusHistory        []StatusChange      `json:"statusHistory"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// ListReceiptsParams selects reconciliation candidates for a merchant.
type ListReceiptsParams struct {
	MerchantWallet string
	Statuses       []string
	CreatedAfter   time.Time
	OnlyUnlinked   bool // exclude receipts that already carry a transaction hash
}

// ReceiptTxLink records that a receipt was reconciled against a transaction.
type ReceiptTxLink struct {
	ReceiptID      string    `json:"receiptId"`
	TxHash         string    `json:"txHash"`
	MerchantWallet string    `json:"merchantWallet"`
	LinkedAt       time.Time `json:"linkedAt"`
	CorrelationID  string    `json:"correlationId,omitempty"`
}

// LinkReceiptParams describes a receipt to transaction link.
type LinkReceiptParams struct {
	ReceiptID      string
	MerchantWallet string
	TxHash         string
	TxTimestamp    time.Time
	BuyerWallet    string
	CorrelationID  string
	LinkedAt       time.Time
	Note           string
}
