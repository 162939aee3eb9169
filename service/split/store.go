package split

import (
	"context"

	"github.com/brojonat/splitledger/service/chain"
	"github.com/brojonat/splitledger/service/db"
)

// Store is the persistence used by the indexer, reconciler and resolver.
// Both db.Store and db.MemStore satisfy it.
type Store interface {
	UpsertBinding(ctx context.Context, b db.SplitBinding) (*db.SplitBinding, error)
	ListBindingsBySplitAddress(ctx context.Context, splitAddress string) ([]*db.SplitBinding, error)
	ListBindingsByMerchant(ctx context.Context, merchantWallet string) ([]*db.SplitBinding, error)
	ListAllBindings(ctx context.Context) ([]*db.SplitBinding, error)
	DeleteBinding(ctx context.Context, merchantWallet, documentID string) error

	InsertSplitTransaction(ctx context.Context, t db.SplitTransaction) (bool, error)
	ListSplitTransactions(ctx context.Context, params db.ListSplitTransactionsParams) ([]*db.SplitTransaction, error)
	CountSplitTransactions(ctx context.Context, splitAddress string) (int64, error)
	GetSplitIndex(ctx context.Context, merchantWallet, splitAddress string) (*db.SplitIndex, error)
	UpsertSplitIndex(ctx context.Context, idx db.SplitIndex) error

	GetReceipt(ctx context.Context, merchantWallet, receiptID string) (*db.Receipt, error)
	ListReceipts(ctx context.Context, params db.ListReceiptsParams) ([]*db.Receipt, error)
	ListReceiptsByTxHashes(ctx context.Context, merchantWallet string, txHashes []string) ([]*db.Receipt, error)
	LinkReceipt(ctx context.Context, params db.LinkReceiptParams) error
	ListReceiptLinksByTxHashes(ctx context.Context, txHashes []string) ([]*db.ReceiptTxLink, error)
}

// ChainSource scans split contract events.
type ChainSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FetchSplitEvents(ctx context.Context, params chain.FetchParams) (*chain.FetchResult, error)
}

// Publisher announces ledger changes. Publishing is best effort.
type Publisher interface {
	PublishSplitTransactions(ctx context.Context, splitAddress string, txns []*db.SplitTransaction) error
	PublishReceiptReconciled(ctx context.Context, event ReceiptReconciled) error
}

var (
	_ Store       = (*db.Store)(nil)
	_ Store       = (*db.MemStore)(nil)
	_ ChainSource = (*chain.Client)(nil)
)
