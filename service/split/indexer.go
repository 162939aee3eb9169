package split

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/brojonat/splitledger/service/chain"
	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// IndexerConfig controls block ranges and release classification.
type IndexerConfig struct {
	PlatformWallet string // lowercased; empty disables platform classification
	StartBlock     uint64 // first block scanned when no cursor exists
	OverlapBlocks  uint64 // blocks re-read behind the cursor on each run
	Prices         Prices
}

// Indexer fetches split contract events and writes them to the ledger.
type Indexer struct {
	store     Store
	chain     ChainSource
	publisher Publisher // optional
	cfg       IndexerConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewIndexer creates an Indexer. publisher and m may be nil.
func NewIndexer(store Store, source ChainSource, publisher Publisher, cfg IndexerConfig, m *metrics.Metrics, logger *slog.Logger) *Indexer {
	return &Indexer{
		store:     store,
		chain:     source,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IndexRequest identifies the split to index.
type IndexRequest struct {
	SplitAddress   string
	MerchantWallet string
	ForceReindex   bool // rescan from the start block instead of the cursor
	CorrelationID  string
}

// IndexResult summarizes one indexing run.
type IndexResult struct {
	SplitAddress      string          `json:"splitAddress"`
	MerchantWallet    string          `json:"merchantWallet"`
	FromBlock         uint64          `json:"fromBlock"`
	ToBlock           uint64          `json:"toBlock"`
	Fetched           int             `json:"fetched"`
	Indexed           int             `json:"indexed"`
	Skipped           int             `json:"skipped"`
	TxHashes          []string        `json:"txHashes"` // payment hashes written in this run
	TotalTransactions int64           `json:"totalTransactions"`
	Metrics           db.SplitMetrics `json:"metrics"`
}

// IndexSplitTransactions scans the split contract from its cursor to the chain head,
// writes new events idempotently, recomputes metrics and advances the cursor.
// Rows written before a failure persist; the cursor only moves on success.
func (ix *Indexer) IndexSplitTransactions(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	split, merchant, err := normalizeSplitAndMerchant(req.SplitAddress, req.MerchantWallet)
	if err != nil {
		return nil, err
	}
	log := ix.logger.With("split", abbrev(split), "merchant", abbrev(merchant), "correlation_id", req.CorrelationID)

	fromBlock := ix.cfg.StartBlock
	if !req.ForceReindex {
		idx, err := ix.store.GetSplitIndex(ctx, merchant, split)
		switch {
		case err == nil:
			fromBlock = ix.resumeBlock(idx.LastBlock)
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return nil, fmt.Errorf("failed to load split index: %w", err)
		}
	}

	head, err := ix.chain.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}

	result := &IndexResult{
		SplitAddress:   split,
		MerchantWallet: merchant,
		FromBlock:      fromBlock,
		ToBlock:        head,
		TxHashes:       []string{},
	}

	fetched, err := ix.chain.FetchSplitEvents(ctx, chain.FetchParams{
		SplitAddress: common.HexToAddress(split),
		FromBlock:    fromBlock,
		ToBlock:      head,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch split events: %w", err)
	}
	result.Fetched = len(fetched.Events)
	result.Skipped = fetched.Skipped

	indexedAt := ix.now()
	var written []*db.SplitTransaction
	duplicates := 0
	fetchedByKind := map[string]int{}
	for _, ev := range fetched.Events {
		txn, ok := ix.toTransaction(ev, split, merchant)
		if !ok {
			result.Skipped++
			continue
		}
		fetchedByKind[txn.Kind]++
		txn.IndexedAt = indexedAt
		txn.CorrelationID = req.CorrelationID

		inserted, err := ix.store.InsertSplitTransaction(ctx, *txn)
		if err != nil {
			log.ErrorContext(ctx, "failed to write split transaction",
				"tx_hash", txn.TxHash,
				"written_so_far", len(written),
				"error", err,
			)
			return nil, fmt.Errorf("failed to write split transaction %s: %w", txn.TxHash, err)
		}
		if !inserted {
			duplicates++
			continue
		}
		written = append(written, txn)
		if txn.Kind == db.KindPayment && !slices.Contains(result.TxHashes, txn.TxHash) {
			result.TxHashes = append(result.TxHashes, txn.TxHash)
		}
	}
	result.Indexed = len(written)

	ledger, err := ix.store.ListSplitTransactions(ctx, db.ListSplitTransactionsParams{SplitAddress: split})
	if err != nil {
		return nil, fmt.Errorf("failed to load split ledger: %w", err)
	}
	result.Metrics = ComputeMetrics(ledger, ix.cfg.Prices)
	result.TotalTransactions = int64(len(ledger))

	if err := ix.store.UpsertSplitIndex(ctx, db.SplitIndex{
		MerchantWallet: merchant,
		SplitAddress:   split,
		LastBlock:      head,
		Metrics:        result.Metrics,
		LastIndexedAt:  indexedAt,
		CorrelationID:  req.CorrelationID,
	}); err != nil {
		return nil, fmt.Errorf("failed to update split index: %w", err)
	}

	if ix.metrics != nil {
		for kind, n := range fetchedByKind {
			ix.metrics.RecordEventsFetched(split, kind, n)
		}
		ix.metrics.RecordEventsWritten(split, result.Indexed)
		if duplicates > 0 {
			ix.metrics.RecordEventsSkipped(split, "already_indexed", duplicates)
		}
		if result.Skipped > 0 {
			ix.metrics.RecordEventsSkipped(split, "undecodable_or_internal", result.Skipped)
		}
		if result.Fetched > 0 {
			ix.metrics.RecordDeduplicationRatio(split, float64(duplicates)/float64(result.Fetched))
		}
		ix.metrics.RecordIndexCursor(split, head)
	}

	if ix.publisher != nil && len(written) > 0 {
		if err := ix.publisher.PublishSplitTransactions(ctx, split, written); err != nil {
			// Event fan-out is best effort; the ledger is the source of truth.
			log.WarnContext(ctx, "failed to publish split transactions", "count", len(written), "error", err)
		}
	}

	log.InfoContext(ctx, "indexed split transactions",
		"from_block", fromBlock,
		"to_block", head,
		"fetched", result.Fetched,
		"indexed", result.Indexed,
		"skipped", result.Skipped,
		"total", result.TotalTransactions,
	)

	return result, nil
}

// resumeBlock re-reads OverlapBlocks behind the cursor so late logs are picked up.
func (ix *Indexer) resumeBlock(lastBlock uint64) uint64 {
	from := lastBlock + 1
	if from > ix.cfg.OverlapBlocks {
		from -= ix.cfg.OverlapBlocks
	} else {
		from = 0
	}
	return max(from, ix.cfg.StartBlock)
}

// toTransaction maps a decoded event to a ledger row.
// Transfers into the split from the merchant or platform are funding, not customer payments.
func (ix *Indexer) toTransaction(ev *chain.Event, split, merchant string) (*db.SplitTransaction, bool) {
	if ev.Amount == nil || ev.Amount.Sign() <= 0 {
		return nil, false
	}

	txn := &db.SplitTransaction{
		TxHash:         ev.TxHash,
		LogIndex:       ev.LogIndex,
		SplitAddress:   split,
		MerchantWallet: merchant,
		BlockNumber:    ev.BlockNumber,
		Token:          ev.Token,
		Amount:         decimal.NewFromBigInt(ev.Amount, -ev.Decimals),
		AmountRaw:      ev.Amount.String(),
		Recipient:      ev.To,
		From:           ev.From,
		Timestamp:      ev.Timestamp,
	}

	if ev.IsPayment() {
		if ev.From == merchant || (ix.cfg.PlatformWallet != "" && ev.From == ix.cfg.PlatformWallet) {
			return nil, false
		}
		txn.Kind = db.KindPayment
		return txn, true
	}

	txn.Kind = db.KindRelease
	switch {
	case ev.To == merchant:
		txn.ReleaseType = db.ReleaseMerchant
	case ix.cfg.PlatformWallet != "" && ev.To == ix.cfg.PlatformWallet:
		txn.ReleaseType = db.ReleasePlatform
	default:
		txn.ReleaseType = db.ReleaseOther
	}
	return txn, true
}

// ComputeMetrics aggregates a split's whole ledger.
func ComputeMetrics(ledger []*db.SplitTransaction, prices Prices) db.SplitMetrics {
	m := db.SplitMetrics{
		TotalVolumeUSD:             decimal.Zero,
		MerchantEarnedUSD:          decimal.Zero,
		PlatformFeeUSD:             decimal.Zero,
		CumulativePayments:         map[string]decimal.Decimal{},
		CumulativeMerchantReleases: map[string]decimal.Decimal{},
		CumulativePlatformReleases: map[string]decimal.Decimal{},
	}
	payers := make(map[string]struct{})

	for _, t := range ledger {
		switch {
		case t.Kind == db.KindPayment:
			m.CumulativePayments[t.Token] = m.CumulativePayments[t.Token].Add(t.Amount)
			m.TotalVolumeUSD = m.TotalVolumeUSD.Add(prices.USD(t.Token, t.Amount))
			m.TransactionCount++
			if t.From != "" {
				payers[t.From] = struct{}{}
			}
		case t.ReleaseType == db.ReleaseMerchant:
			m.CumulativeMerchantReleases[t.Token] = m.CumulativeMerchantReleases[t.Token].Add(t.Amount)
		case t.ReleaseType == db.ReleasePlatform:
			m.CumulativePlatformReleases[t.Token] = m.CumulativePlatformReleases[t.Token].Add(t.Amount)
			m.PlatformFeeUSD = m.PlatformFeeUSD.Add(prices.USD(t.Token, t.Amount))
		}
	}

	m.Customers = len(payers)
	m.TotalCustomerXP = m.TotalVolumeUSD.Floor().IntPart()
	m.MerchantEarnedUSD = decimal.Max(decimal.Zero, m.TotalVolumeUSD.Sub(m.PlatformFeeUSD)).Round(2)
	m.TotalVolumeUSD = m.TotalVolumeUSD.Round(2)
	m.PlatformFeeUSD = m.PlatformFeeUSD.Round(2)
	return m
}
