package split

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/brojonat/splitledger/service/chain"
	"github.com/brojonat/splitledger/service/db"
	"github.com/shopspring/decimal"
)

const (
	testSplit    = "0x1111111111111111111111111111111111111111"
	testMerchant = "0x2222222222222222222222222222222222222222"
	testPlatform = "0x3333333333333333333333333333333333333333"
	testBuyer    = "0x4444444444444444444444444444444444444444"
	testPartner  = "0x5555555555555555555555555555555555555555"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPrices() Prices {
	return NewPrices(map[string]decimal.Decimal{
		"ETH":  decimal.NewFromInt(2500),
		"USDC": decimal.NewFromInt(1),
	})
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// fakeSource serves a fixed set of events, filtered by block range.
type fakeSource struct {
	head     uint64
	events   []*chain.Event
	skipped  int
	headErr  error
	fetchErr error
	calls    []chain.FetchParams
}

func (f *fakeSource) LatestBlock(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeSource) FetchSplitEvents(ctx context.Context, params chain.FetchParams) (*chain.FetchResult, error) {
	f.calls = append(f.calls, params)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := &chain.FetchResult{Skipped: f.skipped}
	for _, ev := range f.events {
		if ev.BlockNumber >= params.FromBlock && ev.BlockNumber <= params.ToBlock {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu         sync.Mutex
	err        error
	txnBatches [][]*db.SplitTransaction
	reconciled []ReceiptReconciled
}

func (p *fakePublisher) PublishSplitTransactions(ctx context.Context, splitAddress string, txns []*db.SplitTransaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txnBatches = append(p.txnBatches, txns)
	return p.err
}

func (p *fakePublisher) PublishReceiptReconciled(ctx context.Context, event ReceiptReconciled) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciled = append(p.reconciled, event)
	return p.err
}

// usdcPayment is a 6-decimal token payment into the test split.
func usdcPayment(n int, block uint64, from string, units int64, ts time.Time) *chain.Event {
	return &chain.Event{
		Name:         chain.EventTransfer,
		TxHash:       txHash(n),
		LogIndex:     0,
		BlockNumber:  block,
		Timestamp:    ts,
		SplitAddress: testSplit,
		Token:        "USDC",
		Decimals:     6,
		From:         from,
		To:           testSplit,
		Amount:       big.NewInt(units),
	}
}

func release(n int, block uint64, name, token string, decimals int32, to string, amount *big.Int, ts time.Time) *chain.Event {
	return &chain.Event{
		Name:         name,
		TxHash:       txHash(n),
		LogIndex:     1,
		BlockNumber:  block,
		Timestamp:    ts,
		SplitAddress: testSplit,
		Token:        token,
		Decimals:     decimals,
		To:           to,
		Amount:       amount,
	}
}
