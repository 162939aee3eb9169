package split

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/splitledger/service/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reconcileNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store Store, pub Publisher) *Reconciler {
	rc := NewReconciler(store, pub, ReconcilerConfig{Prices: testPrices()}, nil, testLogger())
	rc.now = func() time.Time { return reconcileNow }
	return rc
}

func seedPayment(t *testing.T, store *db.MemStore, n int, token, amount, from string, ts time.Time) string {
	t.Helper()
	_, err := store.InsertSplitTransaction(context.Background(), db.SplitTransaction{
		TxHash:         txHash(n),
		SplitAddress:   testSplit,
		MerchantWallet: testMerchant,
		BlockNumber:    uint64(100 + n),
		Token:          token,
		Amount:         decimal.RequireFromString(amount),
		AmountRaw:      "0",
		Recipient:      testSplit,
		From:           from,
		Kind:           db.KindPayment,
		Timestamp:      ts,
	})
	require.NoError(t, err)
	return txHash(n)
}

func seedReceipt(t *testing.T, store *db.MemStore, r db.Receipt) {
	t.Helper()
	if r.MerchantWallet == "" {
		r.MerchantWallet = testMerchant
	}
	if r.Status == "" {
		r.Status = "checkout_success"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = reconcileNow.Add(-20 * time.Minute)
	}
	_, err := store.UpsertReceipt(context.Background(), r)
	require.NoError(t, err)
}

func usd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestReconcile_Strategies(t *testing.T) {
	paidAt := reconcileNow.Add(-10 * time.Minute)

	tests := []struct {
		name         string
		receipt      db.Receipt
		wantStrategy string
	}{
		{
			name: "expected token amount",
			receipt: db.Receipt{
				ReceiptID:           "r-token",
				ExpectedToken:       "usdc",
				ExpectedAmountToken: usd("25"),
			},
			wantStrategy: StrategyExpectedAmount,
		},
		{
			name:         "expected usd",
			receipt:      db.Receipt{ReceiptID: "r-expected-usd", ExpectedUSD: usd("24.50")},
			wantStrategy: StrategyExpectedAmount,
		},
		{
			name:         "total usd",
			receipt:      db.Receipt{ReceiptID: "r-total", TotalUSD: usd("26")},
			wantStrategy: StrategyUSD,
		},
		{
			name:         "buyer wallet",
			receipt:      db.Receipt{ReceiptID: "r-buyer", BuyerWallet: "0x4444444444444444444444444444444444444444"},
			wantStrategy: StrategyBuyerWallet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemStore()
			hash := seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
			seedReceipt(t, store, tt.receipt)
			pub := &fakePublisher{}

			result, err := newTestReconciler(store, pub).Reconcile(context.Background(), ReconcileRequest{
				MerchantWallet: testMerchant,
				SplitAddress:   testSplit,
				CorrelationID:  "corr-r",
			})
			require.NoError(t, err)

			assert.Equal(t, 1, result.MatchedCount)
			assert.Equal(t, 1, result.Reconciled)
			assert.Empty(t, result.UnmatchedTxHashes)
			require.Len(t, result.Matched, 1)
			assert.Equal(t, tt.wantStrategy, result.Matched[0].Strategy)
			assert.Equal(t, hash, result.Matched[0].TxHash)

			r, err := store.GetReceipt(context.Background(), testMerchant, tt.receipt.ReceiptID)
			require.NoError(t, err)
			assert.Equal(t, db.ReceiptStatusReconciled, r.Status)
			assert.Equal(t, hash, r.TransactionHash)
			require.NotNil(t, r.TransactionTimestamp)
			assert.True(t, paidAt.Equal(*r.TransactionTimestamp))

			require.Len(t, pub.reconciled, 1)
			assert.Equal(t, tt.receipt.ReceiptID, pub.reconciled[0].ReceiptID)
			assert.Equal(t, "corr-r", pub.reconciled[0].CorrelationID)
		})
	}
}

func TestReconcile_NoMatch(t *testing.T) {
	paidAt := reconcileNow.Add(-10 * time.Minute)

	tests := []struct {
		name      string
		receipt   db.Receipt
		tolerance decimal.NullDecimal
	}{
		{
			name:    "usd outside tolerance and floor",
			receipt: db.Receipt{ReceiptID: "r1", TotalUSD: usd("100")},
		},
		{
			name:      "token amount ignores usd floor",
			receipt:   db.Receipt{ReceiptID: "r2", ExpectedToken: "USDC", ExpectedAmountToken: usd("27")},
			tolerance: decimal.NewNullDecimal(decimal.Zero),
		},
		{
			name:    "receipt created outside the window of the payment",
			receipt: db.Receipt{ReceiptID: "r3", TotalUSD: usd("25"), CreatedAt: paidAt.Add(90 * time.Minute)},
		},
		{
			name:    "ineligible status",
			receipt: db.Receipt{ReceiptID: "r4", TotalUSD: usd("25"), Status: "refunded"},
		},
		{
			name:    "different buyer",
			receipt: db.Receipt{ReceiptID: "r5", BuyerWallet: testPartner},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemStore()
			hash := seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
			seedReceipt(t, store, tt.receipt)

			result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
				MerchantWallet: testMerchant,
				SplitAddress:   testSplit,
				TimeWindow:     time.Hour,
				TolerancePct:   tt.tolerance,
			})
			require.NoError(t, err)
			assert.Equal(t, 0, result.MatchedCount)
			assert.Equal(t, 0, result.Reconciled)
			assert.Empty(t, result.Matched)
			assert.Equal(t, []string{hash}, result.UnmatchedTxHashes)
		})
	}
}

func TestReconcile_TargetedHashes(t *testing.T) {
	paidAt := reconcileNow.Add(-10 * time.Minute)
	store := db.NewMemStore()
	h1 := seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
	seedPayment(t, store, 2, "USDC", "40", testBuyer, paidAt)
	seedReceipt(t, store, db.Receipt{ReceiptID: "r1", TotalUSD: usd("25")})
	missing := txHash(99)

	result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
		TxHashes:       []string{" " + h1 + " ", "0xnothex", missing, h1},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metrics.Evaluated)
	assert.Equal(t, 1, result.MatchedCount)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, h1, result.Matched[0].TxHash)
	assert.Equal(t, []string{missing}, result.UnmatchedTxHashes)
}

func TestReconcile_OnlyMalformedHashes(t *testing.T) {
	store := db.NewMemStore()
	seedPayment(t, store, 1, "USDC", "25", testBuyer, reconcileNow)

	result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
		TxHashes:       []string{"0x1234"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Metrics.Evaluated)
	assert.Empty(t, result.UnmatchedTxHashes)
}

func TestReconcile_Idempotent(t *testing.T) {
	paidAt := reconcileNow.Add(-10 * time.Minute)
	store := db.NewMemStore()
	hash := seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
	seedReceipt(t, store, db.Receipt{ReceiptID: "r1", TotalUSD: usd("25")})
	seedReceipt(t, store, db.Receipt{ReceiptID: "r2", TotalUSD: usd("25")})
	pub := &fakePublisher{}
	rc := newTestReconciler(store, pub)
	req := ReconcileRequest{MerchantWallet: testMerchant, SplitAddress: testSplit}

	first, err := rc.Reconcile(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Reconciled)
	require.Len(t, first.Matched, 1)
	linkedTo := first.Matched[0].ReceiptID

	second, err := rc.Reconcile(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.MatchedCount)
	assert.Equal(t, 1, second.Metrics.AlreadyLinked)
	assert.Equal(t, 0, second.Reconciled, "nothing new is linked on a repeat run")
	require.Len(t, second.Matched, 1)
	assert.Equal(t, hash, second.Matched[0].TxHash)
	assert.Equal(t, linkedTo, second.Matched[0].ReceiptID)
	assert.Equal(t, StrategyAlreadyLinked, second.Matched[0].Strategy)
	assert.Empty(t, second.UnmatchedTxHashes)

	// The payment stays linked to one receipt only.
	links, err := store.ListReceiptLinksByTxHashes(context.Background(), []string{hash})
	require.NoError(t, err)
	assert.Len(t, links, 1)
	assert.Len(t, pub.reconciled, 1)
}

func TestReconcile_ReceiptCarryingHashCountsAsMatched(t *testing.T) {
	store := db.NewMemStore()
	hash := seedPayment(t, store, 1, "USDC", "25", testBuyer, reconcileNow)
	seedReceipt(t, store, db.Receipt{ReceiptID: "r-old", Status: "paid", TransactionHash: hash})

	result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MatchedCount)
	assert.Equal(t, 0, result.Reconciled)
	assert.Equal(t, 1, result.Metrics.AlreadyLinked)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, "r-old", result.Matched[0].ReceiptID)
	assert.Empty(t, result.UnmatchedTxHashes)
}

func TestReconcile_ReceiptConsumedOnce(t *testing.T) {
	paidAt := reconcileNow.Add(-10 * time.Minute)
	store := db.NewMemStore()
	h1 := seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
	h2 := seedPayment(t, store, 2, "USDC", "25", testBuyer, paidAt.Add(time.Minute))
	seedReceipt(t, store, db.Receipt{ReceiptID: "r1", TotalUSD: usd("25")})

	result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
	})
	require.NoError(t, err)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, h1, result.Matched[0].TxHash)
	assert.Equal(t, []string{h2}, result.UnmatchedTxHashes)
}

func TestReconcile_ExplicitReceipt(t *testing.T) {
	store := db.NewMemStore()
	hash := seedPayment(t, store, 1, "USDC", "25", testBuyer, reconcileNow)
	seedReceipt(t, store, db.Receipt{ReceiptID: "r-a", TotalUSD: usd("25")})
	seedReceipt(t, store, db.Receipt{ReceiptID: "r-b", TotalUSD: usd("25")})
	rc := newTestReconciler(store, nil)

	result, err := rc.Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
		ReceiptID:      "r-b",
	})
	require.NoError(t, err)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, "r-b", result.Matched[0].ReceiptID)
	assert.Equal(t, hash, result.Matched[0].TxHash)
	assert.Equal(t, StrategyExplicitReceipt, result.Matched[0].Strategy)

	_, err = rc.Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
		ReceiptID:      "r-missing",
	})
	verr, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidReceipt, verr.Code)
}

func TestReconcile_SplitResolution(t *testing.T) {
	t.Run("resolved from binding", func(t *testing.T) {
		store := db.NewMemStore()
		_, err := store.UpsertBinding(context.Background(), db.SplitBinding{
			DocumentID:     "site-config",
			MerchantWallet: testMerchant,
			SplitAddress:   testSplit,
		})
		require.NoError(t, err)
		seedPayment(t, store, 1, "USDC", "25", testBuyer, reconcileNow)
		seedReceipt(t, store, db.Receipt{ReceiptID: "r1", TotalUSD: usd("25")})

		result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{MerchantWallet: testMerchant})
		require.NoError(t, err)
		assert.Equal(t, testSplit, result.SplitAddress)
		assert.Equal(t, 1, result.MatchedCount)
	})

	t.Run("split required", func(t *testing.T) {
		_, err := newTestReconciler(db.NewMemStore(), nil).Reconcile(context.Background(), ReconcileRequest{MerchantWallet: testMerchant})
		verr, ok := IsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, CodeSplitRequired, verr.Code)
	})

	t.Run("invalid split", func(t *testing.T) {
		_, err := newTestReconciler(db.NewMemStore(), nil).Reconcile(context.Background(), ReconcileRequest{
			MerchantWallet: testMerchant,
			SplitAddress:   "0xabc",
		})
		verr, ok := IsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidSplitAddress, verr.Code)
	})

	t.Run("invalid merchant", func(t *testing.T) {
		_, err := newTestReconciler(db.NewMemStore(), nil).Reconcile(context.Background(), ReconcileRequest{MerchantWallet: "merchant"})
		verr, ok := IsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidMerchantWallet, verr.Code)
	})
}

func TestReconcile_CollaboratorFailures(t *testing.T) {
	for _, op := range []string{"ListSplitTransactions", "ListReceiptLinksByTxHashes", "ListReceipts", "LinkReceipt"} {
		t.Run(op, func(t *testing.T) {
			store := db.NewMemStore()
			seedPayment(t, store, 1, "USDC", "25", testBuyer, reconcileNow)
			seedReceipt(t, store, db.Receipt{ReceiptID: "r1", TotalUSD: usd("25")})
			store.FailNext(op, errors.New("store unavailable"))

			_, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
				MerchantWallet: testMerchant,
				SplitAddress:   testSplit,
			})
			require.Error(t, err)
			_, isValidation := IsValidationError(err)
			assert.False(t, isValidation)
		})
	}
}

func TestReconcile_Defaults(t *testing.T) {
	result, err := newTestReconciler(db.NewMemStore(), nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
		TimeWindow:     time.Second,
		TolerancePct:   decimal.NewNullDecimal(decimal.NewFromInt(250)),
	})
	require.NoError(t, err)
	assert.Equal(t, MinTimeWindow.Milliseconds(), result.Metrics.TimeWindowMs)
	assert.True(t, result.Metrics.TolerancePct.Equal(decimal.NewFromInt(100)))
	assert.NotNil(t, result.Matched)
	assert.NotNil(t, result.UnmatchedTxHashes)

	result, err = newTestReconciler(db.NewMemStore(), nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeWindow.Milliseconds(), result.Metrics.TimeWindowMs)
	assert.True(t, result.Metrics.TolerancePct.Equal(DefaultTolerancePct))
}

func TestWithinTolerance(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name     string
		expected string
		actual   string
		pct      string
		floor    string
		want     bool
	}{
		{"exact", "100", "100", "0", "0", true},
		{"inside pct", "100", "119", "20", "0", true},
		{"edge of pct", "100", "80", "20", "0", true},
		{"outside pct", "100", "121", "20", "0", false},
		{"floor wins for small amounts", "10", "14.99", "20", "5", true},
		{"outside floor", "10", "15.01", "20", "5", false},
		{"zero expectation never matches", "0", "0", "20", "5", false},
		{"negative expectation never matches", "-5", "-5", "20", "5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, withinTolerance(d(tt.expected), d(tt.actual), d(tt.pct), d(tt.floor)))
		})
	}
}

func TestReconcile_ExplicitReceiptSkipsStrategies(t *testing.T) {
	// Neither amount, buyer nor creation time line up with the payment.
	paidAt := reconcileNow.Add(-10 * time.Minute)
	store := db.NewMemStore()
	h1 := seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
	h2 := seedPayment(t, store, 2, "USDC", "25", testBuyer, paidAt.Add(time.Minute))
	seedReceipt(t, store, db.Receipt{
		ReceiptID:   "r-manual",
		TotalUSD:    usd("900"),
		BuyerWallet: testPartner,
		CreatedAt:   reconcileNow.Add(-90 * time.Minute),
	})

	result, err := newTestReconciler(store, nil).Reconcile(context.Background(), ReconcileRequest{
		MerchantWallet: testMerchant,
		SplitAddress:   testSplit,
		TxHashes:       []string{h2},
		ReceiptID:      "r-manual",
		TimeWindow:     time.Minute,
	})
	require.NoError(t, err)

	require.Len(t, result.Matched, 1)
	assert.Equal(t, h2, result.Matched[0].TxHash)
	assert.Equal(t, "r-manual", result.Matched[0].ReceiptID)
	assert.Equal(t, StrategyExplicitReceipt, result.Matched[0].Strategy)
	assert.Empty(t, result.UnmatchedTxHashes)

	r, err := store.GetReceipt(context.Background(), testMerchant, "r-manual")
	require.NoError(t, err)
	assert.Equal(t, h2, r.TransactionHash)

	links, err := store.ListReceiptLinksByTxHashes(context.Background(), []string{h1})
	require.NoError(t, err)
	assert.Empty(t, links, "only the requested hash is linked")
}

func TestNewReconciler_Tolerance(t *testing.T) {
	paidAt := reconcileNow.Add(-10 * time.Minute)

	tests := []struct {
		name       string
		configured decimal.NullDecimal
		want       decimal.Decimal
		linked     int
	}{
		{name: "unset uses default", want: DefaultTolerancePct, linked: 1},
		{name: "zero demands exact amounts", configured: decimal.NewNullDecimal(decimal.Zero), want: decimal.Zero, linked: 0},
		{name: "clamped to 100", configured: decimal.NewNullDecimal(decimal.NewFromInt(150)), want: decimal.NewFromInt(100), linked: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemStore()
			seedPayment(t, store, 1, "USDC", "25", testBuyer, paidAt)
			seedReceipt(t, store, db.Receipt{ReceiptID: "r1", ExpectedToken: "USDC", ExpectedAmountToken: usd("21")})

			rc := NewReconciler(store, nil, ReconcilerConfig{TolerancePct: tt.configured, Prices: testPrices()}, nil, testLogger())
			rc.now = func() time.Time { return reconcileNow }

			result, err := rc.Reconcile(context.Background(), ReconcileRequest{
				MerchantWallet: testMerchant,
				SplitAddress:   testSplit,
			})
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(result.Metrics.TolerancePct), "tolerance %s", result.Metrics.TolerancePct)
			assert.Equal(t, tt.linked, result.Reconciled)
		})
	}
}
