package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/splitledger/service/chain"
	"github.com/brojonat/splitledger/service/config"
	"github.com/brojonat/splitledger/service/db"
	natspkg "github.com/brojonat/splitledger/service/nats"
	"github.com/brojonat/splitledger/service/split"
	"github.com/brojonat/splitledger/service/temporal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSplit    = "0x1111111111111111111111111111111111111111"
	testMerchant = "0x2222222222222222222222222222222222222222"
	testOther    = "0x3333333333333333333333333333333333333333"
	testBuyer    = "0x4444444444444444444444444444444444444444"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// stubChain serves a fixed event list.
type stubChain struct {
	head   uint64
	events []*chain.Event
	err    error
}

func (c *stubChain) LatestBlock(ctx context.Context) (uint64, error) {
	return c.head, c.err
}

func (c *stubChain) FetchSplitEvents(ctx context.Context, params chain.FetchParams) (*chain.FetchResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := &chain.FetchResult{}
	for _, ev := range c.events {
		if ev.BlockNumber >= params.FromBlock && ev.BlockNumber <= params.ToBlock {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

type testEnv struct {
	store     *db.MemStore
	chain     *stubChain
	publisher *natspkg.MockPublisher
	scheduler *temporal.MockScheduler
	handler   http.Handler
}

type envOption func(*Deps)

func withoutScheduler() envOption {
	return func(d *Deps) {
		d.Scheduler = nil
		d.Starter = nil
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := testLogger()
	store := db.NewMemStore()
	src := &stubChain{head: 200}
	pub := natspkg.NewMockPublisher()
	sched := temporal.NewMockScheduler()
	prices := split.NewPrices(map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1)})

	deps := Deps{
		Config: &config.Config{
			DefaultPollInterval: time.Minute,
			MinPollInterval:     30 * time.Second,
		},
		Store:      store,
		Indexer:    split.NewIndexer(store, src, pub, split.IndexerConfig{Prices: prices}, nil, logger),
		Reconciler: split.NewReconciler(store, pub, split.ReconcilerConfig{Prices: prices}, nil, logger),
		Scheduler:  sched,
		Starter:    sched,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &testEnv{
		store:     store,
		chain:     src,
		publisher: pub,
		scheduler: sched,
		handler:   New(":0", deps).Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

// addPayment puts a USDC transfer into the split on chain, paid now.
func (e *testEnv) addPayment(n int, units int64) string {
	e.chain.events = append(e.chain.events, &chain.Event{
		Name:         chain.EventTransfer,
		TxHash:       txHash(n),
		BlockNumber:  uint64(100 + n),
		Timestamp:    time.Now().UTC(),
		SplitAddress: testSplit,
		Token:        "USDC",
		Decimals:     6,
		From:         testBuyer,
		To:           testSplit,
		Amount:       big.NewInt(units),
	})
	return txHash(n)
}

func (e *testEnv) addReceipt(t *testing.T, id, expectedUSD string) {
	t.Helper()
	_, err := e.store.UpsertReceipt(context.Background(), db.Receipt{
		ReceiptID:      id,
		MerchantWallet: testMerchant,
		Status:         "checkout_success",
		ExpectedUSD:    decimal.NewNullDecimal(decimal.RequireFromString(expectedUSD)),
		CreatedAt:      time.Now().UTC().Add(-5 * time.Minute),
	})
	require.NoError(t, err)
}

func (e *testEnv) bind(t *testing.T, merchant string) {
	t.Helper()
	_, err := e.store.UpsertBinding(context.Background(), db.SplitBinding{
		DocumentID:     "site:" + merchant,
		MerchantWallet: merchant,
		SplitAddress:   testSplit,
		Recipients: []db.Recipient{
			{Address: merchant, SharesBps: 9950, Role: split.RoleMerchant},
			{Address: testOther, SharesBps: 50, Role: split.RolePlatform},
		},
	})
	require.NoError(t, err)
}

func TestSplitWebhook_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name         string
		body         string
		expectedCode string
	}{
		{
			name:         "malformed split address",
			body:         `{"splitAddress":"0x123","merchantWallet":"` + testMerchant + `"}`,
			expectedCode: split.CodeInvalidSplitAddress,
		},
		{
			name:         "missing split address",
			body:         `{"merchantWallet":"` + testMerchant + `"}`,
			expectedCode: split.CodeInvalidSplitAddress,
		},
		{
			name:         "malformed merchant wallet",
			body:         `{"splitAddress":"` + testSplit + `","merchantWallet":"0xZZ22222222222222222222222222222222222222"}`,
			expectedCode: split.CodeInvalidMerchantWallet,
		},
		{
			name:         "sql-ish merchant wallet",
			body:         `{"splitAddress":"` + testSplit + `","merchantWallet":"'; DROP TABLE split_bindings; --"}`,
			expectedCode: split.CodeInvalidMerchantWallet,
		},
		{
			name:         "malformed JSON",
			body:         `{"splitAddress":`,
			expectedCode: "invalid request body: must be valid JSON",
		},
		{
			name:         "body too large",
			body:         `{"splitAddress":"` + strings.Repeat("a", 2<<20) + `"}`,
			expectedCode: "request body too large: maximum size is 1MB",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, http.MethodPost, "/api/split/webhook", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, resp["ok"])
			assert.Equal(t, tt.expectedCode, resp["error"])
			assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
		})
	}
}

func TestSplitWebhook_IndexesAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testMerchant)
	hash := env.addPayment(1, 25_000_000)
	env.addReceipt(t, "r-1", "25")

	// Upper case input is normalized before use.
	body := `{"splitAddress":"` + strings.ToUpper(testSplit) + `","merchantWallet":"` + testMerchant + `","trigger":"payment"}`
	w, resp := env.do(t, http.MethodPost, "/api/split/webhook", body, "X-Correlation-Id", "corr-123")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "corr-123", w.Header().Get("X-Correlation-Id"))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(1), resp["indexed"])
	assert.Equal(t, "payment", resp["trigger"])

	metrics := resp["metrics"].(map[string]interface{})
	assert.Equal(t, "25", metrics["totalVolumeUsd"])

	reconcile := resp["reconcile"].(map[string]interface{})
	assert.Equal(t, true, reconcile["ok"])
	assert.Equal(t, float64(1), reconcile["reconciled"])
	matched := reconcile["matched"].([]interface{})
	require.Len(t, matched, 1)
	assert.Equal(t, hash, matched[0].(map[string]interface{})["txHash"])

	receipt, err := env.store.GetReceipt(context.Background(), testMerchant, "r-1")
	require.NoError(t, err)
	assert.Equal(t, db.ReceiptStatusReconciled, receipt.Status)
	assert.Equal(t, hash, receipt.TransactionHash)

	assert.Len(t, env.publisher.GetPublishedTransactionsForSplit(testSplit), 1)
	require.Len(t, env.publisher.GetPublishedReceipts(), 1)
	assert.Equal(t, "corr-123", env.publisher.GetPublishedReceipts()[0].CorrelationID)
}

func TestSplitWebhook_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addPayment(1, 25_000_000)
	env.addReceipt(t, "r-1", "25")
	body := `{"splitAddress":"` + testSplit + `","merchantWallet":"` + testMerchant + `"}`

	_, first := env.do(t, http.MethodPost, "/api/split/webhook", body)
	w, second := env.do(t, http.MethodPost, "/api/split/webhook", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), first["indexed"])
	assert.Equal(t, float64(0), second["indexed"])

	firstReconcile := first["reconcile"].(map[string]interface{})
	assert.Equal(t, float64(1), firstReconcile["reconciled"])

	// The second run reconciles everything, finds the existing link and writes nothing.
	reconcile := second["reconcile"].(map[string]interface{})
	assert.Equal(t, float64(0), reconcile["reconciled"])
	assert.Equal(t, float64(1), reconcile["matchedCount"])
	matched := reconcile["matched"].([]interface{})
	require.Len(t, matched, 1)
	assert.Equal(t, "r-1", matched[0].(map[string]interface{})["receiptId"])
	assert.Equal(t, split.StrategyAlreadyLinked, matched[0].(map[string]interface{})["strategy"])

	txns, err := env.store.ListSplitTransactions(context.Background(), db.ListSplitTransactionsParams{SplitAddress: testSplit})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestSplitWebhook_TargetedHashesReportUnmatched(t *testing.T) {
	env := newTestEnv(t)
	env.addPayment(1, 25_000_000)
	unknown := txHash(0xabc)

	body := `{"splitAddress":"` + testSplit + `","merchantWallet":"` + testMerchant + `","txHashes":["` + strings.ToUpper(unknown) + `","not-a-hash","` + unknown + `"]}`
	w, resp := env.do(t, http.MethodPost, "/api/split/webhook", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reconcile := resp["reconcile"].(map[string]interface{})
	assert.Equal(t, float64(0), reconcile["reconciled"])
	assert.Equal(t, []interface{}{unknown}, reconcile["unmatched"])
}

func TestSplitWebhook_ChainFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chain.err = errors.New("rpc unavailable")

	w, resp := env.do(t, http.MethodPost, "/api/split/webhook",
		`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "rpc unavailable")
}

func TestSplitWebhook_ReconcileFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.addPayment(1, 25_000_000)
	env.store.FailNext("ListReceiptLinksByTxHashes", errors.New("store down"))

	w, resp := env.do(t, http.MethodPost, "/api/split/webhook",
		`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["ok"])
	reconcile := resp["reconcile"].(map[string]interface{})
	assert.Equal(t, false, reconcile["ok"])
	assert.Contains(t, reconcile["error"], "store down")
}

func TestSplitWebhook_Async(t *testing.T) {
	t.Run("starts a sync workflow", func(t *testing.T) {
		env := newTestEnv(t)
		hash := txHash(7)
		w, resp := env.do(t, http.MethodPost, "/api/split/webhook",
			`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`","async":true,"txHashes":["`+hash+`"],"correlationId":"c-9"}`)

		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, "sync-split-"+testSplit+"-c-9", resp["workflowId"])

		started := env.scheduler.StartedWorkflows()
		require.Len(t, started, 1)
		assert.Equal(t, []string{hash}, started[0].TxHashes)
		assert.Equal(t, "manual", started[0].Trigger)
		assert.True(t, started[0].ReconcileAll)
		assert.Empty(t, env.publisher.GetPublishedTransactions())
	})

	t.Run("start failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.scheduler.SetStartError(errors.New("temporal down"))
		w, _ := env.do(t, http.MethodPost, "/api/split/webhook",
			`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`","async":true}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("runs inline without a starter", func(t *testing.T) {
		env := newTestEnv(t, withoutScheduler())
		env.addPayment(1, 1_000_000)
		w, resp := env.do(t, http.MethodPost, "/api/split/webhook",
			`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`","async":true}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), resp["indexed"])
	})
}

func TestIndexSplit(t *testing.T) {
	env := newTestEnv(t)
	env.addPayment(1, 10_000_000)
	env.addPayment(2, 5_000_000)

	w, resp := env.do(t, http.MethodPost, "/api/split/index",
		`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), resp["indexed"])
	assert.Equal(t, float64(2), resp["totalTransactions"])

	w, resp = env.do(t, http.MethodPost, "/api/split/index",
		`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`","forceReindex":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["indexed"])
	assert.Equal(t, float64(2), resp["totalTransactions"])

	w, resp = env.do(t, http.MethodPost, "/api/split/index",
		`{"splitAddress":"`+testSplit+`","merchantWallet":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, split.CodeInvalidMerchantWallet, resp["error"])
}

func TestReconcile(t *testing.T) {
	t.Run("split required without binding", func(t *testing.T) {
		env := newTestEnv(t)
		w, resp := env.do(t, http.MethodPost, "/api/split/reconcile", `{"merchantWallet":"`+testMerchant+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, split.CodeSplitRequired, resp["error"])
	})

	t.Run("invalid merchant", func(t *testing.T) {
		env := newTestEnv(t)
		w, resp := env.do(t, http.MethodPost, "/api/split/reconcile", `{"merchantWallet":"0x12"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, split.CodeInvalidMerchantWallet, resp["error"])
	})

	t.Run("split resolved from binding", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, testMerchant)
		env.addPayment(1, 30_000_000)
		env.addReceipt(t, "r-1", "25")
		_, _ = env.do(t, http.MethodPost, "/api/split/index",
			`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`"}`)

		// 30 vs 25 is outside 1% but within the $5 floor.
		w, resp := env.do(t, http.MethodPost, "/api/split/reconcile",
			`{"merchantWallet":"`+testMerchant+`","tolerancePct":1,"timeWindowMs":3600000}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, testSplit, resp["splitAddress"])
		assert.Equal(t, float64(1), resp["reconciled"])

		metrics := resp["metrics"].(map[string]interface{})
		assert.Equal(t, float64(3600000), metrics["timeWindowMs"])
		assert.Equal(t, "1", metrics["tolerancePct"])
	})

	t.Run("store failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.FailNext("ListSplitTransactions", errors.New("connection reset"))
		w, resp := env.do(t, http.MethodPost, "/api/split/reconcile",
			`{"merchantWallet":"`+testMerchant+`","splitAddress":"`+testSplit+`"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, resp["error"], "connection reset")
	})
}

func TestFindByAddress(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testMerchant)

	w, resp := env.do(t, http.MethodGet, "/api/split/find-by-address?addr=0x1234", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, split.CodeInvalidSplitAddress, resp["error"])

	w, resp = env.do(t, http.MethodGet, "/api/split/find-by-address?addr="+strings.ToUpper(testSplit), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testSplit, resp["splitAddress"])
	assert.Equal(t, float64(1), resp["count"])
	binding := resp["bindings"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, testMerchant, binding["merchantWallet"])
	assert.Equal(t, true, binding["hasWalletRecipient"])
	assert.Equal(t, true, binding["firstMatchesWallet"])
	assert.Equal(t, true, binding["valid"])

	w, resp = env.do(t, http.MethodGet, "/api/split/find-by-address?addr="+testOther, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["count"])
	assert.Equal(t, []interface{}{}, resp["bindings"])
}

func TestListTransactions(t *testing.T) {
	env := newTestEnv(t)
	env.addPayment(1, 1_000_000)
	env.addPayment(2, 2_000_000)
	env.addPayment(3, 3_000_000)
	_, _ = env.do(t, http.MethodPost, "/api/split/index",
		`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`"}`)

	w, resp := env.do(t, http.MethodGet, "/api/split/transactions?splitAddress="+testSplit+"&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp["count"])
	first := resp["transactions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, txHash(3), first["txHash"])

	for _, query := range []string{"splitAddress=bad", "splitAddress=" + testSplit + "&limit=0", "splitAddress=" + testSplit + "&limit=5000", "splitAddress=" + testSplit + "&kind=refund"} {
		w, _ := env.do(t, http.MethodGet, "/api/split/transactions?"+query, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestUpsertBinding(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodPost, "/api/split/bindings", `{
		"merchantWallet":"`+testMerchant+`",
		"splitAddress":"`+testSplit+`",
		"recipients":[{"address":"`+testMerchant+`","sharesBps":9000},{"address":"`+testOther+`","sharesBps":2000}]
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, split.CodeInvalidBinding, resp["error"])

	w, resp = env.do(t, http.MethodPost, "/api/split/bindings", `{
		"merchantWallet":"`+testMerchant+`",
		"splitAddress":"`+testSplit+`",
		"recipients":[{"address":"`+testMerchant+`","sharesBps":9950},{"address":"`+testOther+`","sharesBps":50}]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	binding := resp["binding"].(map[string]interface{})
	assert.NotEmpty(t, binding["id"])
	assert.Equal(t, float64(10000), binding["totalSharesBps"])

	bindings, err := env.store.ListBindingsBySplitAddress(context.Background(), testSplit)
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
}

func TestDedupe(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testMerchant)
	// A second merchant claims the same split but is not a recipient.
	_, err := env.store.UpsertBinding(context.Background(), db.SplitBinding{
		DocumentID:     "stale",
		MerchantWallet: testBuyer,
		SplitAddress:   testSplit,
		Recipients:     []db.Recipient{{Address: testMerchant, SharesBps: 10000}},
	})
	require.NoError(t, err)

	w, resp := env.do(t, http.MethodPost, "/api/split/dedupe", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["duplicatesFound"])
	assert.Equal(t, float64(0), resp["cleanedEntries"])

	w, resp = env.do(t, http.MethodPost, "/api/split/dedupe?apply=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["cleanedEntries"])

	bindings, err := env.store.ListBindingsBySplitAddress(context.Background(), testSplit)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, testMerchant, bindings[0].MerchantWallet)

	w, _ = env.do(t, http.MethodPost, "/api/split/dedupe?apply=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedules(t *testing.T) {
	t.Run("requires a binding", func(t *testing.T) {
		env := newTestEnv(t)
		w, resp := env.do(t, http.MethodPost, "/api/split/schedules",
			`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`","pollInterval":"5m"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, codeBindingNotFound, resp["error"])
	})

	t.Run("rejects intervals out of bounds", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, testMerchant)
		for _, interval := range []string{"5s", "-1m", "48h", "soon"} {
			w, resp := env.do(t, http.MethodPost, "/api/split/schedules",
				`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`","pollInterval":"`+interval+`"}`)
			assert.Equal(t, http.StatusBadRequest, w.Code, interval)
			assert.Equal(t, codeInvalidPollInterval, resp["error"])
		}
	})

	t.Run("create then delete", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, testMerchant)

		w, resp := env.do(t, http.MethodPost, "/api/split/schedules",
			`{"splitAddress":"`+testSplit+`","merchantWallet":"`+testMerchant+`"}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, temporal.ScheduleID(testSplit, testMerchant), resp["scheduleId"])
		interval, ok := env.scheduler.GetScheduleInterval(testSplit, testMerchant)
		require.True(t, ok)
		assert.Equal(t, time.Minute, interval)

		w, _ = env.do(t, http.MethodDelete, "/api/split/schedules/"+testSplit+"?merchantWallet="+testMerchant, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, env.scheduler.ScheduleExists(testSplit, testMerchant))

		w, _ = env.do(t, http.MethodDelete, "/api/split/schedules/"+testSplit+"?merchantWallet="+testMerchant, "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("disabled without scheduler", func(t *testing.T) {
		env := newTestEnv(t, withoutScheduler())
		w, _ := env.do(t, http.MethodPost, "/api/split/schedules", `{}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	for path, service := range map[string]string{
		"/api/split/webhook":   "split-indexer-webhook",
		"/api/split/reconcile": "split-reconcile",
	} {
		w, resp := env.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, service, resp["service"])
		assert.Equal(t, "active", resp["status"])
	}

	w, _ := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w, _ = env.do(t, http.MethodOptions, "/api/split/webhook", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Correlation-Id")
}

func TestStreamSubject(t *testing.T) {
	subject, ok := streamSubject("")
	assert.True(t, ok)
	assert.Equal(t, "split.txns.*", subject)

	subject, ok = streamSubject(" " + testSplit + " ")
	assert.True(t, ok)
	assert.Equal(t, "split.txns."+testSplit, subject)

	_, ok = streamSubject("split.txns.>")
	assert.False(t, ok)
}
