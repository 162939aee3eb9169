package split

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Reconciliation defaults.
const (
	DefaultTimeWindow = 2 * time.Hour
	MinTimeWindow     = time.Minute
)

var (
	// DefaultTolerancePct is the default relative tolerance for amount matching.
	DefaultTolerancePct = decimal.NewFromInt(20)

	// usdToleranceFloor is the absolute slack allowed on USD comparisons.
	usdToleranceFloor = decimal.NewFromInt(5)

	hundred = decimal.NewFromInt(100)
)

// Receipt statuses eligible for reconciliation.
var reconcilableStatuses = []string{"generated", "pending", "checkout_initialized", "checkout_success", "edited"}

// Match strategies, in cascade order.
const (
	StrategyExpectedAmount = "expected_amount"
	StrategyUSD            = "usd"
	StrategyBuyerWallet    = "buyer_wallet"

	// StrategyExplicitReceipt links a payment to a receipt the caller named.
	StrategyExplicitReceipt = "explicit_receipt"
	// StrategyAlreadyLinked marks a payment linked before this run.
	StrategyAlreadyLinked = "already_linked"
)

// ReconcilerConfig holds run defaults used when a request leaves them unset.
// An invalid TolerancePct means DefaultTolerancePct; a valid zero demands exact amounts.
type ReconcilerConfig struct {
	TimeWindow   time.Duration
	TolerancePct decimal.NullDecimal
	Prices       Prices
}

// Reconciler matches indexed payments against receipts.
type Reconciler struct {
	store     Store
	publisher Publisher // optional
	cfg       ReconcilerConfig
	tolerance decimal.Decimal
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. publisher and m may be nil.
func NewReconciler(store Store, publisher Publisher, cfg ReconcilerConfig, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if cfg.TimeWindow == 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	tolerance := DefaultTolerancePct
	if cfg.TolerancePct.Valid {
		tolerance = clampPct(cfg.TolerancePct.Decimal)
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		tolerance: tolerance,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileRequest scopes a reconciliation run.
type ReconcileRequest struct {
	MerchantWallet string
	SplitAddress   string   // resolved from the merchant's bindings when empty
	TxHashes       []string // when set, only these hashes are processed and reported
	ReceiptID      string   // when set, linked directly to the first unlinked payment
	TimeWindow     time.Duration
	TolerancePct   decimal.NullDecimal
	CorrelationID  string
}

// Match is one payment linked to a receipt, in this run or an earlier one.
type Match struct {
	TxHash    string          `json:"txHash"`
	ReceiptID string          `json:"receiptId,omitempty"`
	Strategy  string          `json:"strategy"`
	USD       decimal.Decimal `json:"usd"`
}

// ReconcileMetrics describes a reconciliation run.
type ReconcileMetrics struct {
	Evaluated         int             `json:"evaluated"`
	CandidateReceipts int             `json:"candidateReceipts"`
	AlreadyLinked     int             `json:"alreadyLinked"`
	NewlyLinked       int             `json:"newlyLinked"`
	Unmatched         int             `json:"unmatched"`
	TimeWindowMs      int64           `json:"timeWindowMs"`
	TolerancePct      decimal.Decimal `json:"tolerancePct"`
	DurationMs        int64           `json:"durationMs"`
}

// ReconciliationResult is recomputed per run and never persisted.
// Matched lists every evaluated payment that has a receipt; Reconciled counts
// only the links this run wrote.
type ReconciliationResult struct {
	MerchantWallet    string           `json:"merchantWallet"`
	SplitAddress      string           `json:"splitAddress"`
	MatchedCount      int              `json:"matchedCount"`
	Matched           []Match          `json:"matched"`
	Reconciled        int              `json:"reconciled"`
	UnmatchedTxHashes []string         `json:"unmatchedTxHashes"`
	Metrics           ReconcileMetrics `json:"metrics"`
}

// ReceiptReconciled is announced after a receipt is linked to a payment.
type ReceiptReconciled struct {
	ReceiptID      string          `json:"receiptId"`
	MerchantWallet string          `json:"merchantWallet"`
	SplitAddress   string          `json:"splitAddress"`
	TxHash         string          `json:"txHash"`
	Strategy       string          `json:"strategy"`
	USD            decimal.Decimal `json:"usd"`
	ReconciledAt   time.Time       `json:"reconciledAt"`
	CorrelationID  string          `json:"correlationId,omitempty"`
}

// payment is every ledger payment row sharing one transaction hash.
type payment struct {
	hash      string
	from      string
	timestamp time.Time
	amounts   map[string]decimal.Decimal // by token symbol
	usd       decimal.Decimal
}

// Reconcile links indexed payments to receipts and reports what stayed unmatched.
// Unmatched payments are a normal outcome, not an error.
func (rc *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconciliationResult, error) {
	start := time.Now()
	result, err := rc.reconcile(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	if rc.metrics != nil {
		rc.metrics.RecordReconcileDuration(status, time.Since(start).Seconds())
	}
	if result != nil {
		result.Metrics.DurationMs = time.Since(start).Milliseconds()
	}
	return result, err
}

func (rc *Reconciler) reconcile(ctx context.Context, req ReconcileRequest) (*ReconciliationResult, error) {
	merchant, ok := NormalizeAddress(req.MerchantWallet)
	if !ok {
		return nil, validationErrorf(CodeInvalidMerchantWallet, "merchant wallet must match 0x followed by 40 hex characters")
	}
	split, err := rc.resolveSplit(ctx, merchant, req.SplitAddress)
	if err != nil {
		return nil, err
	}

	window := req.TimeWindow
	if window <= 0 {
		window = rc.cfg.TimeWindow
	}
	window = max(window, MinTimeWindow)

	tolerance := rc.tolerance
	if req.TolerancePct.Valid {
		tolerance = clampPct(req.TolerancePct.Decimal)
	}

	result := &ReconciliationResult{
		MerchantWallet:    merchant,
		SplitAddress:      split,
		Matched:           []Match{},
		UnmatchedTxHashes: []string{},
		Metrics: ReconcileMetrics{
			TimeWindowMs: window.Milliseconds(),
			TolerancePct: tolerance,
		},
	}
	log := rc.logger.With("split", abbrev(split), "merchant", abbrev(merchant), "correlation_id", req.CorrelationID)

	hashes := NormalizeTxHashes(req.TxHashes)
	targeted := len(req.TxHashes) > 0
	if targeted && len(hashes) == 0 {
		log.InfoContext(ctx, "no well-formed transaction hashes to reconcile", "requested", len(req.TxHashes))
		return result, nil
	}

	rows, err := rc.store.ListSplitTransactions(ctx, db.ListSplitTransactionsParams{
		SplitAddress: split,
		TxHashes:     hashes,
		Kind:         db.KindPayment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}
	payments := rc.groupPayments(rows)
	result.Metrics.Evaluated = len(payments)

	paymentHashes := make([]string, len(payments))
	for i, p := range payments {
		paymentHashes[i] = p.hash
	}

	linked, err := rc.linkedHashes(ctx, merchant, paymentHashes)
	if err != nil {
		return nil, err
	}

	candidates, err := rc.candidates(ctx, merchant, req.ReceiptID, window)
	if err != nil {
		return nil, err
	}
	result.Metrics.CandidateReceipts = len(candidates)
	consumed := make(map[string]bool, len(candidates))

	for _, p := range payments {
		if receiptID, ok := linked[p.hash]; ok {
			result.Metrics.AlreadyLinked++
			result.Matched = append(result.Matched, Match{
				TxHash:    p.hash,
				ReceiptID: receiptID,
				Strategy:  StrategyAlreadyLinked,
				USD:       p.usd.Round(2),
			})
			rc.recordOutcome("already_linked", "")
			continue
		}

		var receipt *db.Receipt
		var strategy string
		if req.ReceiptID != "" {
			receipt, strategy = explicitMatch(candidates, consumed)
		} else {
			receipt, strategy = rc.findMatch(p, candidates, consumed, window, tolerance)
		}
		if receipt == nil {
			result.UnmatchedTxHashes = append(result.UnmatchedTxHashes, p.hash)
			rc.recordOutcome("unmatched", "")
			continue
		}

		err := rc.store.LinkReceipt(ctx, db.LinkReceiptParams{
			ReceiptID:      receipt.ReceiptID,
			MerchantWallet: merchant,
			TxHash:         p.hash,
			TxTimestamp:    p.timestamp,
			BuyerWallet:    p.from,
			CorrelationID:  req.CorrelationID,
			LinkedAt:       rc.now(),
			Note:           "matched by " + strategy,
		})
		switch {
		case errors.Is(err, db.ErrAlreadyLinked):
			// A concurrent run linked this payment or receipt first.
			consumed[receipt.ReceiptID] = true
			result.Metrics.AlreadyLinked++
			result.Matched = append(result.Matched, Match{TxHash: p.hash, Strategy: StrategyAlreadyLinked, USD: p.usd.Round(2)})
			rc.recordOutcome("already_linked", "")
			continue
		case errors.Is(err, pgx.ErrNoRows):
			log.WarnContext(ctx, "receipt disappeared before linking", "receipt_id", receipt.ReceiptID, "tx_hash", p.hash)
			consumed[receipt.ReceiptID] = true
			result.UnmatchedTxHashes = append(result.UnmatchedTxHashes, p.hash)
			rc.recordOutcome("unmatched", "")
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to link receipt %s: %w", receipt.ReceiptID, err)
		}

		consumed[receipt.ReceiptID] = true
		result.Metrics.NewlyLinked++
		result.Matched = append(result.Matched, Match{
			TxHash:    p.hash,
			ReceiptID: receipt.ReceiptID,
			Strategy:  strategy,
			USD:       p.usd.Round(2),
		})
		rc.recordOutcome("matched", strategy)

		log.InfoContext(ctx, "receipt reconciled",
			"receipt_id", receipt.ReceiptID,
			"tx_hash", p.hash,
			"strategy", strategy,
		)

		if rc.publisher != nil {
			if err := rc.publisher.PublishReceiptReconciled(ctx, ReceiptReconciled{
				ReceiptID:      receipt.ReceiptID,
				MerchantWallet: merchant,
				SplitAddress:   split,
				TxHash:         p.hash,
				Strategy:       strategy,
				USD:            p.usd.Round(2),
				ReconciledAt:   rc.now(),
				CorrelationID:  req.CorrelationID,
			}); err != nil {
				log.WarnContext(ctx, "failed to publish reconciled receipt", "receipt_id", receipt.ReceiptID, "error", err)
			}
		}
	}

	// Requested hashes with no indexed payment are reported too.
	if targeted {
		seen := make(map[string]bool, len(paymentHashes))
		for _, h := range paymentHashes {
			seen[h] = true
		}
		for _, h := range hashes {
			if !seen[h] {
				result.UnmatchedTxHashes = append(result.UnmatchedTxHashes, h)
			}
		}
	}

	result.MatchedCount = len(result.Matched)
	result.Reconciled = result.Metrics.NewlyLinked
	result.Metrics.Unmatched = len(result.UnmatchedTxHashes)

	log.InfoContext(ctx, "reconciliation complete",
		"targeted", targeted,
		"evaluated", result.Metrics.Evaluated,
		"matched", result.MatchedCount,
		"newly_linked", result.Metrics.NewlyLinked,
		"unmatched", result.Metrics.Unmatched,
	)

	return result, nil
}

// resolveSplit validates an explicit split address or falls back to the merchant's latest binding.
func (rc *Reconciler) resolveSplit(ctx context.Context, merchant, raw string) (string, error) {
	if strings.TrimSpace(raw) != "" {
		split, ok := NormalizeAddress(raw)
		if !ok {
			return "", validationErrorf(CodeInvalidSplitAddress, "split address must match 0x followed by 40 hex characters")
		}
		return split, nil
	}

	bindings, err := rc.store.ListBindingsByMerchant(ctx, merchant)
	if err != nil {
		return "", fmt.Errorf("failed to load bindings: %w", err)
	}
	for _, b := range bindings {
		if split, ok := NormalizeAddress(b.SplitAddress); ok {
			return split, nil
		}
	}
	return "", validationErrorf(CodeSplitRequired, "no split address given and none bound to merchant")
}

// groupPayments folds ledger rows into one payment per transaction hash, keeping chain order.
func (rc *Reconciler) groupPayments(rows []*db.SplitTransaction) []*payment {
	var out []*payment
	byHash := make(map[string]*payment)
	for _, t := range rows {
		p, ok := byHash[t.TxHash]
		if !ok {
			p = &payment{
				hash:      t.TxHash,
				from:      t.From,
				timestamp: t.Timestamp,
				amounts:   map[string]decimal.Decimal{},
				usd:       decimal.Zero,
			}
			byHash[t.TxHash] = p
			out = append(out, p)
		}
		p.amounts[strings.ToUpper(t.Token)] = p.amounts[strings.ToUpper(t.Token)].Add(t.Amount)
		p.usd = p.usd.Add(rc.cfg.Prices.USD(t.Token, t.Amount))
	}
	return out
}

// linkedHashes maps hashes already attached to a receipt, via a link record or
// the receipt itself, to that receipt's id.
func (rc *Reconciler) linkedHashes(ctx context.Context, merchant string, hashes []string) (map[string]string, error) {
	linked := make(map[string]string)
	if len(hashes) == 0 {
		return linked, nil
	}
	links, err := rc.store.ListReceiptLinksByTxHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt links: %w", err)
	}
	for _, l := range links {
		linked[l.TxHash] = l.ReceiptID
	}
	receipts, err := rc.store.ListReceiptsByTxHashes(ctx, merchant, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts by hash: %w", err)
	}
	for _, r := range receipts {
		linked[strings.ToLower(r.TransactionHash)] = r.ReceiptID
	}
	return linked, nil
}

// candidates returns receipts a payment may be linked to.
func (rc *Reconciler) candidates(ctx context.Context, merchant, receiptID string, window time.Duration) ([]*db.Receipt, error) {
	if receiptID != "" {
		r, err := rc.store.GetReceipt(ctx, merchant, receiptID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, validationErrorf(CodeInvalidReceipt, "receipt not found")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load receipt: %w", err)
		}
		if r.TransactionHash != "" {
			return []*db.Receipt{}, nil
		}
		return []*db.Receipt{r}, nil
	}

	receipts, err := rc.store.ListReceipts(ctx, db.ListReceiptsParams{
		MerchantWallet: merchant,
		Statuses:       reconcilableStatuses,
		CreatedAfter:   rc.now().Add(-window),
		OnlyUnlinked:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate receipts: %w", err)
	}
	return receipts, nil
}

// explicitMatch hands a caller-named receipt to the first payment that reaches
// it. Strategies and the time window do not apply.
func explicitMatch(candidates []*db.Receipt, consumed map[string]bool) (*db.Receipt, string) {
	for _, r := range candidates {
		if !consumed[r.ReceiptID] {
			return r, StrategyExplicitReceipt
		}
	}
	return nil, ""
}

// findMatch runs the strategy cascade; the first strategy with any hit wins.
func (rc *Reconciler) findMatch(p *payment, candidates []*db.Receipt, consumed map[string]bool, window time.Duration, tolerance decimal.Decimal) (*db.Receipt, string) {
	strategies := []struct {
		name  string
		match func(*db.Receipt) bool
	}{
		{StrategyExpectedAmount, func(r *db.Receipt) bool {
			if r.ExpectedToken != "" && r.ExpectedAmountToken.Valid {
				actual, ok := p.amounts[strings.ToUpper(r.ExpectedToken)]
				return ok && withinTolerance(r.ExpectedAmountToken.Decimal, actual, tolerance, decimal.Zero)
			}
			return r.ExpectedUSD.Valid && withinTolerance(r.ExpectedUSD.Decimal, p.usd, tolerance, usdToleranceFloor)
		}},
		{StrategyUSD, func(r *db.Receipt) bool {
			if r.ExpectedUSD.Valid && withinTolerance(r.ExpectedUSD.Decimal, p.usd, tolerance, usdToleranceFloor) {
				return true
			}
			return r.TotalUSD.Valid && withinTolerance(r.TotalUSD.Decimal, p.usd, tolerance, usdToleranceFloor)
		}},
		{StrategyBuyerWallet, func(r *db.Receipt) bool {
			return r.BuyerWallet != "" && p.from != "" && strings.EqualFold(r.BuyerWallet, p.from)
		}},
	}

	for _, s := range strategies {
		for _, r := range candidates {
			if consumed[r.ReceiptID] || !withinWindow(p.timestamp, r.CreatedAt, window) {
				continue
			}
			if s.match(r) {
				return r, s.name
			}
		}
	}
	return nil, ""
}

func (rc *Reconciler) recordOutcome(outcome, strategy string) {
	if rc.metrics != nil {
		rc.metrics.RecordReconcileOutcome(outcome, strategy)
	}
}

// withinTolerance reports whether actual is within pct percent of expected,
// with at least floor of absolute slack. Non-positive expectations never match.
func withinTolerance(expected, actual, pct, floor decimal.Decimal) bool {
	if !expected.IsPositive() {
		return false
	}
	allowed := decimal.Max(expected.Mul(pct).Div(hundred), floor)
	return actual.Sub(expected).Abs().LessThanOrEqual(allowed)
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func clampPct(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
