package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/metrics"
	"github.com/brojonat/splitledger/service/split"
	"go.temporal.io/sdk/temporal"
)

// IndexSplitInput contains parameters for the IndexSplit activity.
type IndexSplitInput struct {
	SplitAddress   string `json:"split_address"`
	MerchantWallet string `json:"merchant_wallet"`
	ForceReindex   bool   `json:"force_reindex"`
	CorrelationID  string `json:"correlation_id"`
}

// ReconcileSplitInput contains parameters for the ReconcileSplit activity.
type ReconcileSplitInput struct {
	SplitAddress   string   `json:"split_address"`
	MerchantWallet string   `json:"merchant_wallet"`
	TxHashes       []string `json:"tx_hashes"`
	CorrelationID  string   `json:"correlation_id"`
}

// SplitRef identifies a bound split contract.
type SplitRef struct {
	SplitAddress   string `json:"split_address"`
	MerchantWallet string `json:"merchant_wallet"`
}

// IndexerInterface defines the indexing operation needed by activities.
// This allows for easy mocking in tests.
type IndexerInterface interface {
	IndexSplitTransactions(ctx context.Context, req split.IndexRequest) (*split.IndexResult, error)
}

// ReconcilerInterface defines the reconciliation operation needed by activities.
type ReconcilerInterface interface {
	Reconcile(ctx context.Context, req split.ReconcileRequest) (*split.ReconciliationResult, error)
}

// BindingStore lists the bindings scheduled sweeps iterate over.
type BindingStore interface {
	ListAllBindings(ctx context.Context) ([]*db.SplitBinding, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	indexer    IndexerInterface
	reconciler ReconcilerInterface
	bindings   BindingStore
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	indexer IndexerInterface,
	reconciler ReconcilerInterface,
	bindings BindingStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		indexer:    indexer,
		reconciler: reconciler,
		bindings:   bindings,
		metrics:    m,
		logger:     logger,
	}
}

// IndexSplit indexes a split contract from its cursor to the chain head.
// Validation failures are not retried.
func (a *Activities) IndexSplit(ctx context.Context, input IndexSplitInput) (*split.IndexResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("IndexSplit", input.SplitAddress, time.Since(start).Seconds())
		}
	}()

	result, err := a.indexer.IndexSplitTransactions(ctx, split.IndexRequest{
		SplitAddress:   input.SplitAddress,
		MerchantWallet: input.MerchantWallet,
		ForceReindex:   input.ForceReindex,
		CorrelationID:  input.CorrelationID,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "index split activity failed",
			"split", input.SplitAddress,
			"merchant", input.MerchantWallet,
			"error", err,
		)
		return nil, activityError(err)
	}
	return result, nil
}

// ReconcileSplit reconciles the given hashes, or every indexed payment when none are given.
func (a *Activities) ReconcileSplit(ctx context.Context, input ReconcileSplitInput) (*split.ReconciliationResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("ReconcileSplit", input.SplitAddress, time.Since(start).Seconds())
		}
	}()

	result, err := a.reconciler.Reconcile(ctx, split.ReconcileRequest{
		MerchantWallet: input.MerchantWallet,
		SplitAddress:   input.SplitAddress,
		TxHashes:       input.TxHashes,
		CorrelationID:  input.CorrelationID,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "reconcile split activity failed",
			"split", input.SplitAddress,
			"merchant", input.MerchantWallet,
			"error", err,
		)
		return nil, activityError(err)
	}
	return result, nil
}

// ListBoundSplits returns each distinct, well-formed (split, merchant) pair with a binding.
func (a *Activities) ListBoundSplits(ctx context.Context) ([]SplitRef, error) {
	bindings, err := a.bindings.ListAllBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	seen := make(map[SplitRef]bool, len(bindings))
	refs := []SplitRef{}
	for _, b := range bindings {
		splitAddr, ok := split.NormalizeAddress(b.SplitAddress)
		if !ok {
			continue
		}
		merchant, ok := split.NormalizeAddress(b.MerchantWallet)
		if !ok {
			continue
		}
		ref := SplitRef{SplitAddress: splitAddr, MerchantWallet: merchant}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	a.logger.InfoContext(ctx, "listed bound splits", "bindings", len(bindings), "splits", len(refs))
	return refs, nil
}

// activityError marks caller errors as non-retryable so Temporal doesn't spin on them.
func activityError(err error) error {
	if verr, ok := split.IsValidationError(err); ok {
		return temporal.NewNonRetryableApplicationError(verr.Error(), "ValidationError", err)
	}
	return err
}
