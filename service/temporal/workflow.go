package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/splitledger/service/split"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// Workflow names as registered with the worker.
const (
	SyncSplitWorkflowName      = "SyncSplitWorkflow"
	IndexAllSplitsWorkflowName = "IndexAllSplitsWorkflow"
)

// SyncSplitInput contains the input parameters for syncing one split contract.
type SyncSplitInput struct {
	SplitAddress   string   `json:"split_address"`
	MerchantWallet string   `json:"merchant_wallet"`
	Trigger        string   `json:"trigger"`             // webhook, schedule, manual
	TxHashes       []string `json:"tx_hashes,omitempty"` // reconcile these instead of newly indexed hashes
	ForceReindex   bool     `json:"force_reindex"`
	ReconcileAll   bool     `json:"reconcile_all,omitempty"` // reconcile the whole split when nothing was requested or indexed
	CorrelationID  string   `json:"correlation_id"`
}

// SyncSplitResult contains the result of syncing a split.
type SyncSplitResult struct {
	SplitAddress   string                      `json:"split_address"`
	MerchantWallet string                      `json:"merchant_wallet"`
	Trigger        string                      `json:"trigger"`
	Index          *split.IndexResult          `json:"index,omitempty"`
	Reconcile      *split.ReconciliationResult `json:"reconcile,omitempty"`
	ReconcileError *string                     `json:"reconcile_error,omitempty"`
	SyncedAt       time.Time                   `json:"synced_at"`
}

// IndexAllSplitsResult summarizes a sweep over every bound split.
type IndexAllSplitsResult struct {
	Splits  int      `json:"splits"`
	Indexed int      `json:"indexed"` // new ledger rows across all splits
	Failed  []string `json:"failed,omitempty"`
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// SyncSplitWorkflow indexes a split contract and then reconciles the payments it found.
// It is started by the async webhook path and by per-split Temporal schedules.
//
// The workflow performs these steps:
//  1. Index the split from its cursor to the chain head (IndexSplit activity)
//  2. Reconcile the requested hashes, or the newly indexed payment hashes, or
//     with ReconcileAll the whole split (ReconcileSplit activity)
//
// Indexing failures fail the workflow. Reconciliation failures are recorded in
// the result; the indexed rows stand and the next run picks the payments up.
func SyncSplitWorkflow(ctx workflow.Context, input SyncSplitInput) (*SyncSplitResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SyncSplitWorkflow started", "split", input.SplitAddress, "trigger", input.Trigger)

	result := &SyncSplitResult{
		SplitAddress:   input.SplitAddress,
		MerchantWallet: input.MerchantWallet,
		Trigger:        input.Trigger,
	}
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var indexResult *split.IndexResult
	err := workflow.ExecuteActivity(ctx, a.IndexSplit, IndexSplitInput{
		SplitAddress:   input.SplitAddress,
		MerchantWallet: input.MerchantWallet,
		ForceReindex:   input.ForceReindex,
		CorrelationID:  input.CorrelationID,
	}).Get(ctx, &indexResult)
	if err != nil {
		logger.Error("failed to index split", "split", input.SplitAddress, "error", err)
		return result, fmt.Errorf("failed to index split: %w", err)
	}
	result.Index = indexResult

	hashes := input.TxHashes
	if len(hashes) == 0 {
		hashes = indexResult.TxHashes
	}
	if len(hashes) == 0 && !input.ReconcileAll {
		logger.Info("no payments to reconcile", "split", input.SplitAddress)
		result.SyncedAt = workflow.Now(ctx)
		return result, nil
	}

	var reconcileResult *split.ReconciliationResult
	err = workflow.ExecuteActivity(ctx, a.ReconcileSplit, ReconcileSplitInput{
		SplitAddress:   indexResult.SplitAddress,
		MerchantWallet: indexResult.MerchantWallet,
		TxHashes:       hashes,
		CorrelationID:  input.CorrelationID,
	}).Get(ctx, &reconcileResult)
	if err != nil {
		logger.Warn("failed to reconcile split", "split", input.SplitAddress, "error", err)
		errMsg := fmt.Sprintf("failed to reconcile split: %v", err)
		result.ReconcileError = &errMsg
	} else {
		result.Reconcile = reconcileResult
	}

	result.SyncedAt = workflow.Now(ctx)
	logger.Info("SyncSplitWorkflow completed",
		"split", input.SplitAddress,
		"indexed", indexResult.Indexed,
		"reconcile_error", result.ReconcileError != nil,
	)
	return result, nil
}

// IndexAllSplitsWorkflow indexes every bound split. One split failing does not
// stop the sweep; failures are listed in the result.
func IndexAllSplitsWorkflow(ctx workflow.Context) (*IndexAllSplitsResult, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var refs []SplitRef
	if err := workflow.ExecuteActivity(ctx, a.ListBoundSplits).Get(ctx, &refs); err != nil {
		return nil, fmt.Errorf("failed to list bound splits: %w", err)
	}

	result := &IndexAllSplitsResult{Splits: len(refs)}
	futures := make([]workflow.Future, len(refs))
	for i, ref := range refs {
		futures[i] = workflow.ExecuteActivity(ctx, a.IndexSplit, IndexSplitInput{
			SplitAddress:   ref.SplitAddress,
			MerchantWallet: ref.MerchantWallet,
			CorrelationID:  workflow.GetInfo(ctx).WorkflowExecution.ID,
		})
	}
	for i, f := range futures {
		var r *split.IndexResult
		if err := f.Get(ctx, &r); err != nil {
			logger.Warn("failed to index split during sweep", "split", refs[i].SplitAddress, "error", err)
			result.Failed = append(result.Failed, refs[i].SplitAddress)
			continue
		}
		result.Indexed += r.Indexed
	}

	logger.Info("IndexAllSplitsWorkflow completed",
		"splits", result.Splits,
		"indexed", result.Indexed,
		"failed", len(result.Failed),
	)
	return result, nil
}
