package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/splitledger/service/config"
	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/metrics"
	"github.com/brojonat/splitledger/service/split"
	"github.com/brojonat/splitledger/service/temporal"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize      = 1 << 20 // 1MB
	maxTxHashesPerRequest   = 500
	defaultTransactionLimit = 100
	maxTransactionLimit     = 1000
	maxPollInterval         = 24 * time.Hour
)

// Error codes that are not produced by the split package.
const (
	codeInvalidRequest      = "invalid_request"
	codeInvalidPollInterval = "invalid_poll_interval"
	codeBindingNotFound     = "binding_not_found"
)

// webhookRequest is the body of POST /api/split/webhook.
type webhookRequest struct {
	SplitAddress   string   `json:"splitAddress"`
	MerchantWallet string   `json:"merchantWallet"`
	Trigger        string   `json:"trigger"`
	TxHashes       []string `json:"txHashes"`
	CorrelationID  string   `json:"correlationId"`
	Async          bool     `json:"async"`
}

// handleSplitWebhook indexes a split and immediately reconciles what it found.
// POST /api/split/webhook
func handleSplitWebhook(indexer Indexer, reconciler Reconciler, starter temporal.WorkflowStarter, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if len(req.TxHashes) > maxTxHashesPerRequest {
			writeError(w, codeInvalidRequest, http.StatusBadRequest)
			return
		}
		if req.Trigger == "" {
			req.Trigger = "manual"
		}
		corr := correlationID(r)
		if req.CorrelationID == "" {
			req.CorrelationID = corr
		}

		splitAddr, merchant, code := validatePair(req.SplitAddress, req.MerchantWallet)
		if code != "" {
			logger.Debug("rejected webhook", "code", code, "correlation_id", corr)
			writeError(w, code, http.StatusBadRequest)
			return
		}
		hashes := split.NormalizeTxHashes(req.TxHashes)

		log := logger.With("split", splitAddr, "merchant", merchant, "trigger", req.Trigger, "correlation_id", req.CorrelationID)
		log.Info("split webhook received", "tx_hashes", len(hashes), "async", req.Async)

		if req.Async && starter != nil {
			workflowID, err := starter.StartSyncSplit(r.Context(), temporal.SyncSplitInput{
				SplitAddress:   splitAddr,
				MerchantWallet: merchant,
				Trigger:        req.Trigger,
				TxHashes:       hashes,
				ReconcileAll:   true,
				CorrelationID:  req.CorrelationID,
			})
			if err != nil {
				log.Error("failed to start sync workflow", "error", err)
				writeError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]interface{}{
				"ok":         true,
				"workflowId": workflowID,
				"trigger":    req.Trigger,
			}, http.StatusAccepted)
			return
		}

		status := "error"
		defer metrics.Timer(time.Now(), func(seconds float64) {
			if m != nil {
				m.RecordSyncDuration(req.Trigger, status, seconds)
			}
		})()

		indexed, err := indexer.IndexSplitTransactions(r.Context(), split.IndexRequest{
			SplitAddress:   splitAddr,
			MerchantWallet: merchant,
			CorrelationID:  req.CorrelationID,
		})
		if err != nil {
			writeFailure(w, err, log, "indexing failed")
			return
		}
		log.Info("split indexed", "indexed", indexed.Indexed)

		// Reconcile the requested hashes, else what this run wrote, else everything.
		if len(hashes) == 0 {
			hashes = indexed.TxHashes
		}
		var reconcile map[string]interface{}
		result, err := reconciler.Reconcile(r.Context(), split.ReconcileRequest{
			MerchantWallet: merchant,
			SplitAddress:   splitAddr,
			TxHashes:       hashes,
			CorrelationID:  req.CorrelationID,
		})
		if err != nil {
			// Indexing already succeeded, so a reconcile failure is reported, not raised.
			log.Error("reconcile after indexing failed", "error", err)
			reconcile = map[string]interface{}{"ok": false, "error": errorCode(err)}
			status = "partial"
		} else {
			reconcile = reconcileResponse(result)
			status = "ok"
		}

		writeJSON(w, map[string]interface{}{
			"ok":        true,
			"indexed":   indexed.Indexed,
			"metrics":   indexed.Metrics,
			"trigger":   req.Trigger,
			"reconcile": reconcile,
		}, http.StatusOK)
	})
}

// handleIndexSplit indexes one split without reconciling.
// POST /api/split/index
func handleIndexSplit(indexer Indexer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SplitAddress   string `json:"splitAddress"`
			MerchantWallet string `json:"merchantWallet"`
			ForceReindex   bool   `json:"forceReindex"`
		}
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		result, err := indexer.IndexSplitTransactions(r.Context(), split.IndexRequest{
			SplitAddress:   req.SplitAddress,
			MerchantWallet: req.MerchantWallet,
			ForceReindex:   req.ForceReindex,
			CorrelationID:  correlationID(r),
		})
		if err != nil {
			writeFailure(w, err, logger.With("correlation_id", correlationID(r)), "indexing failed")
			return
		}

		writeJSON(w, map[string]interface{}{
			"ok":                true,
			"indexed":           result.Indexed,
			"totalTransactions": result.TotalTransactions,
			"metrics":           result.Metrics,
			"txHashes":          result.TxHashes,
		}, http.StatusOK)
	})
}

// handleReconcile links indexed payments to receipts.
// POST /api/split/reconcile
func handleReconcile(reconciler Reconciler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MerchantWallet string              `json:"merchantWallet"`
			SplitAddress   string              `json:"splitAddress"`
			TxHashes       []string            `json:"txHashes"`
			ReceiptID      string              `json:"receiptId"`
			TimeWindowMs   *int64              `json:"timeWindowMs"`
			TolerancePct   decimal.NullDecimal `json:"tolerancePct"`
			CorrelationID  string              `json:"correlationId"`
		}
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if len(req.TxHashes) > maxTxHashesPerRequest {
			writeError(w, codeInvalidRequest, http.StatusBadRequest)
			return
		}
		if req.CorrelationID == "" {
			req.CorrelationID = correlationID(r)
		}

		rr := split.ReconcileRequest{
			MerchantWallet: req.MerchantWallet,
			SplitAddress:   req.SplitAddress,
			TxHashes:       req.TxHashes,
			ReceiptID:      strings.TrimSpace(req.ReceiptID),
			TolerancePct:   req.TolerancePct,
			CorrelationID:  req.CorrelationID,
		}
		if req.TimeWindowMs != nil {
			rr.TimeWindow = time.Duration(*req.TimeWindowMs) * time.Millisecond
		}

		result, err := reconciler.Reconcile(r.Context(), rr)
		if err != nil {
			writeFailure(w, err, logger.With("correlation_id", req.CorrelationID), "reconcile failed")
			return
		}
		writeJSON(w, reconcileResponse(result), http.StatusOK)
	})
}

// handleFindByAddress lists every binding of a split contract with ownership diagnostics.
// GET /api/split/find-by-address?addr=ADDRESS
func handleFindByAddress(resolver *split.Resolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := r.URL.Query().Get("addr")
		bindings, err := resolver.FindBindingsByAddress(r.Context(), addr)
		if err != nil {
			writeFailure(w, err, logger, "find by address failed")
			return
		}
		normalized, _ := split.NormalizeAddress(addr)
		writeJSON(w, map[string]interface{}{
			"ok":           true,
			"splitAddress": normalized,
			"bindings":     bindings,
			"count":        len(bindings),
		}, http.StatusOK)
	})
}

// handleListTransactions returns the indexed ledger of a split, newest first.
// GET /api/split/transactions?splitAddress=ADDRESS&limit=N&kind=payment
func handleListTransactions(store split.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		splitAddr, ok := split.NormalizeAddress(query.Get("splitAddress"))
		if !ok {
			writeError(w, split.CodeInvalidSplitAddress, http.StatusBadRequest)
			return
		}

		limit := int32(defaultTransactionLimit)
		if limitStr := query.Get("limit"); limitStr != "" {
			parsed, err := strconv.Atoi(limitStr)
			if err != nil || parsed < 1 || parsed > maxTransactionLimit {
				writeError(w, "invalid_limit", http.StatusBadRequest)
				return
			}
			limit = int32(parsed)
		}

		kind := query.Get("kind")
		if kind != "" && kind != db.KindPayment && kind != db.KindRelease {
			writeError(w, "invalid_kind", http.StatusBadRequest)
			return
		}

		txns, err := store.ListSplitTransactions(r.Context(), db.ListSplitTransactionsParams{
			SplitAddress: splitAddr,
			Kind:         kind,
			Limit:        limit,
			NewestFirst:  true,
		})
		if err != nil {
			logger.Error("failed to list split transactions", "split", splitAddr, "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if txns == nil {
			txns = []*db.SplitTransaction{}
		}

		writeJSON(w, map[string]interface{}{
			"ok":           true,
			"transactions": txns,
			"count":        len(txns),
		}, http.StatusOK)
	})
}

// handleUpsertBinding validates and stores a split binding.
// POST /api/split/bindings
func handleUpsertBinding(resolver *split.Resolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req db.SplitBinding
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		binding, err := resolver.UpsertBinding(r.Context(), req)
		if err != nil {
			writeFailure(w, err, logger, "binding upsert failed")
			return
		}
		writeJSON(w, map[string]interface{}{
			"ok":      true,
			"binding": split.Diagnose(binding),
		}, http.StatusOK)
	})
}

// handleDedupe reports split addresses bound to more than one merchant and,
// with apply=true, removes the bindings that do not own the split.
// POST /api/split/dedupe?apply=true
func handleDedupe(resolver *split.Resolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apply := false
		if v := r.URL.Query().Get("apply"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, codeInvalidRequest, http.StatusBadRequest)
				return
			}
			apply = parsed
		}

		result, err := resolver.Dedupe(r.Context(), apply)
		if err != nil {
			writeFailure(w, err, logger, "dedupe failed")
			return
		}
		writeJSON(w, map[string]interface{}{
			"ok":              true,
			"applied":         apply,
			"duplicatesFound": result.DuplicatesFound,
			"cleanedEntries":  result.CleanedEntries,
			"groups":          result.Groups,
			"actions":         result.Actions,
		}, http.StatusOK)
	})
}

// handleUpsertSchedule creates or updates the periodic sync of a bound split.
// POST /api/split/schedules
func handleUpsertSchedule(store split.Store, scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SplitAddress   string `json:"splitAddress"`
			MerchantWallet string `json:"merchantWallet"`
			PollInterval   string `json:"pollInterval"`
		}
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		splitAddr, merchant, code := validatePair(req.SplitAddress, req.MerchantWallet)
		if code != "" {
			writeError(w, code, http.StatusBadRequest)
			return
		}

		interval := cfg.DefaultPollInterval
		if req.PollInterval != "" {
			parsed, err := time.ParseDuration(req.PollInterval)
			if err != nil {
				writeError(w, codeInvalidPollInterval, http.StatusBadRequest)
				return
			}
			interval = parsed
		}
		if interval <= 0 || interval < cfg.MinPollInterval || interval > maxPollInterval {
			logger.Debug("poll interval out of bounds", "interval", interval, "min", cfg.MinPollInterval)
			writeError(w, codeInvalidPollInterval, http.StatusBadRequest)
			return
		}

		// Only bound pairs are synced; the workflow would otherwise index a split nobody owns.
		bindings, err := store.ListBindingsBySplitAddress(r.Context(), splitAddr)
		if err != nil {
			logger.Error("failed to load bindings", "split", splitAddr, "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !slices.ContainsFunc(bindings, func(b *db.SplitBinding) bool { return b.MerchantWallet == merchant }) {
			writeError(w, codeBindingNotFound, http.StatusNotFound)
			return
		}

		if err := scheduler.UpsertSplitSchedule(r.Context(), splitAddr, merchant, interval); err != nil {
			logger.Error("failed to upsert schedule", "split", splitAddr, "merchant", merchant, "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("split schedule set", "split", splitAddr, "merchant", merchant, "interval", interval)
		writeJSON(w, map[string]interface{}{
			"ok":           true,
			"scheduleId":   temporal.ScheduleID(splitAddr, merchant),
			"pollInterval": interval.String(),
		}, http.StatusCreated)
	})
}

// handleDeleteSchedule stops the periodic sync of a split.
// DELETE /api/split/schedules/{splitAddress}?merchantWallet=ADDRESS
func handleDeleteSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		splitAddr, merchant, code := validatePair(r.PathValue("splitAddress"), r.URL.Query().Get("merchantWallet"))
		if code != "" {
			writeError(w, code, http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteSplitSchedule(r.Context(), splitAddr, merchant); err != nil {
			logger.Error("failed to delete schedule", "split", splitAddr, "merchant", merchant, "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("split schedule deleted", "split", splitAddr, "merchant", merchant)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleServiceHealth answers the GET health checks that webhook senders use.
func handleServiceHealth(service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"ok":      true,
			"service": service,
			"status":  "active",
		}, http.StatusOK)
	})
}

func reconcileResponse(result *split.ReconciliationResult) map[string]interface{} {
	return map[string]interface{}{
		"ok":           true,
		"splitAddress": result.SplitAddress,
		"reconciled":   result.Reconciled,
		"matchedCount": result.MatchedCount,
		"matched":      result.Matched,
		"unmatched":    result.UnmatchedTxHashes,
		"metrics":      result.Metrics,
	}
}

// validatePair normalizes a split/merchant pair, returning an error code when either is malformed.
func validatePair(splitAddress, merchantWallet string) (string, string, string) {
	splitAddr, ok := split.NormalizeAddress(splitAddress)
	if !ok {
		return "", "", split.CodeInvalidSplitAddress
	}
	merchant, ok := split.NormalizeAddress(merchantWallet)
	if !ok {
		return "", "", split.CodeInvalidMerchantWallet
	}
	return splitAddr, merchant, ""
}

// decodeJSON reads a size-limited JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeFailure maps validation errors to 400 and everything else to 500.
func writeFailure(w http.ResponseWriter, err error, logger *slog.Logger, msg string) {
	if verr, ok := split.IsValidationError(err); ok {
		logger.Debug(msg, "code", verr.Code, "error", err)
		writeError(w, verr.Code, http.StatusBadRequest)
		return
	}
	logger.Error(msg, "error", err)
	writeError(w, err.Error(), http.StatusInternalServerError)
}

// errorCode returns the stable code of a validation error, or the error text.
func errorCode(err error) string {
	if verr, ok := split.IsValidationError(err); ok {
		return verr.Code
	}
	return err.Error()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]interface{}{
		"ok":    false,
		"error": message,
	}, statusCode)
}
