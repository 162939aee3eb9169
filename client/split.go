package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Recipient is one payee of a split contract.
type Recipient struct {
	Address   string `json:"address"`
	SharesBps int    `json:"sharesBps"`
	Role      string `json:"role,omitempty"`
}

// Binding associates a merchant wallet with a split contract.
type Binding struct {
	ID             string      `json:"id,omitempty"`
	MerchantWallet string      `json:"merchantWallet"`
	BrandKey       string      `json:"brandKey,omitempty"`
	SplitAddress   string      `json:"splitAddress"`
	Recipients     []Recipient `json:"recipients"`
	CreatedAt      time.Time   `json:"createdAt,omitempty"`
	UpdatedAt      time.Time   `json:"updatedAt,omitempty"`
}

// BindingDiagnostics is a binding plus the ownership checks the server ran on it.
type BindingDiagnostics struct {
	Binding
	HasWalletRecipient   bool  `json:"hasWalletRecipient"`
	FirstMatchesWallet   bool  `json:"firstMatchesWallet"`
	RoleMatchesWallet    *bool `json:"roleMatchesWallet"`
	WalletRecipientCount int   `json:"walletRecipientCount"`
	TotalSharesBps       int   `json:"totalSharesBps"`
	SharesWithinLimit    bool  `json:"sharesWithinLimit"`
	Valid                bool  `json:"valid"`
}

// Transaction is one indexed split contract event.
type Transaction struct {
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

// Metrics are the aggregates of a split's ledger.
type Metrics struct {
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

// Match is a payment linked to a receipt.
type Match struct {
	TxHash    string          `json:"txHash"`
	ReceiptID string          `json:"receiptId,omitempty"`
	Strategy  string          `json:"strategy"`
	USD       decimal.Decimal `json:"usd"`
}

// ReconcileMetrics describes one reconciliation run.
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

// ReconcileResult is the outcome of a reconciliation run.
// Within a webhook result OK is false and Error set when reconciliation failed after indexing.
type ReconcileResult struct {
	OK           bool             `json:"ok"`
	Error        string           `json:"error,omitempty"`
	SplitAddress string           `json:"splitAddress"`
	Reconciled   int              `json:"reconciled"`   // links written by this run
	MatchedCount int              `json:"matchedCount"` // payments with a receipt, including earlier links
	Matched      []Match          `json:"matched"`
	Unmatched    []string         `json:"unmatched"`
	Metrics      ReconcileMetrics `json:"metrics"`
}

// WebhookRequest asks the server to index a split and reconcile it.
type WebhookRequest struct {
	SplitAddress   string   `json:"splitAddress"`
	MerchantWallet string   `json:"merchantWallet"`
	Trigger        string   `json:"trigger,omitempty"`
	TxHashes       []string `json:"txHashes,omitempty"`
	CorrelationID  string   `json:"correlationId,omitempty"`
	Async          bool     `json:"async,omitempty"`
}

// WebhookResult is the server's answer to a webhook.
// WorkflowID is set instead of the index fields when the sync ran asynchronously.
type WebhookResult struct {
	Indexed    int              `json:"indexed"`
	Metrics    Metrics          `json:"metrics"`
	Trigger    string           `json:"trigger"`
	Reconcile  *ReconcileResult `json:"reconcile"`
	WorkflowID string           `json:"workflowId,omitempty"`
}

// IndexResult is the outcome of an index run.
type IndexResult struct {
	Indexed           int      `json:"indexed"`
	TotalTransactions int64    `json:"totalTransactions"`
	Metrics           Metrics  `json:"metrics"`
	TxHashes          []string `json:"txHashes"`
}

// ReconcileRequest scopes a reconciliation run. Zero values use server defaults.
type ReconcileRequest struct {
	MerchantWallet string
	SplitAddress   string
	TxHashes       []string
	ReceiptID      string
	TimeWindow     time.Duration
	TolerancePct   decimal.NullDecimal
	CorrelationID  string
}

// DedupeAction is one binding the dedupe pass cleared or would clear.
type DedupeAction struct {
	Action       string `json:"action"`
	SplitAddress string `json:"splitAddress"`
	DocumentID   string `json:"docId"`
	Wallet       string `json:"wallet"`
	Error        string `json:"error,omitempty"`
}

// DedupeResult summarizes a dedupe pass.
type DedupeResult struct {
	Applied         bool           `json:"applied"`
	DuplicatesFound int            `json:"duplicatesFound"`
	CleanedEntries  int            `json:"cleanedEntries"`
	Actions         []DedupeAction `json:"actions"`
}

// StreamEvent is an indexed transaction relayed over the ledger stream.
type StreamEvent struct {
	TxHash         string          `json:"tx_hash"`
	LogIndex       uint            `json:"log_index"`
	SplitAddress   string          `json:"split_address"`
	MerchantWallet string          `json:"merchant_wallet"`
	Kind           string          `json:"kind"`
	ReleaseType    string          `json:"release_type,omitempty"`
	Token          string          `json:"token"`
	Amount         decimal.Decimal `json:"amount"`
	AmountRaw      string          `json:"amount_raw"`
	From           string          `json:"from,omitempty"`
	Recipient      string          `json:"recipient"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTime      time.Time       `json:"block_time"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// Client is the HTTP client for the split ledger service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new split ledger client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Webhook triggers indexing of a split followed by reconciliation.
func (c *Client) Webhook(ctx context.Context, req WebhookRequest) (*WebhookResult, error) {
	var out WebhookResult
	status, err := c.do(ctx, http.MethodPost, "/api/split/webhook", req, &out, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("webhook sent", "split", req.SplitAddress, "status", status, "indexed", out.Indexed, "workflow_id", out.WorkflowID)
	return &out, nil
}

// Index indexes a split without reconciling.
func (c *Client) Index(ctx context.Context, splitAddress, merchantWallet string, forceReindex bool) (*IndexResult, error) {
	body := map[string]interface{}{
		"splitAddress":   splitAddress,
		"merchantWallet": merchantWallet,
		"forceReindex":   forceReindex,
	}
	var out IndexResult
	if _, err := c.do(ctx, http.MethodPost, "/api/split/index", body, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile links a split's indexed payments to receipts.
func (c *Client) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	body := map[string]interface{}{
		"merchantWallet": req.MerchantWallet,
	}
	if req.SplitAddress != "" {
		body["splitAddress"] = req.SplitAddress
	}
	if len(req.TxHashes) > 0 {
		body["txHashes"] = req.TxHashes
	}
	if req.ReceiptID != "" {
		body["receiptId"] = req.ReceiptID
	}
	if req.TimeWindow > 0 {
		body["timeWindowMs"] = req.TimeWindow.Milliseconds()
	}
	if req.TolerancePct.Valid {
		body["tolerancePct"] = req.TolerancePct.Decimal
	}
	if req.CorrelationID != "" {
		body["correlationId"] = req.CorrelationID
	}

	var out ReconcileResult
	if _, err := c.do(ctx, http.MethodPost, "/api/split/reconcile", body, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindByAddress lists every binding of a split contract with ownership diagnostics.
func (c *Client) FindByAddress(ctx context.Context, splitAddress string) ([]BindingDiagnostics, error) {
	var out struct {
		Bindings []BindingDiagnostics `json:"bindings"`
	}
	path := "/api/split/find-by-address?addr=" + url.QueryEscape(splitAddress)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Bindings, nil
}

// ListTransactions returns a split's ledger, newest first. limit <= 0 uses the server default.
func (c *Client) ListTransactions(ctx context.Context, splitAddress string, limit int) ([]*Transaction, error) {
	q := url.Values{}
	q.Set("splitAddress", splitAddress)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/split/transactions?"+q.Encode(), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// UpsertBinding creates or replaces a split binding.
func (c *Client) UpsertBinding(ctx context.Context, b Binding) (*BindingDiagnostics, error) {
	var out struct {
		Binding BindingDiagnostics `json:"binding"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/split/bindings", b, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out.Binding, nil
}

// Dedupe reports split addresses bound to several merchants and, when apply is set,
// removes the bindings that do not own the split.
func (c *Client) Dedupe(ctx context.Context, apply bool) (*DedupeResult, error) {
	var out DedupeResult
	path := "/api/split/dedupe?apply=" + strconv.FormatBool(apply)
	if _, err := c.do(ctx, http.MethodPost, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Schedule creates or updates the periodic sync of a bound split and returns the schedule id.
func (c *Client) Schedule(ctx context.Context, splitAddress, merchantWallet string, pollInterval time.Duration) (string, error) {
	body := map[string]interface{}{
		"splitAddress":   splitAddress,
		"merchantWallet": merchantWallet,
	}
	if pollInterval > 0 {
		body["pollInterval"] = pollInterval.String()
	}
	var out struct {
		ScheduleID string `json:"scheduleId"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/split/schedules", body, &out, http.StatusCreated); err != nil {
		return "", err
	}
	return out.ScheduleID, nil
}

// Unschedule stops the periodic sync of a split.
func (c *Client) Unschedule(ctx context.Context, splitAddress, merchantWallet string) error {
	path := fmt.Sprintf("/api/split/schedules/%s?merchantWallet=%s", url.PathEscape(splitAddress), url.QueryEscape(merchantWallet))
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil, http.StatusNoContent)
	return err
}

// Await blocks until the ledger stream relays a transaction of splitAddress accepted by match,
// or ctx ends.
func (c *Client) Await(ctx context.Context, splitAddress string, match func(*StreamEvent) bool) (*StreamEvent, error) {
	u := fmt.Sprintf("%s/api/split/stream/%s", c.baseURL, url.PathEscape(splitAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the default client timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	event := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "" && event != "transaction" {
				continue
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				c.logger.Debug("skipping undecodable stream event", "error", err)
				continue
			}
			if match == nil || match(&ev) {
				return &ev, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching transaction arrived")
}

// do sends a JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, expected ...int) (int, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range expected {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return resp.StatusCode, c.parseErrorResponse(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
