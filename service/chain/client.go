package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/splitledger/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPCClient is an interface for the EVM JSON-RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real nodes.
type RPCClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

const (
	maxAttempts      = 3
	defaultBlockSpan = 2000
)

// Client provides methods for scanning split contract events.
// It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc       RPCClient
	tokens    tokenBook
	blockSpan uint64
	logger    *slog.Logger
	metrics   *metrics.Metrics
	endpoint  string // RPC endpoint identifier for metrics (e.g., "base", rpc host)
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new chain client.
// blockSpan caps the block range of a single FilterLogs call; zero selects a default.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, tokens []Token, blockSpan uint64, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if blockSpan == 0 {
		blockSpan = defaultBlockSpan
	}
	return &Client{
		rpc:       rpcClient,
		tokens:    newTokenBook(tokens),
		blockSpan: blockSpan,
		logger:    logger,
		metrics:   m,
		endpoint:  endpoint,
		sleep:     sleepContext,
	}
}

// LatestBlock returns the current chain head.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withRetry(ctx, "BlockNumber", func() error {
		var err error
		head, err = c.rpc.BlockNumber(ctx)
		return err
	})
	return head, err
}

// FetchSplitEvents scans [FromBlock, ToBlock] for split events in chunks of at most blockSpan blocks.
// Removed (reorged) logs, unknown tokens and undecodable logs are skipped and counted.
// Events are returned in chain order.
func (c *Client) FetchSplitEvents(ctx context.Context, params FetchParams) (*FetchResult, error) {
	result := &FetchResult{Events: []*Event{}}
	if params.FromBlock > params.ToBlock {
		return result, nil
	}

	split := params.SplitAddress
	splitTopics := []common.Hash{TopicPaymentReceived, TopicPaymentReleased, TopicERC20PaymentReleased}
	tokenAddrs := c.tokens.addresses()
	timestamps := make(map[uint64]time.Time)

	for from := params.FromBlock; from <= params.ToBlock; {
		to := min(from+c.blockSpan-1, params.ToBlock)

		queries := []ethereum.FilterQuery{{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{split},
			Topics:    [][]common.Hash{splitTopics},
		}}
		if len(tokenAddrs) > 0 {
			queries = append(queries, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: tokenAddrs,
				Topics:    [][]common.Hash{{TopicTransfer}, nil, {addressTopic(split)}},
			})
		}

		for _, q := range queries {
			var logs []types.Log
			err := c.withRetry(ctx, "FilterLogs", func() error {
				var err error
				logs, err = c.rpc.FilterLogs(ctx, q)
				return err
			})
			if err != nil {
				return nil, err
			}
			if c.metrics != nil {
				c.metrics.RecordRPCLogsPerCall(c.endpoint, float64(len(logs)))
			}

			for _, lg := range logs {
				if lg.Removed {
					result.Skipped++
					continue
				}
				ev, err := parseLog(lg, split, c.tokens)
				if err != nil {
					c.logger.DebugContext(ctx, "skipping log",
						"tx_hash", lg.TxHash.Hex(),
						"log_index", lg.Index,
						"error", err,
					)
					result.Skipped++
					continue
				}
				ts, err := c.blockTime(ctx, lg.BlockNumber, timestamps)
				if err != nil {
					return nil, err
				}
				ev.Timestamp = ts
				result.Events = append(result.Events, ev)
			}
		}

		c.logger.DebugContext(ctx, "scanned block range",
			"split", abbrev(lowerHex(split)),
			"from", from,
			"to", to,
			"events", len(result.Events),
		)

		if to == params.ToBlock {
			break
		}
		from = to + 1
	}

	sort.SliceStable(result.Events, func(i, j int) bool {
		a, b := result.Events[i], result.Events[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	c.logger.InfoContext(ctx, "fetched split events",
		"split", abbrev(lowerHex(split)),
		"from_block", params.FromBlock,
		"to_block", params.ToBlock,
		"count", len(result.Events),
		"skipped", result.Skipped,
	)

	return result, nil
}

// blockTime returns the header timestamp for a block, caching per scan.
func (c *Client) blockTime(ctx context.Context, number uint64, cache map[uint64]time.Time) (time.Time, error) {
	if ts, ok := cache[number]; ok {
		return ts, nil
	}
	var header *types.Header
	err := c.withRetry(ctx, "HeaderByNumber", func() error {
		var err error
		header, err = c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if header == nil {
		return time.Time{}, errors.New("header not found")
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	cache[number] = ts
	return ts, nil
}

// withRetry runs call with exponential backoff. Rate limit errors back off longer.
func (c *Client) withRetry(ctx context.Context, method string, call func() error) error {
	var err error
	for attempt := range maxAttempts {
		start := time.Now()
		err = call()
		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == maxAttempts-1 {
			break
		}

		reason := "timeout_or_error"
		backoff := time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s
		if isRateLimited(err) {
			reason = "rate_limit"
			backoff = time.Duration(2<<uint(attempt)) * time.Second // 2s, 4s
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}
		if serr := c.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}

	c.logger.ErrorContext(ctx, "rpc call failed", "method", method, "error", err)
	return err
}

func isRateLimited(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// abbrev shortens an address for log lines.
func abbrev(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
