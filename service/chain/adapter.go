package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// RealRPCClient adapts go-ethereum's ethclient to our RPCClient interface.
// For provider endpoints that require API keys, include the key in the URL:
// - Alchemy: https://base-mainnet.g.alchemy.com/v2/YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.base-mainnet.quiknode.pro/YOUR-KEY/
type RealRPCClient struct {
	*ethclient.Client
}

var _ RPCClient = (*RealRPCClient)(nil)

// DialRPC connects to an EVM JSON-RPC endpoint.
func DialRPC(ctx context.Context, rpcURL string) (*RealRPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return &RealRPCClient{Client: c}, nil
}
