package chain

import (
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/splitledger/service/config"
	"github.com/ethereum/go-ethereum/common"
)

// NativeSymbol is the token symbol used for native-currency split events.
const NativeSymbol = "ETH"

// NativeDecimals is the number of decimals of the native currency.
const NativeDecimals = 18

// Event names decoded from split contract logs.
const (
	EventPaymentReceived      = "PaymentReceived"
	EventPaymentReleased      = "PaymentReleased"
	EventERC20PaymentReleased = "ERC20PaymentReleased"
	EventTransfer             = "Transfer"
)

// Token is an ERC-20 contract whose events the client understands.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Event is a decoded split contract event.
// This is our domain model, independent of the RPC log format.
type Event struct {
	Name         string
	TxHash       string // lowercased 0x-prefixed
	LogIndex     uint
	BlockNumber  uint64
	Timestamp    time.Time
	SplitAddress string // lowercased
	Token        string // symbol, NativeSymbol for native currency
	Decimals     int32
	From         string // payer for payments, empty for releases
	To           string // recipient; the split itself for payments
	Amount       *big.Int
}

// IsPayment reports whether the event moves funds into the split.
func (e *Event) IsPayment() bool {
	return e.Name == EventPaymentReceived || e.Name == EventTransfer
}

// FetchParams bounds a split event scan.
type FetchParams struct {
	SplitAddress common.Address
	FromBlock    uint64
	ToBlock      uint64
}

// FetchResult is the outcome of a split event scan.
type FetchResult struct {
	Events  []*Event
	Skipped int // logs that could not be decoded or referenced unknown tokens
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// TokensFromConfig converts configured tokens to the client's token list.
func TokensFromConfig(tokens []config.TokenConfig) []Token {
	out := make([]Token, len(tokens))
	for i, t := range tokens {
		out[i] = Token{Symbol: t.Symbol, Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
	}
	return out
}
