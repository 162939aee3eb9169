package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// splitterABI covers the PaymentSplitter events we index plus the ERC-20 Transfer event.
const splitterABI = `[
	{"anonymous":false,"type":"event","name":"PaymentReceived","inputs":[
		{"indexed":false,"name":"from","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"PaymentReleased","inputs":[
		{"indexed":false,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"ERC20PaymentReleased","inputs":[
		{"indexed":true,"name":"token","type":"address"},
		{"indexed":false,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"Transfer","inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]}
]`

var (
	parsedABI = mustParseABI(splitterABI)

	// Topic hashes for the events above.
	TopicPaymentReceived      = parsedABI.Events[EventPaymentReceived].ID
	TopicPaymentReleased      = parsedABI.Events[EventPaymentReleased].ID
	TopicERC20PaymentReleased = parsedABI.Events[EventERC20PaymentReleased].ID
	TopicTransfer             = parsedABI.Events[EventTransfer].ID
)

var (
	errUnknownTopic = errors.New("unknown event topic")
	errUnknownToken = errors.New("unknown token contract")
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid splitter ABI: %v", err))
	}
	return parsed
}

// addressTopic encodes an address as a 32-byte indexed topic.
func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// tokenBook resolves token contracts to symbols and decimals.
type tokenBook map[common.Address]Token

func newTokenBook(tokens []Token) tokenBook {
	book := make(tokenBook, len(tokens))
	for _, t := range tokens {
		book[t.Address] = t
	}
	return book
}

func (b tokenBook) addresses() []common.Address {
	out := make([]common.Address, 0, len(b))
	for addr := range b {
		out = append(out, addr)
	}
	return out
}

// parseLog decodes a split contract log, or an ERC-20 Transfer into the split.
// The returned event has no timestamp; the caller fills it from the block header.
func parseLog(lg types.Log, split common.Address, tokens tokenBook) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, errUnknownTopic
	}

	ev := &Event{
		TxHash:       strings.ToLower(lg.TxHash.Hex()),
		LogIndex:     lg.Index,
		BlockNumber:  lg.BlockNumber,
		SplitAddress: lowerHex(split),
	}

	switch lg.Topics[0] {
	case TopicPaymentReceived:
		values, err := parsedABI.Unpack(EventPaymentReceived, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EventPaymentReceived, err)
		}
		from, amount, err := addressAndAmount(values)
		if err != nil {
			return nil, err
		}
		ev.Name = EventPaymentReceived
		ev.Token, ev.Decimals = NativeSymbol, NativeDecimals
		ev.From, ev.To, ev.Amount = lowerHex(from), ev.SplitAddress, amount

	case TopicPaymentReleased:
		values, err := parsedABI.Unpack(EventPaymentReleased, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EventPaymentReleased, err)
		}
		to, amount, err := addressAndAmount(values)
		if err != nil {
			return nil, err
		}
		ev.Name = EventPaymentReleased
		ev.Token, ev.Decimals = NativeSymbol, NativeDecimals
		ev.To, ev.Amount = lowerHex(to), amount

	case TopicERC20PaymentReleased:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("decode %s: missing token topic", EventERC20PaymentReleased)
		}
		token, ok := tokens[common.BytesToAddress(lg.Topics[1].Bytes())]
		if !ok {
			return nil, errUnknownToken
		}
		values, err := parsedABI.Unpack(EventERC20PaymentReleased, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EventERC20PaymentReleased, err)
		}
		to, amount, err := addressAndAmount(values)
		if err != nil {
			return nil, err
		}
		ev.Name = EventERC20PaymentReleased
		ev.Token, ev.Decimals = token.Symbol, token.Decimals
		ev.To, ev.Amount = lowerHex(to), amount

	case TopicTransfer:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("decode %s: missing indexed topics", EventTransfer)
		}
		token, ok := tokens[lg.Address]
		if !ok {
			return nil, errUnknownToken
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != split {
			return nil, fmt.Errorf("decode %s: transfer not addressed to split", EventTransfer)
		}
		values, err := parsedABI.Unpack(EventTransfer, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EventTransfer, err)
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("decode %s: expected 1 value, got %d", EventTransfer, len(values))
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("decode %s: unexpected value type %T", EventTransfer, values[0])
		}
		ev.Name = EventTransfer
		ev.Token, ev.Decimals = token.Symbol, token.Decimals
		ev.From = lowerHex(common.BytesToAddress(lg.Topics[1].Bytes()))
		ev.To, ev.Amount = ev.SplitAddress, amount

	default:
		return nil, errUnknownTopic
	}

	return ev, nil
}

func addressAndAmount(values []interface{}) (common.Address, *big.Int, error) {
	if len(values) != 2 {
		return common.Address{}, nil, fmt.Errorf("expected 2 values, got %d", len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unexpected address type %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unexpected amount type %T", values[1])
	}
	return addr, amount, nil
}
