package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSplit    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testMerchant = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPayer    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testUSDC     = Token{Symbol: "USDC", Address: common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"), Decimals: 6}
	testTxHash   = common.HexToHash("0xABCDEF0000000000000000000000000000000000000000000000000000000001")
)

func packData(t *testing.T, event string, values ...interface{}) []byte {
	t.Helper()
	data, err := parsedABI.Events[event].Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)
	return data
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "0xdf20fd1e76bc69d672e4814fafb2c449bba3a5369d8359adf9e05e6fde87b056", TopicPaymentReleased.Hex())
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TopicTransfer.Hex())
}

func TestParseLog(t *testing.T) {
	book := newTokenBook([]Token{testUSDC})
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)

	tests := []struct {
		name     string
		log      types.Log
		wantErr  error
		wantName string
		token    string
		from     string
		to       string
		amount   *big.Int
	}{
		{
			name: "native payment received",
			log: types.Log{
				Address: testSplit,
				Topics:  []common.Hash{TopicPaymentReceived},
				Data:    packData(t, EventPaymentReceived, testPayer, oneEth),
			},
			wantName: EventPaymentReceived,
			token:    NativeSymbol,
			from:     lowerHex(testPayer),
			to:       lowerHex(testSplit),
			amount:   oneEth,
		},
		{
			name: "native release",
			log: types.Log{
				Address: testSplit,
				Topics:  []common.Hash{TopicPaymentReleased},
				Data:    packData(t, EventPaymentReleased, testMerchant, big.NewInt(995)),
			},
			wantName: EventPaymentReleased,
			token:    NativeSymbol,
			to:       lowerHex(testMerchant),
			amount:   big.NewInt(995),
		},
		{
			name: "erc20 release",
			log: types.Log{
				Address: testSplit,
				Topics:  []common.Hash{TopicERC20PaymentReleased, addressTopic(testUSDC.Address)},
				Data:    packData(t, EventERC20PaymentReleased, testMerchant, big.NewInt(9_950_000)),
			},
			wantName: EventERC20PaymentReleased,
			token:    "USDC",
			to:       lowerHex(testMerchant),
			amount:   big.NewInt(9_950_000),
		},
		{
			name: "erc20 transfer into split",
			log: types.Log{
				Address: testUSDC.Address,
				Topics:  []common.Hash{TopicTransfer, addressTopic(testPayer), addressTopic(testSplit)},
				Data:    packData(t, EventTransfer, big.NewInt(10_000_000)),
			},
			wantName: EventTransfer,
			token:    "USDC",
			from:     lowerHex(testPayer),
			to:       lowerHex(testSplit),
			amount:   big.NewInt(10_000_000),
		},
		{
			name: "erc20 release of unknown token",
			log: types.Log{
				Address: testSplit,
				Topics:  []common.Hash{TopicERC20PaymentReleased, addressTopic(testPayer)},
				Data:    packData(t, EventERC20PaymentReleased, testMerchant, big.NewInt(1)),
			},
			wantErr: errUnknownToken,
		},
		{
			name: "transfer from unknown token",
			log: types.Log{
				Address: testPayer,
				Topics:  []common.Hash{TopicTransfer, addressTopic(testPayer), addressTopic(testSplit)},
				Data:    packData(t, EventTransfer, big.NewInt(1)),
			},
			wantErr: errUnknownToken,
		},
		{
			name:    "unrelated topic",
			log:     types.Log{Address: testSplit, Topics: []common.Hash{common.HexToHash("0x01")}},
			wantErr: errUnknownTopic,
		},
		{
			name:    "no topics",
			log:     types.Log{Address: testSplit},
			wantErr: errUnknownTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.log.TxHash = testTxHash
			tt.log.BlockNumber = 42
			tt.log.Index = 7

			ev, err := parseLog(tt.log, testSplit, book)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, ev.Name)
			assert.Equal(t, tt.token, ev.Token)
			assert.Equal(t, tt.from, ev.From)
			assert.Equal(t, tt.to, ev.To)
			assert.Equal(t, 0, tt.amount.Cmp(ev.Amount))
			assert.Equal(t, "0xabcdef0000000000000000000000000000000000000000000000000000000001", ev.TxHash)
			assert.Equal(t, uint64(42), ev.BlockNumber)
			assert.Equal(t, uint(7), ev.LogIndex)
			assert.Equal(t, lowerHex(testSplit), ev.SplitAddress)
		})
	}
}

func TestParseLog_TruncatedData(t *testing.T) {
	_, err := parseLog(types.Log{
		Address: testSplit,
		Topics:  []common.Hash{TopicPaymentReleased},
		Data:    []byte{0x01, 0x02},
	}, testSplit, newTokenBook(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode PaymentReleased")
}
