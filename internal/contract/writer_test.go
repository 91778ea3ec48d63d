package contract_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"presale/internal/contract"
	perrors "presale/internal/errors"
	"presale/internal/wallet"
	"presale/internal/wallet/wallettest"
	"presale/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTxHash = common.HexToHash("0x6ab3f7e2b8cf0cd9a4d1f25b0b6e3e4d9f8a7c6b5a4f3e2d1c0b9a8f7e6d5c4b")

type fakeSigner struct {
	provider wallet.Provider
	session  models.WalletSession
	err      error
}

func (s *fakeSigner) Signer() (wallet.Provider, models.WalletSession, error) {
	if s.err != nil {
		return nil, s.session, s.err
	}
	return s.provider, s.session, nil
}

type refresher struct {
	chain  *fakeChain
	calls  int
	ctxErr error
}

func (r *refresher) ForceRefresh(ctx context.Context) error {
	r.calls++
	r.ctxErr = ctx.Err()
	r.chain.append("refresh")
	return nil
}

type recorder struct {
	mu      sync.Mutex
	records []models.TxRecord
}

func (r *recorder) WriteTransaction(record *models.TxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *record)
	return nil
}

type writerFixture struct {
	chain     *fakeChain
	provider  *wallettest.FakeProvider
	signer    *fakeSigner
	writer    *contract.Writer
	refresher *refresher
	recorder  *recorder
}

func newWriterFixture(t *testing.T, cfg contract.WriterConfig) *writerFixture {
	t.Helper()

	chain := newFakeChain(t)
	chain.receipts[testTxHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		GasUsed:     51234,
	}

	provider := wallettest.NewFakeProvider("0x61", userA.Hex())
	provider.Handle("eth_sendTransaction", func(params []interface{}) (interface{}, error) {
		return testTxHash.Hex(), nil
	})

	signer := &fakeSigner{
		provider: provider,
		session:  models.WalletSession{Address: userA.Hex(), ChainID: "0x61", IsTargetChain: true},
	}

	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = 5 * time.Millisecond
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Second
	}
	if cfg.ClaimMethod == "" {
		cfg.ClaimMethod = "claimTokens"
	}
	if cfg.RefundMethods == nil {
		cfg.RefundMethods = []string{"withdrawContribution", "claimRefund", "withdraw"}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	writer := contract.NewWriter(newReader(t, chain), signer, chain, cfg, logger)

	ref := &refresher{chain: chain}
	rec := &recorder{}
	writer.SetRefresher(ref)
	writer.AddRecorder(rec)

	return &writerFixture{
		chain:     chain,
		provider:  provider,
		signer:    signer,
		writer:    writer,
		refresher: ref,
		recorder:  rec,
	}
}

// sentTx 解析发送给钱包的交易参数
func (f *writerFixture) sentTx(t *testing.T) map[string]string {
	t.Helper()

	for _, req := range f.provider.Requests() {
		if req.Method == "eth_sendTransaction" {
			var tx map[string]string
			require.NoError(t, wallettest.DecodeParam(req.Params, &tx))
			return tx
		}
	}
	t.Fatal("未发送交易")
	return nil
}

func revertBytes(t *testing.T, reason string) []byte {
	t.Helper()

	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestWriter_Contribute(t *testing.T) {
	f := newWriterFixture(t, contract.WriterConfig{})
	f.chain.pending = 2

	record, err := f.writer.Contribute(context.Background(), decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	tx := f.sentTx(t)
	assert.Equal(t, userA.Hex(), common.HexToAddress(tx["from"]).Hex())
	assert.Equal(t, presaleAddress.Hex(), common.HexToAddress(tx["to"]).Hex())
	assert.Equal(t, hexutil.Encode(f.chain.abi.Methods["contribute"].ID), tx["data"])
	assert.Equal(t, hexutil.EncodeBig(ether("0.5")), tx["value"])

	assert.Equal(t, models.TxStatusSuccess, record.Status)
	assert.Equal(t, testTxHash.Hex(), record.TxHash)
	assert.Equal(t, uint64(42), record.BlockNumber)
	assert.Equal(t, uint64(51234), record.GasUsed)
	assert.Equal(t, "0.5", record.Value.String())
	assert.Equal(t, contract.OperationContribute, record.Operation)

	// 刷新在回执确认之后发起
	assert.Equal(t, []string{"receipt", "receipt", "receipt", "refresh"}, f.chain.entries())
	assert.Equal(t, 1, f.refresher.calls)
	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, models.TxStatusSuccess, f.recorder.records[0].Status)
}

func TestWriter_ContributeValidation(t *testing.T) {
	f := newWriterFixture(t, contract.WriterConfig{})

	for _, amount := range []string{"0", "-1", "0.0000000000000000001"} {
		_, err := f.writer.Contribute(context.Background(), decimal.RequireFromString(amount))
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeValidation), amount)
	}
	assert.Empty(t, f.provider.Calls())
}

func TestWriter_SendFailures(t *testing.T) {
	t.Run("user rejected", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})
		f.provider.FailWith("eth_sendTransaction", &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "User denied transaction signature."})

		record, err := f.writer.Contribute(context.Background(), decimal.NewFromInt(1))
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeUserRejected))
		assert.Equal(t, models.TxStatusRejected, record.Status)
		assert.Equal(t, 0, f.refresher.calls)
	})

	t.Run("structured revert reason", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})
		f.provider.FailWith("eth_sendTransaction", &wallet.ProviderError{
			Code:    -32603,
			Message: "Internal JSON-RPC error.",
			Data:    hexutil.Encode(revertBytes(t, "Below minimum contribution")),
		})

		_, err := f.writer.Contribute(context.Background(), decimal.RequireFromString("0.001"))
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeContractRevert))
		assert.Equal(t, "Below minimum contribution", perrors.UserMessage(err))
		assert.Equal(t, 0, f.refresher.calls)
	})

	t.Run("raw provider message", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})
		f.provider.FailWith("eth_sendTransaction", &wallet.ProviderError{Code: -32000, Message: "insufficient funds for gas * price + value"})

		_, err := f.writer.Contribute(context.Background(), decimal.NewFromInt(1))
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeContractRevert))
		assert.Equal(t, "insufficient funds for gas * price + value", perrors.UserMessage(err))
	})

	t.Run("not connected", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})
		f.signer.err = perrors.NewNotConnectedError()

		_, err := f.writer.Contribute(context.Background(), decimal.NewFromInt(1))
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeNotConnected))
		assert.Empty(t, f.provider.Calls())
	})

	t.Run("wrong chain", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})
		f.signer.err = perrors.NewWrongChainError("0x1", "0x61")

		_, err := f.writer.WithdrawContribution(context.Background(), userA.Hex())
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeWrongChain))
	})

	t.Run("address is not the connected account", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})

		_, err := f.writer.WithdrawContribution(context.Background(), userB.Hex())
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeValidation))
		assert.Empty(t, f.provider.Calls())
	})
}

func TestWriter_RevertedReceipt(t *testing.T) {
	f := newWriterFixture(t, contract.WriterConfig{})
	f.chain.receipts[testTxHash].Status = types.ReceiptStatusFailed
	f.chain.replayErr = errors.New("execution reverted: Hardcap exceeded")

	record, err := f.writer.Contribute(context.Background(), decimal.NewFromInt(2))
	require.Error(t, err)

	assert.True(t, perrors.IsType(err, perrors.ErrorTypeContractRevert))
	assert.Equal(t, "Hardcap exceeded", perrors.UserMessage(err))
	assert.Equal(t, models.TxStatusReverted, record.Status)
	assert.Equal(t, "Hardcap exceeded", record.Error)
	assert.Contains(t, f.chain.entries(), "replay:contribute@41")
	assert.Equal(t, 0, f.refresher.calls)

	pe, ok := perrors.As(err)
	require.True(t, ok)
	require.NotNil(t, pe.TxHash)
	assert.Equal(t, testTxHash.Hex(), *pe.TxHash)
}

func TestWriter_ReceiptTimeout(t *testing.T) {
	f := newWriterFixture(t, contract.WriterConfig{ReceiptTimeout: 30 * time.Millisecond})
	delete(f.chain.receipts, testTxHash)

	record, err := f.writer.Contribute(context.Background(), decimal.NewFromInt(1))
	require.Error(t, err)

	// 已广播的交易超时未确认不是读取失败
	assert.True(t, perrors.IsType(err, perrors.ErrorTypeProvider), "%v", err)
	assert.False(t, perrors.IsType(err, perrors.ErrorTypeRPC))
	assert.Equal(t, models.TxStatusPending, record.Status)
	assert.Equal(t, testTxHash.Hex(), record.TxHash)
	assert.Equal(t, 0, f.refresher.calls)
	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, models.TxStatusPending, f.recorder.records[0].Status)

	pe, ok := perrors.As(err)
	require.True(t, ok)
	require.NotNil(t, pe.TxHash)
	assert.Equal(t, testTxHash.Hex(), *pe.TxHash)
}

// 调用方在交易广播后取消，仍等待回执、刷新并记录
func TestWriter_CallerCancelledAfterSubmit(t *testing.T) {
	f := newWriterFixture(t, contract.WriterConfig{})
	f.chain.pending = 10

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	record, err := f.writer.Contribute(ctx, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	assert.Equal(t, models.TxStatusSuccess, record.Status)
	assert.Equal(t, uint64(42), record.BlockNumber)
	assert.Equal(t, 1, f.refresher.calls)
	assert.NoError(t, f.refresher.ctxErr)
	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, models.TxStatusSuccess, f.recorder.records[0].Status)
}

func TestWriter_ClaimTokens(t *testing.T) {
	t.Run("claim function absent", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{})

		_, err := f.writer.ClaimTokens(context.Background(), userA.Hex())
		require.Error(t, err)
		assert.True(t, perrors.IsType(err, perrors.ErrorTypeMethodUnavailable))
		assert.Equal(t, "claimTokens function not found in the contract", perrors.UserMessage(err))
		assert.Empty(t, f.provider.Calls())
	})

	t.Run("configured claim function", func(t *testing.T) {
		f := newWriterFixture(t, contract.WriterConfig{ClaimMethod: "withdraw"})

		record, err := f.writer.ClaimTokens(context.Background(), userA.Hex())
		require.NoError(t, err)
		assert.Equal(t, contract.OperationClaim, record.Operation)
		assert.Equal(t, hexutil.Encode(f.chain.abi.Methods["withdraw"].ID), f.sentTx(t)["data"])
		_, hasValue := f.sentTx(t)["value"]
		assert.False(t, hasValue)
	})
}

func TestWriter_RefundMethod(t *testing.T) {
	tests := []struct {
		name     string
		cfg      contract.WriterConfig
		expected string
		missing  bool
	}{
		{"probe order", contract.WriterConfig{}, "claimRefund", false},
		{"configured", contract.WriterConfig{RefundMethod: "withdraw"}, "withdraw", false},
		{"configured missing", contract.WriterConfig{RefundMethod: "withdrawContribution"}, "", true},
		{"probe none", contract.WriterConfig{RefundMethods: []string{"refund"}}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWriterFixture(t, tt.cfg)

			method, err := f.writer.RefundMethod()
			if tt.missing {
				assert.True(t, perrors.IsType(err, perrors.ErrorTypeMethodUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, method)
		})
	}

	f := newWriterFixture(t, contract.WriterConfig{})
	record, err := f.writer.WithdrawContribution(context.Background(), userA.Hex())
	require.NoError(t, err)
	assert.Equal(t, "claimRefund", record.Method)
	assert.Equal(t, hexutil.Encode(f.chain.abi.Methods["claimRefund"].ID), f.sentTx(t)["data"])
	assert.Equal(t, 1, f.refresher.calls)
}

func TestWriter_CanClaimTokens(t *testing.T) {
	tests := []struct {
		contribution *big.Int
		withdrawn    bool
		canClaim     bool
		canWithdraw  bool
	}{
		{big.NewInt(0), false, false, false},
		{big.NewInt(0), true, false, false},
		{big.NewInt(1), false, true, true},
		{big.NewInt(1), true, false, true},
		{ether("1.5"), false, true, true},
	}

	for _, tt := range tests {
		f := newWriterFixture(t, contract.WriterConfig{})
		f.chain.setContribution(userA, tt.contribution, tt.withdrawn)

		canClaim, err := f.writer.CanClaimTokens(context.Background(), userA.Hex())
		require.NoError(t, err)
		assert.Equal(t, tt.canClaim, canClaim, "contribution=%s withdrawn=%v", tt.contribution, tt.withdrawn)

		canWithdraw, err := f.writer.CanWithdraw(context.Background(), userA.Hex())
		require.NoError(t, err)
		assert.Equal(t, tt.canWithdraw, canWithdraw)

		eligibility, err := f.writer.Eligibility(context.Background(), userA.Hex())
		require.NoError(t, err)
		assert.Equal(t, tt.canClaim, eligibility.CanClaim)
		assert.Equal(t, tt.canWithdraw, eligibility.CanWithdraw)
		assert.Equal(t, tt.withdrawn, eligibility.HasWithdrawn)

		// 资格检查只读，不发送交易
		assert.Empty(t, f.provider.Calls())
	}
}

func TestWriter_CanClaimTokensReadFailure(t *testing.T) {
	f := newWriterFixture(t, contract.WriterConfig{})
	f.chain.errs["contributions"] = errors.New("timeout")

	_, err := f.writer.CanClaimTokens(context.Background(), userA.Hex())
	assert.True(t, perrors.IsType(err, perrors.ErrorTypeRPC))
}
