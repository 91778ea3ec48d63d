package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"presale/internal/config"
	"presale/internal/decoder"
	perrors "presale/internal/errors"
	"presale/internal/metrics"
	"presale/internal/wallet"
	"presale/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 写操作名称
const (
	OperationContribute = "contribute"
	OperationClaim      = "claim"
	OperationWithdraw   = "withdraw"
)

// Signer 提供已连接到目标网络的钱包，ChainSession 实现该接口
type Signer interface {
	Signer() (wallet.Provider, models.WalletSession, error)
}

// ReceiptSource 只读后端上的回执查询
type ReceiptSource interface {
	ContractCaller
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Refresher 交易确认后强制刷新状态
type Refresher interface {
	ForceRefresh(ctx context.Context) error
}

// TxRecorder 写操作结果输出
type TxRecorder interface {
	WriteTransaction(record *models.TxRecord) error
}

// WriterConfig 写操作配置
type WriterConfig struct {
	ClaimMethod         string
	RefundMethod        string
	RefundMethods       []string
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// NewWriterConfig 从合约与钱包配置构建
func NewWriterConfig(contract *config.ContractConfig, w *config.WalletConfig) WriterConfig {
	return WriterConfig{
		ClaimMethod:         contract.ClaimMethod,
		RefundMethod:        contract.RefundMethod,
		RefundMethods:       contract.RefundMethods,
		ReceiptPollInterval: w.ReceiptPollDuration(),
		ReceiptTimeout:      w.ReceiptTimeoutDuration(),
	}
}

// txArgs eth_sendTransaction 参数
type txArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value,omitempty"`
}

// Writer 通过钱包签名的预售合约绑定
type Writer struct {
	reader    *Reader
	signer    Signer
	receipts  ReceiptSource
	cfg       WriterConfig
	decoder   *decoder.RevertDecoder
	refresher Refresher
	recorders []TxRecorder
	logger    *logrus.Logger
}

// NewWriter 创建签名绑定
func NewWriter(reader *Reader, signer Signer, receipts ReceiptSource, cfg WriterConfig, logger *logrus.Logger) *Writer {
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 3 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 10 * time.Minute
	}

	return &Writer{
		reader:   reader,
		signer:   signer,
		receipts: receipts,
		cfg:      cfg,
		decoder:  decoder.NewRevertDecoder(reader.abi, logger),
		logger:   logger,
	}
}

// SetRefresher 设置交易确认后的刷新目标
func (w *Writer) SetRefresher(r Refresher) {
	w.refresher = r
}

// AddRecorder 添加交易记录输出
func (w *Writer) AddRecorder(r TxRecorder) {
	w.recorders = append(w.recorders, r)
}

// Contribute 以原生币向预售贡献
func (w *Writer) Contribute(ctx context.Context, amount decimal.Decimal) (*models.TxRecord, error) {
	if !amount.IsPositive() {
		return nil, perrors.NewValidationError("Please enter a valid amount")
	}

	value, err := ToBaseUnits(amount, w.reader.decimals)
	if err != nil {
		return nil, perrors.NewValidationError(err.Error())
	}
	return w.send(ctx, OperationContribute, "contribute", "", value)
}

// ClaimTokens 领取代币；合约没有配置的领取函数时返回 MethodUnavailable
func (w *Writer) ClaimTokens(ctx context.Context, address string) (*models.TxRecord, error) {
	method := w.cfg.ClaimMethod
	if method == "" || !w.reader.HasMethod(method) {
		if method == "" {
			method = "claimTokens"
		}
		return nil, perrors.NewMethodUnavailableError(method)
	}
	return w.send(ctx, OperationClaim, method, address, nil)
}

// WithdrawContribution 软顶未达成时退回贡献
func (w *Writer) WithdrawContribution(ctx context.Context, address string) (*models.TxRecord, error) {
	method, err := w.RefundMethod()
	if err != nil {
		return nil, err
	}
	return w.send(ctx, OperationWithdraw, method, address, nil)
}

// RefundMethod 解析退款函数名：优先使用配置值，否则按探测列表取第一个存在的函数
func (w *Writer) RefundMethod() (string, error) {
	if w.cfg.RefundMethod != "" {
		if !w.reader.HasMethod(w.cfg.RefundMethod) {
			return "", perrors.NewMethodUnavailableError(w.cfg.RefundMethod)
		}
		return w.cfg.RefundMethod, nil
	}

	for _, name := range w.cfg.RefundMethods {
		if w.reader.HasMethod(name) {
			return name, nil
		}
	}
	return "", perrors.NewMethodUnavailableError(strings.Join(w.cfg.RefundMethods, "/"))
}

// CanClaimTokens 贡献大于0且未退款
func (w *Writer) CanClaimTokens(ctx context.Context, address string) (bool, error) {
	contribution, err := w.reader.GetUserContribution(ctx, address)
	if err != nil {
		return false, err
	}
	if !contribution.IsPositive() {
		return false, nil
	}

	withdrawn, err := w.reader.GetUserHasWithdrawn(ctx, address)
	if err != nil {
		return false, err
	}
	return !withdrawn, nil
}

// CanWithdraw 贡献大于0
func (w *Writer) CanWithdraw(ctx context.Context, address string) (bool, error) {
	contribution, err := w.reader.GetUserContribution(ctx, address)
	if err != nil {
		return false, err
	}
	return contribution.IsPositive(), nil
}

// Eligibility 汇总地址的领取与退款资格
func (w *Writer) Eligibility(ctx context.Context, address string) (*models.Eligibility, error) {
	contribution, err := w.reader.GetUserContribution(ctx, address)
	if err != nil {
		return nil, err
	}
	withdrawn, err := w.reader.GetUserHasWithdrawn(ctx, address)
	if err != nil {
		return nil, err
	}

	return &models.Eligibility{
		Address:      common.HexToAddress(address).Hex(),
		Contribution: contribution,
		HasWithdrawn: withdrawn,
		CanClaim:     contribution.IsPositive() && !withdrawn,
		CanWithdraw:  contribution.IsPositive(),
	}, nil
}

// send 提交交易并等待打包，成功后触发状态刷新
func (w *Writer) send(ctx context.Context, operation, method, address string, value *big.Int) (*models.TxRecord, error) {
	provider, session, err := w.signer.Signer()
	if err != nil {
		return nil, err
	}
	if address != "" && !strings.EqualFold(common.HexToAddress(address).Hex(), session.Address) {
		return nil, perrors.NewValidationError(fmt.Sprintf("Address %s is not the connected account", address))
	}

	data, err := w.reader.abi.Pack(method)
	if err != nil {
		return nil, perrors.NewMethodUnavailableError(method)
	}

	args := txArgs{
		From: common.HexToAddress(session.Address),
		To:   w.reader.address,
		Data: data,
	}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}

	record := &models.TxRecord{
		ID:        uuid.NewString(),
		Operation: operation,
		Method:    method,
		From:      session.Address,
		Value:     FromBaseUnits(value, w.reader.decimals),
		Timestamp: time.Now(),
	}
	logger := w.logger.WithFields(logrus.Fields{
		"component": "contract_writer",
		"method":    method,
		"from":      session.Address,
	})

	raw, err := provider.Request(ctx, wallet.RequestArguments{
		Method: "eth_sendTransaction",
		Params: []interface{}{args},
	})
	if err != nil {
		if wallet.HasCode(err, wallet.CodeUserRejected) {
			return w.finish(record, models.TxStatusRejected, perrors.NewUserRejectedError(err))
		}
		return w.finish(record, models.TxStatusFailed, perrors.NewContractRevertError(method, w.reason(err), err))
	}

	var txHash common.Hash
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return w.finish(record, models.TxStatusFailed, perrors.NewProviderError("eth_sendTransaction", fmt.Errorf("解析交易哈希失败: %w", err)))
	}
	record.TxHash = txHash.Hex()
	logger.Infof("交易已提交: %s", record.TxHash)

	// 交易已广播，后续的等待、刷新与记录不随调用方取消而中断
	ctx = context.WithoutCancel(ctx)

	receipt, err := w.waitMined(ctx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warnf("等待回执超时，交易可能仍在排队: %s", record.TxHash)
			return w.finish(record, models.TxStatusPending, perrors.NewReceiptTimeoutError(record.TxHash, err))
		}
		return w.finish(record, models.TxStatusFailed, perrors.NewRPCError("eth_getTransactionReceipt", err).WithTxHash(record.TxHash))
	}
	record.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := w.replayReason(ctx, args, receipt.BlockNumber)
		logger.Warnf("交易被回滚: %s", reason)
		return w.finish(record, models.TxStatusReverted, perrors.NewContractRevertError(method, reason, nil).WithTxHash(record.TxHash))
	}

	logger.Infof("交易已确认，区块 %d", record.BlockNumber)

	// 刷新必须在打包确认之后发起
	if w.refresher != nil {
		if err := w.refresher.ForceRefresh(ctx); err != nil {
			logger.Warnf("交易确认后刷新状态失败: %v", err)
		}
	}
	return w.finish(record, models.TxStatusSuccess, nil)
}

// finish 记录交易结果
func (w *Writer) finish(record *models.TxRecord, status string, err error) (*models.TxRecord, error) {
	record.Status = status
	if err != nil {
		record.Error = perrors.UserMessage(err)
	}

	metrics.RecordTransaction(record.Operation, status)
	for _, r := range w.recorders {
		if werr := r.WriteTransaction(record); werr != nil {
			w.logger.Warnf("写入交易记录失败: %v", werr)
		}
	}

	return record, err
}

// waitMined 轮询回执直到交易被打包
func (w *Writer) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.receipts.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			w.logger.Debugf("查询回执失败: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易 %s 打包超时: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// replayReason 在打包区块之前的状态上重放调用以取得回滚原因
func (w *Writer) replayReason(ctx context.Context, args txArgs, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{
		From: args.From,
		To:   &args.To,
		Data: args.Data,
	}
	if args.Value != nil {
		msg.Value = args.Value.ToInt()
	}

	var at *big.Int
	if blockNumber != nil && blockNumber.Sign() > 0 {
		at = new(big.Int).Sub(blockNumber, big.NewInt(1))
	}

	if _, err := w.receipts.CallContract(ctx, msg, at); err != nil {
		if reason := w.reason(err); reason != "" {
			return reason
		}
	}
	return "Transaction reverted"
}

// reason 优先使用结构化回滚原因，否则使用钱包原始消息
func (w *Writer) reason(err error) string {
	if reason := w.decoder.ReasonFromError(err); reason != "" {
		return reason
	}
	return wallet.ErrorMessage(err)
}
