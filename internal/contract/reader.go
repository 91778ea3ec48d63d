package contract

import (
	"context"
	"fmt"
	"math/big"
	"time"

	perrors "presale/internal/errors"
	"presale/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ContractCaller 只读调用后端，由连接池或 ethclient 实现
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader 预售合约只读绑定，不依赖钱包
type Reader struct {
	caller   ContractCaller
	address  common.Address
	abi      *abi.ABI
	decimals int32
	logger   *logrus.Logger
	now      func() time.Time
}

// NewReader 创建只读绑定
func NewReader(caller ContractCaller, address common.Address, contractABI *abi.ABI, decimals int32, logger *logrus.Logger) *Reader {
	return &Reader{
		caller:   caller,
		address:  address,
		abi:      contractABI,
		decimals: decimals,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock 替换时间来源
func (r *Reader) SetClock(now func() time.Time) {
	r.now = now
}

// Address 合约地址
func (r *Reader) Address() common.Address {
	return r.address
}

// ABI 合约ABI
func (r *Reader) ABI() *abi.ABI {
	return r.abi
}

// Decimals 金额精度
func (r *Reader) Decimals() int32 {
	return r.decimals
}

// HasMethod ABI中是否存在该函数
func (r *Reader) HasMethod(name string) bool {
	_, ok := r.abi.Methods[name]
	return ok
}

// call 打包、调用并解包一个只读函数，失败不重试
func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	m, ok := r.abi.Methods[method]
	if !ok {
		return nil, perrors.NewMethodUnavailableError(method)
	}

	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, perrors.NewRPCError(method, fmt.Errorf("打包参数失败: %w", err))
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, perrors.NewRPCError(method, err)
	}

	values, err := m.Outputs.Unpack(out)
	if err != nil {
		return nil, perrors.NewRPCError(method, fmt.Errorf("解包返回值失败: %w", err))
	}
	if len(values) != len(m.Outputs) {
		return nil, perrors.NewRPCError(method, fmt.Errorf("返回值数量不匹配: %d", len(values)))
	}

	r.logger.Debugf("合约调用 %s 完成", method)
	return values, nil
}

func (r *Reader) callBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return bigAt(method, values, 0)
}

func (r *Reader) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	return boolAt(method, values, 0)
}

// GetConfig 读取 poolInfo 并转换为十进制金额
func (r *Reader) GetConfig(ctx context.Context) (*models.PresaleConfig, error) {
	const method = "poolInfo"

	values, err := r.call(ctx, method)
	if err != nil {
		return nil, err
	}
	if len(values) < 10 {
		return nil, perrors.NewRPCError(method, fmt.Errorf("返回字段不足: %d", len(values)))
	}

	owner, err := addressAt(method, values, 0)
	if err != nil {
		return nil, err
	}
	token, err := addressAt(method, values, 8)
	if err != nil {
		return nil, err
	}

	ints := make([]*big.Int, 10)
	for _, i := range []int{1, 2, 3, 4, 5, 6, 7, 9} {
		if ints[i], err = bigAt(method, values, i); err != nil {
			return nil, err
		}
	}

	return &models.PresaleConfig{
		Owner:           owner.Hex(),
		StartTime:       ints[1].Int64(),
		EndTime:         ints[2].Int64(),
		TokenPrice:      FromBaseUnits(ints[3], r.decimals),
		SoftCap:         FromBaseUnits(ints[4], r.decimals),
		HardCap:         FromBaseUnits(ints[5], r.decimals),
		MinContribution: FromBaseUnits(ints[6], r.decimals),
		MaxContribution: FromBaseUnits(ints[7], r.decimals),
		TokenAddress:    token.Hex(),
		TokensDeposited: FromBaseUnits(ints[9], r.decimals),
	}, nil
}

// GetCounters 并发读取四个计数器
func (r *Reader) GetCounters(ctx context.Context) (*models.PresaleCounters, error) {
	var (
		tokensSold, totalRaised *big.Int
		softCapReached, final   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		tokensSold, err = r.callBig(gctx, "tokensSold")
		return err
	})
	g.Go(func() (err error) {
		totalRaised, err = r.callBig(gctx, "totalRaised")
		return err
	})
	g.Go(func() (err error) {
		softCapReached, err = r.callBool(gctx, "softCapReached")
		return err
	})
	g.Go(func() (err error) {
		final, err = r.callBool(gctx, "finalized")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.PresaleCounters{
		TokensSold:     FromBaseUnits(tokensSold, r.decimals),
		TotalRaised:    FromBaseUnits(totalRaised, r.decimals),
		SoftCapReached: softCapReached,
		Finalized:      final,
	}, nil
}

// GetStatus 按当前时间推导状态
func (r *Reader) GetStatus(cfg *models.PresaleConfig, counters *models.PresaleCounters) models.PresaleStatus {
	return GetStatus(cfg, counters, r.now())
}

// GetUserContribution 地址的累计贡献
func (r *Reader) GetUserContribution(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}

	v, err := r.callBig(ctx, "contributions", addr)
	if err != nil {
		return decimal.Zero, err
	}
	return FromBaseUnits(v, r.decimals), nil
}

// GetUserHasWithdrawn 地址是否已退款
func (r *Reader) GetUserHasWithdrawn(ctx context.Context, address string) (bool, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return false, err
	}
	return r.callBool(ctx, "hasWithdrawn", addr)
}

// GetUserTokenAllocation 地址可领取的代币数量，部分合约版本没有该函数
func (r *Reader) GetUserTokenAllocation(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}

	v, err := r.callBig(ctx, "getUserTokenAllocation", addr)
	if err != nil {
		return decimal.Zero, err
	}
	return FromBaseUnits(v, r.decimals), nil
}

func parseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, perrors.NewValidationError(fmt.Sprintf("Invalid address: %s", address))
	}
	return common.HexToAddress(address), nil
}

// outputAt 第 i 个返回值，ABI 与合约不一致时返回 RpcError 而不是越界
func outputAt(method string, values []interface{}, i int) (interface{}, error) {
	if i >= len(values) {
		return nil, perrors.NewRPCError(method, fmt.Errorf("缺少第 %d 个返回值，共 %d 个", i, len(values)))
	}
	return values[i], nil
}

func bigAt(method string, values []interface{}, i int) (*big.Int, error) {
	raw, err := outputAt(method, values, i)
	if err != nil {
		return nil, err
	}
	v, ok := raw.(*big.Int)
	if !ok {
		return nil, perrors.NewRPCError(method, fmt.Errorf("第 %d 个返回值类型不匹配: %T", i, raw))
	}
	return v, nil
}

func boolAt(method string, values []interface{}, i int) (bool, error) {
	raw, err := outputAt(method, values, i)
	if err != nil {
		return false, err
	}
	v, ok := raw.(bool)
	if !ok {
		return false, perrors.NewRPCError(method, fmt.Errorf("第 %d 个返回值类型不匹配: %T", i, raw))
	}
	return v, nil
}

func addressAt(method string, values []interface{}, i int) (common.Address, error) {
	raw, err := outputAt(method, values, i)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := raw.(common.Address)
	if !ok {
		return common.Address{}, perrors.NewRPCError(method, fmt.Errorf("第 %d 个返回值类型不匹配: %T", i, raw))
	}
	return v, nil
}
