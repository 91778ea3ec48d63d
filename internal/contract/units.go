package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals 合约金额的定点精度
const DefaultDecimals int32 = 18

// FromBaseUnits 整数基础单位转换为十进制金额，精度无损
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// ToBaseUnits 十进制金额转换为整数基础单位
// 负数或超出精度的小数位返回错误，不做舍入
func ToBaseUnits(d decimal.Decimal, decimals int32) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("金额不能为负数: %s", d.String())
	}

	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("金额 %s 超出 %d 位小数精度", d.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// ParseAmount 解析用户输入的金额
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("金额为空")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("金额格式无效: %s", s)
	}
	return d, nil
}

// EstimateTokens 按代币价格估算可获得的代币数量，仅用于展示
func EstimateTokens(amount, tokenPrice decimal.Decimal) decimal.Decimal {
	if tokenPrice.IsZero() || amount.IsZero() {
		return decimal.Zero
	}
	return amount.DivRound(tokenPrice, DefaultDecimals)
}
