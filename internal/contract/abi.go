// Package contract 预售合约的只读与签名绑定
package contract

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed presale_abi.json
var presaleABIJSON []byte

// PresaleABI 解析内置的预售合约ABI
func PresaleABI() (*abi.ABI, error) {
	return parseABI(presaleABIJSON)
}

// LoadABI 加载ABI，path为空时使用内置ABI
// 文件可以是ABI数组，也可以是带 "abi" 字段的编译产物
func LoadABI(path string) (*abi.ABI, error) {
	if path == "" {
		return PresaleABI()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取ABI文件失败: %w", err)
	}
	parsed, err := parseABI(data)
	if err != nil {
		return nil, err
	}
	if err := CheckReadOutputs(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// 只读函数的返回值类型；ABI中不存在的函数在调用时报 MethodUnavailable
var readOutputs = map[string]byte{
	"tokensSold":             abi.UintTy,
	"totalRaised":            abi.UintTy,
	"contributions":          abi.UintTy,
	"getUserTokenAllocation": abi.UintTy,
	"softCapReached":         abi.BoolTy,
	"finalized":              abi.BoolTy,
	"hasWithdrawn":           abi.BoolTy,
}

// poolInfo 的最少字段数
const poolInfoFields = 10

// CheckReadOutputs 校验ABI中已声明的只读函数返回值与绑定期望一致
func CheckReadOutputs(parsed *abi.ABI) error {
	for name, want := range readOutputs {
		m, ok := parsed.Methods[name]
		if !ok {
			continue
		}
		if len(m.Outputs) != 1 {
			return fmt.Errorf("ABI函数 %s 应有 1 个返回值，实际 %d 个", name, len(m.Outputs))
		}
		if m.Outputs[0].Type.T != want {
			return fmt.Errorf("ABI函数 %s 的返回值类型不符: %s", name, m.Outputs[0].Type)
		}
	}

	if m, ok := parsed.Methods["poolInfo"]; ok && len(m.Outputs) < poolInfoFields {
		return fmt.Errorf("ABI函数 poolInfo 应至少有 %d 个返回值，实际 %d 个", poolInfoFields, len(m.Outputs))
	}
	return nil
}

func parseABI(data []byte) (*abi.ABI, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("解析ABI产物失败: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("ABI产物缺少 abi 字段")
		}
		data = artifact.ABI
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解析ABI失败: %w", err)
	}
	return &parsed, nil
}
