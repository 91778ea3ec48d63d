package decoder

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// revertPrefix 节点与钱包在回滚消息中使用的前缀
const revertPrefix = "execution reverted"

// RevertDecoder 回滚数据解码器：Error(string)、Panic(uint256) 以及合约ABI中声明的自定义错误
type RevertDecoder struct {
	contractABI *abi.ABI
	logger      *logrus.Logger
}

// NewRevertDecoder 创建解码器，contractABI 可以为nil
func NewRevertDecoder(contractABI *abi.ABI, logger *logrus.Logger) *RevertDecoder {
	return &RevertDecoder{
		contractABI: contractABI,
		logger:      logger,
	}
}

// Decode 解码回滚数据
func (d *RevertDecoder) Decode(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}

	if d.contractABI == nil {
		return "", false
	}

	var selector [4]byte
	copy(selector[:], data[:4])
	abiErr, err := d.contractABI.ErrorByID(selector)
	if err != nil {
		d.logger.Debugf("未知的回滚选择器: %s", hexutil.Encode(selector[:]))
		return "", false
	}

	values, err := abiErr.Unpack(data)
	if err != nil {
		d.logger.Debugf("解码自定义错误 %s 失败: %v", abiErr.Name, err)
		return abiErr.Name, true
	}
	return formatCustomError(abiErr.Name, values), true
}

// formatCustomError 格式化为 Name(arg1, arg2)
func formatCustomError(name string, values interface{}) string {
	args, ok := values.([]interface{})
	if !ok {
		return fmt.Sprintf("%s(%v)", name, values)
	}

	parts := make([]string, len(args))
	for i, v := range args {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}

// ReasonFromError 从节点或钱包错误中提取回滚原因，没有可用原因时返回空串
func (d *RevertDecoder) ReasonFromError(err error) string {
	if err == nil {
		return ""
	}

	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if reason, ok := d.decodeErrorData(dataErr.ErrorData()); ok {
			return reason
		}
	}

	return ReasonFromMessage(err.Error())
}

// decodeErrorData 错误数据可能是十六进制字符串，或是包含 data 字段的对象
func (d *RevertDecoder) decodeErrorData(data interface{}) (string, bool) {
	switch v := data.(type) {
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		return d.Decode(raw)
	case map[string]interface{}:
		if inner, ok := v["data"]; ok {
			return d.decodeErrorData(inner)
		}
		if original, ok := v["originalError"]; ok {
			return d.decodeErrorData(original)
		}
	}
	return "", false
}

// ReasonFromMessage 解析 "execution reverted: <reason>" 形式的消息
func ReasonFromMessage(msg string) string {
	idx := strings.Index(msg, revertPrefix)
	if idx < 0 {
		return ""
	}

	rest := strings.TrimPrefix(msg[idx+len(revertPrefix):], ":")
	rest = strings.TrimSpace(rest)
	// 去掉钱包附加的错误码后缀，例如 "Below minimum (code 3)"
	if i := strings.LastIndex(rest, " (code "); i >= 0 && strings.HasSuffix(rest, ")") {
		rest = strings.TrimSpace(rest[:i])
	}
	return rest
}
