package contract_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"presale/internal/contract"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	presaleAddress = common.HexToAddress("0xB3B2BFd67C157D1B52030b0168b3E219480fE60A")
	userA          = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	userB          = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

func ether(s string) *big.Int {
	d, err := contract.ParseAmount(s)
	if err != nil {
		panic(err)
	}
	v, err := contract.ToBaseUnits(d, contract.DefaultDecimals)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeChain 内存中的只读后端：按函数选择器返回预置结果
type fakeChain struct {
	mu         sync.Mutex
	abi        *abi.ABI
	results    map[string][]interface{}
	perAddress map[string]map[common.Address]interface{}
	raw        map[string][]byte
	errs       map[string]error
	receipts   map[common.Hash]*types.Receipt
	pending    int // 回执可见前返回 NotFound 的次数
	replayErr  error
	log        []string
	calls      []string
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()

	parsed, err := contract.PresaleABI()
	require.NoError(t, err)

	return &fakeChain{
		abi: parsed,
		results: map[string][]interface{}{
			"poolInfo": {
				userB,
				big.NewInt(100),
				big.NewInt(200),
				ether("0.001"),
				ether("5"),
				ether("10"),
				ether("0.01"),
				ether("2"),
				common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
				ether("10000"),
			},
			"tokensSold":     {ether("3.5")},
			"totalRaised":    {ether("3.5")},
			"softCapReached": {false},
			"finalized":      {false},
		},
		perAddress: map[string]map[common.Address]interface{}{
			"contributions":          {},
			"hasWithdrawn":           {},
			"getUserTokenAllocation": {},
		},
		raw:      make(map[string][]byte),
		errs:     make(map[string]error),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) setContribution(addr common.Address, amount *big.Int, withdrawn bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perAddress["contributions"][addr] = amount
	f.perAddress["hasWithdrawn"][addr] = withdrawn
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, m.Name)

	if block != nil {
		f.log = append(f.log, fmt.Sprintf("replay:%s@%s", m.Name, block))
		return nil, f.replayErr
	}
	if err, ok := f.errs[m.Name]; ok {
		return nil, err
	}
	if raw, ok := f.raw[m.Name]; ok {
		return raw, nil
	}

	if byAddr, ok := f.perAddress[m.Name]; ok {
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		v, ok := byAddr[args[0].(common.Address)]
		if !ok {
			if m.Outputs[0].Type.T == abi.BoolTy {
				v = false
			} else {
				v = big.NewInt(0)
			}
		}
		return m.Outputs.Pack(v)
	}

	values, ok := f.results[m.Name]
	if !ok {
		return nil, fmt.Errorf("no result for %s", m.Name)
	}
	return m.Outputs.Pack(values...)
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "receipt")

	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) append(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
}

func (f *fakeChain) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeChain) methodCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newReader(t *testing.T, chain *fakeChain) *contract.Reader {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return contract.NewReader(chain, presaleAddress, chain.abi, contract.DefaultDecimals, logger)
}
