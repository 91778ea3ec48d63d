package wallet_test

import (
	"testing"

	"presale/internal/wallet"
	"presale/internal/wallet/wallettest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_NoProvider(t *testing.T) {
	detector := wallet.NewDetector(wallet.NewRegistry(), nil, logrus.New())
	assert.Nil(t, detector.Detect())
}

func TestDetector_Priority(t *testing.T) {
	registry := wallet.NewRegistry()
	binance := wallettest.NewFakeProvider("0x61").WithFlags("isBinance")
	generic := wallettest.NewFakeProvider("0x61").WithFlags("isMetaMask")
	registry.Register(wallet.PathBinanceChain, binance)

	detector := wallet.NewDetector(registry, nil, logrus.New())

	handle := detector.Detect()
	require.NotNil(t, handle)
	assert.Equal(t, wallet.PathBinanceChain, handle.Source)
	assert.Equal(t, "Binance Wallet", handle.WalletName)

	// 通用注入点优先于钱包专属命名空间
	registry.Register(wallet.PathEthereum, generic)
	handle = detector.Detect()
	require.NotNil(t, handle)
	assert.Equal(t, wallet.PathEthereum, handle.Source)
	assert.Equal(t, "MetaMask", handle.WalletName)

	// 每次探测都重新读取注入点
	registry.Unregister(wallet.PathEthereum)
	handle = detector.Detect()
	require.NotNil(t, handle)
	assert.Equal(t, wallet.PathBinanceChain, handle.Source)
}

func TestDetector_CustomStrategies(t *testing.T) {
	registry := wallet.NewRegistry()
	registry.Register("okxwallet", wallettest.NewFakeProvider("0x61"))
	registry.Register(wallet.PathEthereum, wallettest.NewFakeProvider("0x61"))

	detector := wallet.NewDetector(registry, []wallet.Strategy{
		wallet.PathStrategy("okxwallet"),
		wallet.PathStrategy(wallet.PathEthereum),
	}, logrus.New())

	handle := detector.Detect()
	require.NotNil(t, handle)
	assert.Equal(t, "okxwallet", handle.Source)
	assert.Equal(t, wallet.UnknownWallet, handle.WalletName)
}

func TestRegistry_RejectsNilProvider(t *testing.T) {
	registry := wallet.NewRegistry()

	var typedNil *wallet.RPCProvider
	registry.Register(wallet.PathEthereum, typedNil)
	registry.Register(wallet.PathBinanceChain, nil)

	_, ok := registry.Lookup(wallet.PathEthereum)
	assert.False(t, ok)
	_, ok = registry.Lookup(wallet.PathBinanceChain)
	assert.False(t, ok)
	assert.Empty(t, registry.Paths())
	assert.Nil(t, wallet.NewDetector(registry, nil, logrus.New()).Detect())

	// 挂载nil等同于卸载已有提供者
	registry.Register(wallet.PathEthereum, wallettest.NewFakeProvider("0x61"))
	registry.Register(wallet.PathEthereum, typedNil)
	_, ok = registry.Lookup(wallet.PathEthereum)
	assert.False(t, ok)
}

func TestWalletName(t *testing.T) {
	tests := []struct {
		flags    []string
		expected string
	}{
		{nil, "Unknown Wallet"},
		{[]string{"isMetaMask"}, "MetaMask"},
		{[]string{"isMetaMask", "isBraveWallet"}, "Brave Wallet"},
		{[]string{"isTrust"}, "Trust Wallet"},
		{[]string{"isTrustWallet", "isMetaMask"}, "Trust Wallet"},
		{[]string{"isCoinbaseWallet"}, "Coinbase Wallet"},
		{[]string{"isTokenPocket", "isMetaMask"}, "TokenPocket"},
		{[]string{"isBinance"}, "Binance Wallet"},
		{[]string{"isSomethingElse"}, "Unknown Wallet"},
	}

	for _, tt := range tests {
		p := wallettest.NewFakeProvider("0x1").WithFlags(tt.flags...)
		assert.Equal(t, tt.expected, wallet.WalletName(p), "%v", tt.flags)
	}
}
