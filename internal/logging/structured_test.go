package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewLogger_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "presale.log")

	logger, err := NewLogger(&LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	Component(logger, "store").Info("刷新完成")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"store"`)
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "verbose", Format: "json", Output: "stdout"})
	assert.Error(t, err)

	_, err = NewLogger(&LogConfig{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestComponentLoggers(t *testing.T) {
	logger := logrus.New()

	entry := NewSessionLogger(logger, "abc", "MetaMask")
	assert.Equal(t, "chain_session", entry.Data["component"])
	assert.Equal(t, "MetaMask", entry.Data["wallet_name"])

	entry = NewTransactionLogger(logger, "contribute", "0x1")
	assert.Equal(t, "contribute", entry.Data["method"])

	entry = NewRPCLogger(logger, "eth_call", "http://localhost:8545")
	assert.Equal(t, "rpc_client", entry.Data["component"])
}
