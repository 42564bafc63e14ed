package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/oracle-bridge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
  "log_level": "debug",
  "chain": {
    "chain_id": 31337,
    "rpc_url": "http://127.0.0.1:8545",
    "oar": "0x6f485C8BF6fc43eA212E93BBF8ce046C7f1cb475",
    "mode": "broadcast",
    "mnemonic": "test test test test test test test test test test test junk"
  },
  "oracle": { "url": "https://api.oracle.test/v1" },
  "database": { "driver": "sqlite", "url": "file::memory:" },
  "bridge": { "poll_interval": "2s" }
}`

func writeConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.test.json")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, uint64(31337), cfg.Chain.ChainID)
	assert.Equal(t, config.MODE_BROADCAST, cfg.Chain.Mode)
	assert.Equal(t, 2*time.Second, cfg.Bridge.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.Bridge.DedupTTL)
	assert.Equal(t, 20*time.Second, cfg.Bridge.CreateRetryDelay)
	assert.Equal(t, 120, cfg.Bridge.ReceiptAttempts)
	assert.Equal(t, int64(2), cfg.Bridge.SendConcurrency)
	assert.Equal(t, uint64(12), cfg.Chain.Confirmations)
}

func TestMnemonicDerivation(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	addr, err := cfg.Chain.CallbackAddress()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), addr)
}

func TestEnvOverridesPrivateKey(t *testing.T) {
	t.Setenv("BRIDGE_CHAIN_PRIVATE_KEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	cfg, err := config.LoadFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	key, err := cfg.Chain.SigningKey()
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestValidateRejectsHalfRange(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	cfg.Bridge.FromBlock = 10
	require.Error(t, cfg.Validate())

	cfg.Bridge.ToBlock = 5
	require.Error(t, cfg.Validate())

	cfg.Bridge.ToBlock = 20
	require.NoError(t, cfg.Validate())

	cfg.Bridge.Resume = true
	cfg.Bridge.Skip = true
	require.Error(t, cfg.Validate())
}

func TestActiveModeNeedsAccount(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	cfg.Chain.Mode = config.MODE_ACTIVE
	require.Error(t, cfg.Validate())

	cfg.Chain.Account = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	require.NoError(t, cfg.Validate())
}
