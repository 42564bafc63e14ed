package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	APP_NAME       = "oracle-bridge"
	ENV_PREFIX     = "BRIDGE"
	MODE_ACTIVE    = "active"
	MODE_BROADCAST = "broadcast"
)

type ChainConfig struct {
	ChainID       uint64        `mapstructure:"chain_id" validate:"required"`
	Name          string        `mapstructure:"name"`
	RPCUrl        string        `mapstructure:"rpc_url" validate:"required,url"`
	OAR           string        `mapstructure:"oar" validate:"required,eth_addr"`
	Connector     string        `mapstructure:"connector" validate:"omitempty,eth_addr"`
	Mode          string        `mapstructure:"mode" validate:"oneof=active broadcast"`
	Account       string        `mapstructure:"account" validate:"omitempty,eth_addr"`
	PrivateKey    string        `mapstructure:"private_key"`
	Mnemonic      string        `mapstructure:"mnemonic"`
	WalletIndex   uint32        `mapstructure:"wallet_index"`
	GasPrice      uint64        `mapstructure:"gas_price"`     //Override for the node suggested gas price, in wei
	CallbackGas   uint64        `mapstructure:"callback_gas"`  //Gas limit used when the event does not carry one
	Confirmations uint64        `mapstructure:"confirmations"` //Blocks before a block is considered reorg safe
	IsTestNetwork bool          `mapstructure:"is_test_network"`
	RPCTimeout    time.Duration `mapstructure:"rpc_timeout"`
	LogPoll       time.Duration `mapstructure:"log_poll"`
	BalanceLimit  string        `mapstructure:"balance_limit"` //Minimum account balance in wei before warning
}

type OracleConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	URL    string `mapstructure:"url" validate:"required"`
}

type BridgeConfig struct {
	Name             string        `mapstructure:"name"`
	Version          string        `mapstructure:"version"`
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
	DedupCacheSize   int           `mapstructure:"dedup_cache_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CreateRetryDelay time.Duration `mapstructure:"create_retry_delay"`
	ReorgInterval    time.Duration `mapstructure:"reorg_interval"`
	AuditInterval    time.Duration `mapstructure:"audit_interval"`
	StuckAfter       time.Duration `mapstructure:"stuck_after"`
	BalanceInterval  time.Duration `mapstructure:"balance_interval"`
	ReconnectEvery   time.Duration `mapstructure:"reconnect_every"`
	ResumeDelay      time.Duration `mapstructure:"resume_delay"`
	RangeFetchDelay  time.Duration `mapstructure:"range_fetch_delay"`
	ReceiptInterval  time.Duration `mapstructure:"receipt_interval"`
	ReceiptAttempts  int           `mapstructure:"receipt_attempts"`
	SendConcurrency  int64         `mapstructure:"send_concurrency"`
	//Startup behaviour, usually set from the command line
	Resume    bool   `mapstructure:"resume"`
	Skip      bool   `mapstructure:"skip"`
	FromBlock uint64 `mapstructure:"from"`
	ToBlock   uint64 `mapstructure:"to"`
}

type ApiConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type Config struct {
	Env        string         `mapstructure:"env"`
	ConfigPath string         `mapstructure:"config_path"`
	LogLevel   string         `mapstructure:"log_level"`
	Chain      ChainConfig    `mapstructure:"chain"`
	Oracle     OracleConfig   `mapstructure:"oracle"`
	Database   DatabaseConfig `mapstructure:"database"`
	Bridge     BridgeConfig   `mapstructure:"bridge"`
	Api        ApiConfig      `mapstructure:"api"`
	Tracing    TracingConfig  `mapstructure:"tracing"`
}

var GlobalConfig *Config

// LoadEnv reads an optional .env file into the process environment so viper
// can pick the values up through AutomaticEnv.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", file).Msg("[Config] [LoadEnv] cannot load env file")
		}
	}
}

// Load reads <config_path>/config.<env>.json, applies environment overrides
// and stores the result in GlobalConfig.
func Load(env string) error {
	LoadEnv()
	configPath := viper.GetString("config_path")
	if configPath == "" {
		configPath = "data/config"
	}
	cfg, err := LoadFile(filepath.Join(configPath, fmt.Sprintf("config.%s.json", env)))
	if err != nil {
		return err
	}
	cfg.Env = env
	cfg.ConfigPath = configPath
	GlobalConfig = cfg
	return nil
}

// LoadFile reads a single config file. Values already set on the global viper
// instance (command line flags) take precedence over the file.
func LoadFile(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("json")
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", file, err)
	}
	if err := v.MergeConfigMap(viper.AllSettings()); err != nil {
		return nil, fmt.Errorf("error merging command line settings: %w", err)
	}
	//AutomaticEnv only applies to keys viper already knows
	for _, key := range []string{"chain.private_key", "chain.mnemonic", "database.url", "oracle.url"} {
		if value, ok := os.LookupEnv(ENV_PREFIX + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); ok {
			v.Set(key, value)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config from %s: %w", file, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chain.Mode == "" {
		c.Chain.Mode = MODE_ACTIVE
	}
	if c.Chain.CallbackGas == 0 {
		c.Chain.CallbackGas = 200000
	}
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 12
	}
	if c.Chain.RPCTimeout == 0 {
		c.Chain.RPCTimeout = 10 * time.Second
	}
	if c.Chain.LogPoll == 0 {
		c.Chain.LogPoll = 2 * time.Second
	}
	if c.Oracle.Timeout == 0 {
		c.Oracle.Timeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	b := &c.Bridge
	if b.Name == "" {
		b.Name = APP_NAME
	}
	if b.Version == "" {
		b.Version = "0.1.0"
	}
	if b.DedupTTL == 0 {
		b.DedupTTL = 300 * time.Second
	}
	if b.DedupCacheSize == 0 {
		b.DedupCacheSize = 4096
	}
	if b.PollInterval == 0 {
		b.PollInterval = 5 * time.Second
	}
	if b.CreateRetryDelay == 0 {
		b.CreateRetryDelay = 20 * time.Second
	}
	if b.ReorgInterval == 0 {
		b.ReorgInterval = 30 * time.Second
	}
	if b.AuditInterval == 0 {
		b.AuditInterval = 60 * time.Second
	}
	if b.StuckAfter == 0 {
		b.StuckAfter = 5 * time.Minute
	}
	if b.BalanceInterval == 0 {
		b.BalanceInterval = 5 * time.Minute
	}
	if b.ReconnectEvery == 0 {
		b.ReconnectEvery = 30 * time.Second
	}
	if b.ResumeDelay == 0 {
		b.ResumeDelay = 200 * time.Millisecond
	}
	if b.RangeFetchDelay == 0 {
		b.RangeFetchDelay = time.Second
	}
	if b.ReceiptInterval == 0 {
		b.ReceiptInterval = 5 * time.Second
	}
	if b.ReceiptAttempts == 0 {
		b.ReceiptAttempts = 120
	}
	if b.SendConcurrency == 0 {
		b.SendConcurrency = 2
	}
	if c.Api.Listen == "" {
		c.Api.Listen = ":8080"
	}
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Bridge.FromBlock > 0 || c.Bridge.ToBlock > 0 {
		if c.Bridge.FromBlock == 0 || c.Bridge.ToBlock == 0 {
			return fmt.Errorf("invalid config: --from and --to must be set together")
		}
		if c.Bridge.ToBlock < c.Bridge.FromBlock {
			return fmt.Errorf("invalid config: toBlock %d is lower than fromBlock %d", c.Bridge.ToBlock, c.Bridge.FromBlock)
		}
	}
	if c.Bridge.Resume && c.Bridge.Skip {
		return fmt.Errorf("invalid config: --resume and --skip are exclusive")
	}
	if c.Chain.Mode == MODE_BROADCAST && c.Chain.PrivateKey == "" && c.Chain.Mnemonic == "" {
		return fmt.Errorf("invalid config: broadcast mode requires a private key or a mnemonic")
	}
	if c.Chain.Mode == MODE_ACTIVE && c.Chain.Account == "" {
		return fmt.Errorf("invalid config: active mode requires an unlocked account")
	}
	return nil
}

// SigningKey returns the broadcast mode key, either configured directly or
// derived from the mnemonic at m/44'/60'/0'/0/<wallet_index>.
func (c *ChainConfig) SigningKey() (*ecdsa.PrivateKey, error) {
	if c.PrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key for chain %d: %w", c.ChainID, err)
		}
		return privateKey, nil
	}
	if c.Mnemonic == "" {
		return nil, fmt.Errorf("no private key found for chain %d", c.ChainID)
	}
	wallet, err := hdwallet.NewFromMnemonic(c.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet from mnemonic: %w", err)
	}
	path := hdwallet.MustParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", c.WalletIndex))
	account, err := wallet.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}
	privateKey, err := wallet.PrivateKey(account)
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privateKey, nil
}

// CallbackAddress is the account that signs callbacks in the configured mode.
func (c *ChainConfig) CallbackAddress() (common.Address, error) {
	if c.Mode == MODE_ACTIVE {
		return common.HexToAddress(c.Account), nil
	}
	key, err := c.SigningKey()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
