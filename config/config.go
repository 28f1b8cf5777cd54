// Package config loads the bulliond configuration from YAML and secrets from the environment.
package config

import (
	"flag"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"gopkg.in/yaml.v3"
)

// Secret environment variables.
const (
	EnvMetalsAPIKey     = "METALS_API_KEY"
	EnvBinanceAPIKey    = "BINANCE_API_KEY"
	EnvBinanceAPISecret = "BINANCE_API_SECRET"
	EnvBybitAPIKey      = "BYBIT_API_KEY"
	EnvBybitAPISecret   = "BYBIT_API_SECRET"
	EnvRedisPassword    = "REDIS_PASSWORD"
	EnvLedgerDSN        = "LEDGER_DSN"
	EnvXRPLSecret       = "XRPL_HOT_WALLET_SECRET"
)

// HotWalletKeyEnv names the signing key variable of a chain, e.g. ETHEREUM_HOT_WALLET_KEY.
func HotWalletKeyEnv(chain domain.ChainID) string {
	return strings.ToUpper(string(chain)) + "_HOT_WALLET_KEY"
}

type Config struct {
	HTTP       HTTP
	Logging    Logging
	Tracing    Tracing
	Redis      Redis
	Ledger     Ledger
	Journal    Journal
	Prices     Prices
	Quotes     Quotes
	Settlement Settlement
	EVM        map[domain.ChainID]EVMChain
	XRPL       *XRPLChain
	Solana     *SolanaChain
	Secrets    Secrets
}

type HTTP struct {
	Addr               string
	AdminAddr          string
	RateLimitPerMinute float64
	RateLimitBurst     int
	Heartbeat          time.Duration
	AutoTLSDomains     []string
	CertCacheDir       string
}

type Logging struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Tracing struct {
	Endpoint    string
	Insecure    bool
	Environment string
}

type Redis struct {
	Addr      string
	DB        int
	Namespace string
}

type Ledger struct {
	Driver string
	DSN    string
}

type Journal struct {
	Dir string
}

type Prices struct {
	TTL               time.Duration
	FetchTimeout      time.Duration
	FailureBackoff    time.Duration
	RequestsPerMinute float64
	MetalsURL         string
	// Exchange is the primary crypto price source, the other one is the fallback.
	Exchange string
}

type Quotes struct {
	TTL time.Duration
}

type Settlement struct {
	Workers         int
	PollInitial     time.Duration
	PollMax         time.Duration
	MaxWait         time.Duration
	SubmitTimeout   time.Duration
	ClearingAccount string
	SettledAccount  string
}

type EVMChain struct {
	RPCURL        string
	ChainID       int64
	Confirmations uint64
	MinAmount     decimal.Decimal
	MaxWait       time.Duration
	Tokens        []Token
}

type Token struct {
	Asset     domain.Asset
	Contract  string
	Decimals  int32
	MinAmount decimal.Decimal
}

type XRPLChain struct {
	RPCURL       string
	Address      string
	MinAmount    decimal.Decimal
	LedgerWindow uint32
	Timeout      time.Duration
	MaxWait      time.Duration
}

type SolanaChain struct {
	RPCURL       string
	Commitment   string
	NonceAccount string
	MinAmount    decimal.Decimal
	NonceWait    time.Duration
	MaxWait      time.Duration
}

// Secrets never come from the YAML file.
type Secrets struct {
	MetalsAPIKey     string
	BinanceAPIKey    string
	BinanceAPISecret string
	BybitAPIKey      string
	BybitAPISecret   string
	RedisPassword    string
	XRPLSecret       string
	HotWalletKeys    map[domain.ChainID]string
}

type configTmp struct {
	HTTP struct {
		Addr               string        `yaml:"addr"`
		AdminAddr          string        `yaml:"admin_addr"`
		RateLimitPerMinute float64       `yaml:"rate_limit_per_minute"`
		RateLimitBurst     int           `yaml:"rate_limit_burst"`
		Heartbeat          time.Duration `yaml:"heartbeat"`
		AutoTLSDomains     []string      `yaml:"autotls_domains"`
		CertCacheDir       string        `yaml:"cert_cache_dir"`
	} `yaml:"http"`
	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
	Tracing struct {
		Endpoint    string `yaml:"endpoint"`
		Insecure    bool   `yaml:"insecure"`
		Environment string `yaml:"environment"`
	} `yaml:"tracing"`
	Redis struct {
		Addr      string `yaml:"addr"`
		DB        int    `yaml:"db"`
		Namespace string `yaml:"namespace"`
	} `yaml:"redis"`
	Ledger struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"ledger"`
	Journal struct {
		Dir string `yaml:"dir"`
	} `yaml:"journal"`
	Prices struct {
		TTL               time.Duration `yaml:"ttl"`
		FetchTimeout      time.Duration `yaml:"fetch_timeout"`
		FailureBackoff    time.Duration `yaml:"failure_backoff"`
		RequestsPerMinute float64       `yaml:"requests_per_minute"`
		MetalsURL         string        `yaml:"metals_url"`
		Exchange          string        `yaml:"exchange"`
	} `yaml:"prices"`
	Quotes struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"quotes"`
	Settlement struct {
		Workers         int           `yaml:"workers"`
		PollInitial     time.Duration `yaml:"poll_initial"`
		PollMax         time.Duration `yaml:"poll_max"`
		MaxWait         time.Duration `yaml:"max_wait"`
		SubmitTimeout   time.Duration `yaml:"submit_timeout"`
		ClearingAccount string        `yaml:"clearing_account"`
		SettledAccount  string        `yaml:"settled_account"`
	} `yaml:"settlement"`
	Chains struct {
		EVM    map[string]evmTmp `yaml:"evm"`
		XRPL   *xrplTmp          `yaml:"xrpl"`
		Solana *solanaTmp        `yaml:"solana"`
	} `yaml:"chains"`
}

type evmTmp struct {
	RPCURL        string        `yaml:"rpc_url"`
	ChainID       int64         `yaml:"chain_id"`
	Confirmations uint64        `yaml:"confirmations"`
	MinAmount     string        `yaml:"min_amount"`
	MaxWait       time.Duration `yaml:"max_wait"`
	Tokens        []struct {
		Asset     string `yaml:"asset"`
		Contract  string `yaml:"contract"`
		Decimals  int32  `yaml:"decimals"`
		MinAmount string `yaml:"min_amount"`
	} `yaml:"tokens"`
}

type xrplTmp struct {
	RPCURL       string        `yaml:"rpc_url"`
	Address      string        `yaml:"address"`
	MinAmount    string        `yaml:"min_amount"`
	LedgerWindow uint32        `yaml:"ledger_window"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

type solanaTmp struct {
	RPCURL       string        `yaml:"rpc_url"`
	Commitment   string        `yaml:"commitment"`
	NonceAccount string        `yaml:"nonce_account"`
	MinAmount    string        `yaml:"min_amount"`
	NonceWait    time.Duration `yaml:"nonce_wait"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// Get parses the -config flag, loads .env when present and reads the file.
func Get() (*Config, error) {
	path := flag.String("config", "bullion.yaml", "path to yaml config")
	envFile := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(err, "load %s", *envFile)
	}

	return Load(*path)
}

// Load reads a YAML file, applies defaults and pulls secrets from the environment.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrConfiguration, "read config %s: %v", path, err)
	}
	return Parse(raw, os.Getenv)
}

// Parse builds a Config from YAML. getenv supplies secrets.
func Parse(raw []byte, getenv func(string) string) (*Config, error) {
	var tmp configTmp
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return nil, errors.Wrapf(domain.ErrConfiguration, "parse yaml: %v", err)
	}

	c := &Config{
		HTTP: HTTP{
			Addr:               orString(tmp.HTTP.Addr, ":8080"),
			AdminAddr:          orString(tmp.HTTP.AdminAddr, "127.0.0.1:8081"),
			RateLimitPerMinute: tmp.HTTP.RateLimitPerMinute,
			RateLimitBurst:     orInt(tmp.HTTP.RateLimitBurst, 20),
			Heartbeat:          orDuration(tmp.HTTP.Heartbeat, 20*time.Second),
			AutoTLSDomains:     tmp.HTTP.AutoTLSDomains,
			CertCacheDir:       orString(tmp.HTTP.CertCacheDir, "cert-cache"),
		},
		Logging: Logging{
			Level:      orString(tmp.Logging.Level, "info"),
			File:       tmp.Logging.File,
			MaxSizeMB:  orInt(tmp.Logging.MaxSizeMB, 100),
			MaxBackups: orInt(tmp.Logging.MaxBackups, 5),
			MaxAgeDays: orInt(tmp.Logging.MaxAgeDays, 28),
		},
		Tracing: Tracing{
			Endpoint:    tmp.Tracing.Endpoint,
			Insecure:    tmp.Tracing.Insecure,
			Environment: tmp.Tracing.Environment,
		},
		Redis: Redis{
			Addr:      orString(tmp.Redis.Addr, "localhost:6379"),
			DB:        tmp.Redis.DB,
			Namespace: orString(tmp.Redis.Namespace, "bullion:"),
		},
		Ledger: Ledger{
			Driver: orString(tmp.Ledger.Driver, "sqlite"),
			DSN:    orString(getenv(EnvLedgerDSN), orString(tmp.Ledger.DSN, "bullion.db")),
		},
		Journal: Journal{Dir: orString(tmp.Journal.Dir, "data/withdrawals")},
		Prices: Prices{
			TTL:               orDuration(tmp.Prices.TTL, 60*time.Second),
			FetchTimeout:      orDuration(tmp.Prices.FetchTimeout, 8*time.Second),
			FailureBackoff:    orDuration(tmp.Prices.FailureBackoff, 10*time.Second),
			RequestsPerMinute: orFloat(tmp.Prices.RequestsPerMinute, 30),
			MetalsURL:         orString(tmp.Prices.MetalsURL, "https://metals-api.com/api"),
			Exchange:          strings.ToLower(orString(tmp.Prices.Exchange, "binance")),
		},
		Quotes: Quotes{TTL: orDuration(tmp.Quotes.TTL, 30*time.Second)},
		Settlement: Settlement{
			Workers:         orInt(tmp.Settlement.Workers, 4),
			PollInitial:     orDuration(tmp.Settlement.PollInitial, 2*time.Second),
			PollMax:         orDuration(tmp.Settlement.PollMax, 30*time.Second),
			MaxWait:         orDuration(tmp.Settlement.MaxWait, 10*time.Minute),
			SubmitTimeout:   orDuration(tmp.Settlement.SubmitTimeout, 30*time.Second),
			ClearingAccount: orString(tmp.Settlement.ClearingAccount, "house:withdrawals:clearing"),
			SettledAccount:  orString(tmp.Settlement.SettledAccount, "house:withdrawals:settled"),
		},
		EVM: make(map[domain.ChainID]EVMChain),
		Secrets: Secrets{
			MetalsAPIKey:     getenv(EnvMetalsAPIKey),
			BinanceAPIKey:    getenv(EnvBinanceAPIKey),
			BinanceAPISecret: getenv(EnvBinanceAPISecret),
			BybitAPIKey:      getenv(EnvBybitAPIKey),
			BybitAPISecret:   getenv(EnvBybitAPISecret),
			RedisPassword:    getenv(EnvRedisPassword),
			HotWalletKeys:    make(map[domain.ChainID]string),
		},
	}

	names := make([]string, 0, len(tmp.Chains.EVM))
	for name := range tmp.Chains.EVM {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		chain, err := domain.ParseChainID(name)
		if err != nil || !chain.IsEVM() {
			return nil, errors.Wrapf(domain.ErrConfiguration, "chains.evm: %q is not an evm chain", name)
		}
		ec, err := parseEVM(tmp.Chains.EVM[name])
		if err != nil {
			return nil, errors.Wrapf(err, "chains.evm.%s", name)
		}
		c.EVM[chain] = ec
		c.Secrets.HotWalletKeys[chain] = getenv(HotWalletKeyEnv(chain))
	}

	if x := tmp.Chains.XRPL; x != nil {
		minAmount, err := parseDecimal("chains.xrpl.min_amount", x.MinAmount, decimal.NewFromInt(1))
		if err != nil {
			return nil, err
		}
		c.XRPL = &XRPLChain{
			RPCURL:       x.RPCURL,
			Address:      x.Address,
			MinAmount:    minAmount,
			LedgerWindow: orUint32(x.LedgerWindow, 20),
			Timeout:      orDuration(x.Timeout, 10*time.Second),
			MaxWait:      x.MaxWait,
		}
		c.Secrets.XRPLSecret = getenv(EnvXRPLSecret)
	}

	if s := tmp.Chains.Solana; s != nil {
		minAmount, err := parseDecimal("chains.solana.min_amount", s.MinAmount, decimal.RequireFromString("0.001"))
		if err != nil {
			return nil, err
		}
		c.Solana = &SolanaChain{
			RPCURL:       s.RPCURL,
			Commitment:   orString(s.Commitment, "finalized"),
			NonceAccount: s.NonceAccount,
			MinAmount:    minAmount,
			NonceWait:    orDuration(s.NonceWait, 30*time.Second),
			MaxWait:      s.MaxWait,
		}
		c.Secrets.HotWalletKeys[domain.ChainSolana] = getenv(HotWalletKeyEnv(domain.ChainSolana))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseEVM(t evmTmp) (EVMChain, error) {
	minAmount, err := parseDecimal("min_amount", t.MinAmount, decimal.Zero)
	if err != nil {
		return EVMChain{}, err
	}
	ec := EVMChain{
		RPCURL:        t.RPCURL,
		ChainID:       t.ChainID,
		Confirmations: orUint64(t.Confirmations, 12),
		MinAmount:     minAmount,
		MaxWait:       t.MaxWait,
	}
	for i, tok := range t.Tokens {
		asset, err := domain.ParseAsset(tok.Asset)
		if err != nil {
			return EVMChain{}, errors.Wrapf(domain.ErrConfiguration, "tokens[%d]: %v", i, err)
		}
		tokenMin, err := parseDecimal("min_amount", tok.MinAmount, decimal.Zero)
		if err != nil {
			return EVMChain{}, errors.Wrapf(err, "tokens[%d]", i)
		}
		ec.Tokens = append(ec.Tokens, Token{Asset: asset, Contract: tok.Contract, Decimals: tok.Decimals, MinAmount: tokenMin})
	}
	return ec, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.Wrap(domain.ErrConfiguration, "http.addr is empty")
	}
	if c.HTTP.Addr == c.HTTP.AdminAddr {
		return errors.Wrap(domain.ErrConfiguration, "http.admin_addr must differ from http.addr")
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Wrapf(domain.ErrConfiguration, "ledger.driver %q is not supported", c.Ledger.Driver)
	}
	switch c.Prices.Exchange {
	case "binance", "bybit":
	default:
		return errors.Wrapf(domain.ErrConfiguration, "prices.exchange %q is not supported", c.Prices.Exchange)
	}
	if c.Secrets.MetalsAPIKey == "" {
		return errors.Wrapf(domain.ErrConfiguration, "%s is not set", EnvMetalsAPIKey)
	}
	if c.Settlement.ClearingAccount == c.Settlement.SettledAccount {
		return errors.Wrap(domain.ErrConfiguration, "clearing and settled accounts must differ")
	}

	for chain, ec := range c.EVM {
		if ec.RPCURL == "" {
			return errors.Wrapf(domain.ErrConfiguration, "chains.evm.%s.rpc_url is empty", chain)
		}
		if ec.ChainID <= 0 {
			return errors.Wrapf(domain.ErrConfiguration, "chains.evm.%s.chain_id must be positive", chain)
		}
		for _, tok := range ec.Tokens {
			if !tok.Asset.IsStablecoin() {
				return errors.Wrapf(domain.ErrConfiguration, "chains.evm.%s: %s is not a token asset", chain, tok.Asset)
			}
			if tok.Contract == "" || tok.Decimals <= 0 {
				return errors.Wrapf(domain.ErrConfiguration, "chains.evm.%s: token %s needs contract and decimals", chain, tok.Asset)
			}
		}
		if c.Secrets.HotWalletKeys[chain] == "" {
			return errors.Wrapf(domain.ErrConfiguration, "%s is not set", HotWalletKeyEnv(chain))
		}
	}
	if x := c.XRPL; x != nil {
		if x.RPCURL == "" || x.Address == "" {
			return errors.Wrap(domain.ErrConfiguration, "chains.xrpl needs rpc_url and address")
		}
		if c.Secrets.XRPLSecret == "" {
			return errors.Wrapf(domain.ErrConfiguration, "%s is not set", EnvXRPLSecret)
		}
	}
	if s := c.Solana; s != nil {
		if s.RPCURL == "" || s.NonceAccount == "" {
			return errors.Wrap(domain.ErrConfiguration, "chains.solana needs rpc_url and nonce_account")
		}
		if c.Secrets.HotWalletKeys[domain.ChainSolana] == "" {
			return errors.Wrapf(domain.ErrConfiguration, "%s is not set", HotWalletKeyEnv(domain.ChainSolana))
		}
	}
	return nil
}

func parseDecimal(field, s string, def decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(domain.ErrConfiguration, "incorrect '%s' param (must be a decimal): %v", field, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, errors.Wrapf(domain.ErrConfiguration, "'%s' must not be negative", field)
	}
	return d, nil
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orUint32(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func orUint64(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
