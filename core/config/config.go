package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/model"
)

// EntryPointV06 is the canonical v0.6 entry point deployment, used when no entry point is configured.
var EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

// Config contains everything the bundler needs at runtime, already parsed and validated.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl         string
	BundlerPrivateKey *ecdsa.PrivateKey
	BundlerAddress    common.Address
	// Beneficiary receives the fees collected by handleOps. Defaults to the bundler address.
	Beneficiary common.Address
	EntryPoints []common.Address

	RpcBindAddress string
	// DebugRpc exposes the debug_bundler_* methods
	DebugRpc         bool
	DbPath           string
	DbVacuumInterval time.Duration

	SentryDsn  string
	ServerName string

	Mempool    MempoolConfig
	Reputation ReputationConfig
	Bundle     BundleConfig
	Execution  ExecutionConfig
	Events     EventsConfig
	Backup     BackupConfig
}

// These are read from configPath
type ConfigRaw struct {
	Environment       sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`
	EthRpcUrl         string              `yaml:"eth_rpc_url" validate:"required,url"`
	BundlerPrivateKey string              `yaml:"bundler_private_key" validate:"required"`
	Beneficiary       string              `yaml:"beneficiary" validate:"omitempty,eth_addr"`
	EntryPoints       []string            `yaml:"entrypoints" validate:"dive,eth_addr"`
	RpcBindAddress    string              `yaml:"rpc_bind_address" validate:"required"`
	DebugRpc          bool                `yaml:"debug_rpc"`
	DbPath            string              `yaml:"db_path" validate:"required"`
	DbVacuumInterval  time.Duration       `yaml:"db_vacuum_interval"`
	SentryDsn         string              `yaml:"sentry_dsn"`
	ServerName        string              `yaml:"server_name"`

	Mempool    MempoolConfig   `yaml:"mempool"`
	Reputation ReputationRaw   `yaml:"reputation"`
	Bundle     BundleConfig    `yaml:"bundle"`
	Execution  ExecutionConfig `yaml:"execution"`
	Events     EventsConfig    `yaml:"events"`
	Backup     BackupConfig    `yaml:"backup"`
}

type MempoolConfig struct {
	MaxSize               int           `yaml:"max_size" validate:"gt=0"`
	KeyMode               model.KeyMode `yaml:"key_mode" validate:"oneof=nonce nonce_key"`
	MaxSenderOpsPerBundle int           `yaml:"max_sender_ops_per_bundle" validate:"gte=1"`
	// EntryTTL evicts entries that sat in the pool this long, zero disables
	EntryTTL      time.Duration `yaml:"entry_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	DropRecordTTL time.Duration `yaml:"drop_record_ttl" validate:"gt=0"`
}

type ReputationRaw struct {
	MinInclusionDenominator uint64        `yaml:"min_inclusion_denominator" validate:"gt=0"`
	ThrottlingSlack         uint64        `yaml:"throttling_slack"`
	BanSeenCap              uint64        `yaml:"ban_seen_cap"`
	MinStake                string        `yaml:"min_stake" validate:"required"`
	MinUnstakeDelay         uint64        `yaml:"min_unstake_delay"`
	DecayInterval           time.Duration `yaml:"decay_interval" validate:"gt=0"`
	StakeCacheTTL           time.Duration `yaml:"stake_cache_ttl" validate:"gt=0"`
}

type ReputationConfig struct {
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSeenCap              uint64
	// MinStake in wei
	MinStake        *big.Int
	MinUnstakeDelay uint64
	DecayInterval   time.Duration
	StakeCacheTTL   time.Duration
}

type BundleConfig struct {
	MaxBundleGas        uint64        `yaml:"max_bundle_gas" validate:"gt=0"`
	MaxBundleSize       int           `yaml:"max_bundle_size" validate:"gt=0"`
	MinBundleSize       int           `yaml:"min_bundle_size" validate:"gte=1"`
	MaxAttempts         int           `yaml:"max_attempts" validate:"gte=1"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout" validate:"gt=0"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" validate:"gt=0"`
	ResubmitAfter       time.Duration `yaml:"resubmit_after" validate:"gt=0"`
}

type ExecutionConfig struct {
	Mode        string        `yaml:"mode" validate:"oneof=manual auto interval"`
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	MaxPoolSize int           `yaml:"max_pool_size" validate:"gte=0"`
}

type EventsConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ConfirmationDepth uint64        `yaml:"confirmation_depth"`
	// StartBlock is where a fresh database starts scanning, zero means the current head
	StartBlock    uint64 `yaml:"start_block"`
	MaxBlockRange uint64 `yaml:"max_block_range" validate:"gt=0"`
}

// BackupConfig enables periodic database snapshots when Dir is set.
type BackupConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// Keep is the number of snapshots retained, zero keeps all
	Keep int `yaml:"keep" validate:"gte=0"`
}

func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize:               1000,
		KeyMode:               model.KeyModeNonce,
		MaxSenderOpsPerBundle: 2,
		EntryTTL:              0,
		SweepInterval:         30 * time.Second,
		DropRecordTTL:         24 * time.Hour,
	}
}

func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSeenCap:              100,
		MinStake:                new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		MinUnstakeDelay:         86400,
		DecayInterval:           time.Hour,
		StakeCacheTTL:           10 * time.Minute,
	}
}

func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		MaxBundleGas:        5_000_000,
		MaxBundleSize:       10,
		MinBundleSize:       1,
		MaxAttempts:         3,
		ReceiptTimeout:      60 * time.Second,
		ReceiptPollInterval: 2 * time.Second,
		ResubmitAfter:       120 * time.Second,
	}
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		Mode:        "auto",
		Interval:    10 * time.Second,
		MaxPoolSize: 100,
	}
}

func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		PollInterval:      12 * time.Second,
		ConfirmationDepth: 2,
		StartBlock:        0,
		MaxBlockRange:     2000,
	}
}

func defaultRaw() ConfigRaw {
	rep := DefaultReputationConfig()
	return ConfigRaw{
		Environment:      sdklogging.Development,
		RpcBindAddress:   "127.0.0.1:3000",
		DebugRpc:         true,
		DbVacuumInterval: time.Hour,
		Mempool:          DefaultMempoolConfig(),
		Reputation: ReputationRaw{
			MinInclusionDenominator: rep.MinInclusionDenominator,
			ThrottlingSlack:         rep.ThrottlingSlack,
			BanSeenCap:              rep.BanSeenCap,
			MinStake:                rep.MinStake.String(),
			MinUnstakeDelay:         rep.MinUnstakeDelay,
			DecayInterval:           rep.DecayInterval,
			StakeCacheTTL:           rep.StakeCacheTTL,
		},
		Bundle:    DefaultBundleConfig(),
		Execution: DefaultExecutionConfig(),
		Events:    DefaultEventsConfig(),
		Backup:    BackupConfig{Interval: 6 * time.Hour, Keep: 24},
	}
}

// NewConfig parses the yaml file at configFilePath on top of the defaults and builds the logger.
func NewConfig(configFilePath string) (*Config, error) {
	content, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}

	return Parse(content)
}

// Parse builds a Config from yaml content. Keys that are absent keep their default value.
func Parse(content []byte) (*Config, error) {
	configRaw := defaultRaw()
	if err := yaml.Unmarshal(content, &configRaw); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if err := validator.New().Struct(configRaw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := sdklogging.NewZapLogger(configRaw.Environment)
	if err != nil {
		return nil, err
	}

	privateKey, err := signer.ParsePrivateKey(configRaw.BundlerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("bundler_private_key: %w", err)
	}
	bundlerAddress := crypto.PubkeyToAddress(privateKey.PublicKey)

	minStake, err := parseWei(configRaw.Reputation.MinStake)
	if err != nil {
		return nil, fmt.Errorf("reputation.min_stake: %w", err)
	}

	beneficiary := bundlerAddress
	if configRaw.Beneficiary != "" {
		beneficiary = common.HexToAddress(configRaw.Beneficiary)
	}

	entryPoints := convertToAddressSlice(configRaw.EntryPoints)
	if len(entryPoints) == 0 {
		entryPoints = []common.Address{EntryPointV06}
	}

	rep := configRaw.Reputation
	config := &Config{
		Environment:       configRaw.Environment,
		Logger:            logger,
		EthRpcUrl:         configRaw.EthRpcUrl,
		BundlerPrivateKey: privateKey,
		BundlerAddress:    bundlerAddress,
		Beneficiary:       beneficiary,
		EntryPoints:       entryPoints,
		RpcBindAddress:    configRaw.RpcBindAddress,
		DebugRpc:          configRaw.DebugRpc,
		DbPath:            configRaw.DbPath,
		DbVacuumInterval:  configRaw.DbVacuumInterval,
		SentryDsn:         configRaw.SentryDsn,
		ServerName:        configRaw.ServerName,
		Mempool:           configRaw.Mempool,
		Reputation: ReputationConfig{
			MinInclusionDenominator: rep.MinInclusionDenominator,
			ThrottlingSlack:         rep.ThrottlingSlack,
			BanSeenCap:              rep.BanSeenCap,
			MinStake:                minStake,
			MinUnstakeDelay:         rep.MinUnstakeDelay,
			DecayInterval:           rep.DecayInterval,
			StakeCacheTTL:           rep.StakeCacheTTL,
		},
		Bundle:    configRaw.Bundle,
		Execution: configRaw.Execution,
		Events:    configRaw.Events,
		Backup:    configRaw.Backup,
	}

	if config.ServerName == "" {
		config.ServerName, _ = os.Hostname()
	}

	return config, nil
}

// parseWei accepts plain integers as well as scientific notation such as 1e18.
func parseWei(v string) (*big.Int, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("%s is not a non-negative integer amount of wei", v)
	}
	return d.BigInt(), nil
}
