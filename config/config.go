package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ark-network/coinjoin"
	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/roundstate"
	"github.com/ark-network/coinjoin/store"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const configFileName = "coinjoin"

type Config struct {
	Datadir  string
	LogLevel int

	CoordinatorName           string
	MaxCoinJoinMiningFeeRate  float64
	AbsoluteMinInputCount     int
	AllowSoloCoinjoining      bool
	DoNotRegisterInLastMinute time.Duration
	RoundStatePollPeriod      time.Duration
	LiquidityStoreType        string

	v *viper.Viper
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir                   = "DATADIR"
	LogLevel                  = "LOG_LEVEL"
	CoordinatorName           = "COORDINATOR_NAME"
	MaxCoinJoinMiningFeeRate  = "MAX_COINJOIN_MINING_FEE_RATE"
	AbsoluteMinInputCount     = "ABSOLUTE_MIN_INPUT_COUNT"
	AllowSoloCoinjoining      = "ALLOW_SOLO_COINJOINING"
	DoNotRegisterInLastMinute = "DO_NOT_REGISTER_IN_LAST_MINUTE"
	RoundStatePollPeriod      = "ROUND_STATE_POLL_PERIOD"
	LiquidityStoreType        = "LIQUIDITY_STORE_TYPE"

	defaultDatadir                   = btcutil.AppDataDir("coinjoin", false)
	defaultLogLevel                  = 4
	defaultMaxCoinJoinMiningFeeRate  = 150.0
	defaultAbsoluteMinInputCount     = 21
	defaultAllowSoloCoinjoining      = false
	defaultDoNotRegisterInLastMinute = time.Minute
	defaultRoundStatePollPeriod      = 5 * time.Second
	defaultLiquidityStoreType        = store.FileStore
)

// LoadConfig reads the configuration from the COINJOIN_ prefixed env vars
// and, if present, from the coinjoin config file in the datadir. Env vars
// take precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COINJOIN")
	v.AutomaticEnv()

	v.SetDefault(Datadir, defaultDatadir)
	v.SetDefault(LogLevel, defaultLogLevel)
	v.SetDefault(MaxCoinJoinMiningFeeRate, defaultMaxCoinJoinMiningFeeRate)
	v.SetDefault(AbsoluteMinInputCount, defaultAbsoluteMinInputCount)
	v.SetDefault(AllowSoloCoinjoining, defaultAllowSoloCoinjoining)
	v.SetDefault(DoNotRegisterInLastMinute, defaultDoNotRegisterInLastMinute)
	v.SetDefault(RoundStatePollPeriod, defaultRoundStatePollPeriod)
	v.SetDefault(LiquidityStoreType, defaultLiquidityStoreType)

	if err := initDatadir(v); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	v.SetConfigName(configFileName)
	v.AddConfigPath(v.GetString(Datadir))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %s", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.SetLevel(log.Level(cfg.LogLevel))
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Datadir:                   v.GetString(Datadir),
		LogLevel:                  v.GetInt(LogLevel),
		CoordinatorName:           v.GetString(CoordinatorName),
		MaxCoinJoinMiningFeeRate:  v.GetFloat64(MaxCoinJoinMiningFeeRate),
		AbsoluteMinInputCount:     v.GetInt(AbsoluteMinInputCount),
		AllowSoloCoinjoining:      v.GetBool(AllowSoloCoinjoining),
		DoNotRegisterInLastMinute: v.GetDuration(DoNotRegisterInLastMinute),
		RoundStatePollPeriod:      v.GetDuration(RoundStatePollPeriod),
		LiquidityStoreType:        v.GetString(LiquidityStoreType),
		v:                         v,
	}
}

func (c *Config) Validate() error {
	if !store.IsSupportedType(c.LiquidityStoreType) {
		return fmt.Errorf("liquidity store type %s not supported", c.LiquidityStoreType)
	}
	if c.MaxCoinJoinMiningFeeRate < 0 {
		return fmt.Errorf("invalid max coinjoin mining fee rate, must not be negative")
	}
	if c.AbsoluteMinInputCount < 0 {
		return fmt.Errorf("invalid absolute min input count, must not be negative")
	}
	if c.DoNotRegisterInLastMinute < 0 {
		return fmt.Errorf("invalid do not register in last minute, must not be negative")
	}
	if c.RoundStatePollPeriod < time.Second {
		return fmt.Errorf("invalid round state poll period, must be at least 1 second")
	}
	return nil
}

// Watch invokes onChange with the reloaded configuration every time the
// config file changes. Invalid configurations are logged and skipped.
func (c *Config) Watch(onChange func(*Config)) error {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		log.Debugf("config file %s changed (%s)", e.Name, e.Op)

		cfg := fromViper(c.v)
		if err := cfg.Validate(); err != nil {
			log.WithError(err).Warn("ignoring invalid config change")
			return
		}
		onChange(cfg)
	})
	c.v.WatchConfig()
	return nil
}

func (c *Config) ClientConfig() coinjoin.Config {
	return coinjoin.Config{
		CoordinatorName:           c.CoordinatorName,
		MaxCoinJoinMiningFeeRate:  c.MaxCoinJoinMiningFeeRate,
		AbsoluteMinInputCount:     c.AbsoluteMinInputCount,
		AllowSoloCoinjoining:      c.AllowSoloCoinjoining,
		DoNotRegisterInLastMinute: c.DoNotRegisterInLastMinute,
	}
}

func (c *Config) LiquidityClueStore() (client.LiquidityClueStore, error) {
	return store.NewLiquidityClueStore(store.Config{
		Type:    c.LiquidityStoreType,
		BaseDir: filepath.Join(c.Datadir, "db"),
	})
}

func (c *Config) RoundStateUpdater(fetcher roundstate.StatusFetcher) *roundstate.Updater {
	return roundstate.NewUpdater(fetcher, c.RoundStatePollPeriod)
}

func initDatadir(v *viper.Viper) error {
	datadir := v.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
