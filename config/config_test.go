package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ark-network/coinjoin/config"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		datadir := filepath.Join(t.TempDir(), "coinjoin")
		t.Setenv("COINJOIN_DATADIR", datadir)

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.DirExists(t, datadir)
		require.Equal(t, 150.0, cfg.MaxCoinJoinMiningFeeRate)
		require.Equal(t, 21, cfg.AbsoluteMinInputCount)
		require.False(t, cfg.AllowSoloCoinjoining)
		require.Equal(t, time.Minute, cfg.DoNotRegisterInLastMinute)
		require.Equal(t, 5*time.Second, cfg.RoundStatePollPeriod)
		require.Equal(t, "file", cfg.LiquidityStoreType)

		clientCfg := cfg.ClientConfig()
		require.Equal(t, cfg.MaxCoinJoinMiningFeeRate, clientCfg.MaxCoinJoinMiningFeeRate)
		require.Equal(t, cfg.AbsoluteMinInputCount, clientCfg.AbsoluteMinInputCount)

		require.Equal(t, 5*time.Second, cfg.RoundStateUpdater(nil).Period())
	})

	t.Run("env overrides config file", func(t *testing.T) {
		datadir := t.TempDir()
		t.Setenv("COINJOIN_DATADIR", datadir)
		t.Setenv("COINJOIN_ABSOLUTE_MIN_INPUT_COUNT", "5")

		file := []byte("ABSOLUTE_MIN_INPUT_COUNT: 10\nCOORDINATOR_NAME: kruw\nLIQUIDITY_STORE_TYPE: inmemory\n")
		require.NoError(t, os.WriteFile(filepath.Join(datadir, "coinjoin.yaml"), file, 0600))

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.Equal(t, 5, cfg.AbsoluteMinInputCount)
		require.Equal(t, "kruw", cfg.CoordinatorName)

		liquidityStore, err := cfg.LiquidityClueStore()
		require.NoError(t, err)
		liquidityStore.Close()

		require.NoError(t, cfg.Watch(func(*config.Config) {}))
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name        string
			key         string
			value       string
			expectedErr string
		}{
			{
				name:        "store type",
				key:         "COINJOIN_LIQUIDITY_STORE_TYPE",
				value:       "postgres",
				expectedErr: "liquidity store type postgres not supported",
			},
			{
				name:        "poll period",
				key:         "COINJOIN_ROUND_STATE_POLL_PERIOD",
				value:       "10ms",
				expectedErr: "invalid round state poll period",
			},
			{
				name:        "fee rate",
				key:         "COINJOIN_MAX_COINJOIN_MINING_FEE_RATE",
				value:       "-1",
				expectedErr: "invalid max coinjoin mining fee rate",
			},
		}

		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				t.Setenv("COINJOIN_DATADIR", t.TempDir())
				t.Setenv(f.key, f.value)

				cfg, err := config.LoadConfig()
				require.ErrorContains(t, err, f.expectedErr)
				require.Nil(t, cfg)
			})
		}
	})

	t.Run("watch without config file", func(t *testing.T) {
		t.Setenv("COINJOIN_DATADIR", t.TempDir())

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.Error(t, cfg.Watch(func(*config.Config) {}))
	})
}
