package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	suite.dir = suite.T().TempDir()
}

func (suite *ConfigTestSuite) writeFile(name, content string) string {
	path := filepath.Join(suite.dir, name)
	suite.Require().NoError(os.WriteFile(path, []byte(content), 0o600))

	return path
}

func (suite *ConfigTestSuite) TestDefaultIsValid() {
	cfg := Default()
	suite.NoError(cfg.Validate())
	suite.Equal(types.PnLSourceLedger, cfg.Source())
	suite.Equal(types.FeeConventionProRata, cfg.Fees())
}

func (suite *ConfigTestSuite) TestLoadWithoutFileUsesDefaults() {
	cfg, err := Load("")
	suite.Require().NoError(err)
	suite.Equal(Default().AllocationVersion, cfg.AllocationVersion)
	suite.Equal(5*time.Second, cfg.PriceFeed.Timeout)
	suite.Equal("duckdb", cfg.Ledger.Driver)
}

func (suite *ConfigTestSuite) TestLoadFile() {
	path := suite.writeFile("config.yaml", `
allocation_version: 3
pnl_source: ledger_with_fallback
fee_convention: excluded
workers: 8
ledger:
  driver: sqlite3
  dsn: /tmp/ledger.db
price_feed:
  provider: static
  timeout: 250ms
  symbols:
    - instrument: BTC/USDT
      symbol: BTCUSDT
  static:
    - instrument: BTC/USDT
      price: "64000.5"
schedule:
  enabled: true
  cron: "*/5 * * * *"
log:
  level: debug
  encoding: console
`)

	cfg, err := Load(path)
	suite.Require().NoError(err)
	suite.Equal(3, cfg.AllocationVersion)
	suite.Equal(types.PnLSourceLedgerWithFallback, cfg.Source())
	suite.Equal(types.FeeConventionExcluded, cfg.Fees())
	suite.Equal(8, cfg.Workers)
	suite.Equal("sqlite3", cfg.Ledger.Driver)
	suite.Equal("/tmp/ledger.db", cfg.Ledger.DSN)
	suite.Equal("events.duckdb", cfg.EventStore.DSN)
	suite.Equal(250*time.Millisecond, cfg.PriceFeed.Timeout)
	suite.Equal(map[string]string{"BTC/USDT": "BTCUSDT"}, cfg.PriceFeed.SymbolMap())

	prices, err := cfg.PriceFeed.StaticPrices()
	suite.Require().NoError(err)
	suite.True(decimal.RequireFromString("64000.5").Equal(prices["BTC/USDT"]))

	suite.True(cfg.Schedule.Enabled)
	suite.True(cfg.Schedule.Incremental)
	suite.Equal("debug", cfg.LoggerConfig().Level)
	suite.Equal("console", cfg.LoggerConfig().Encoding)
}

func (suite *ConfigTestSuite) TestEnvironmentOverrides() {
	path := suite.writeFile("config.yaml", "allocation_version: 2\n")
	suite.T().Setenv("ARGO_LEDGER_ALLOCATION_VERSION", "5")
	suite.T().Setenv("ARGO_LEDGER_LEDGER_DSN", "postgres://ledger")
	suite.T().Setenv("ARGO_LEDGER_LEDGER_DRIVER", "postgres")

	cfg, err := Load(path)
	suite.Require().NoError(err)
	suite.Equal(5, cfg.AllocationVersion)
	suite.Equal("postgres", cfg.Ledger.Driver)
	suite.Equal("postgres://ledger", cfg.Ledger.DSN)
}

func (suite *ConfigTestSuite) TestEnvFile() {
	envFile := suite.writeFile(".env", "ARGO_LEDGER_PNL_SOURCE=legacy\n")
	suite.T().Cleanup(func() { _ = os.Unsetenv("ARGO_LEDGER_PNL_SOURCE") })

	cfg, err := Load("", envFile, filepath.Join(suite.dir, "missing.env"))
	suite.Require().NoError(err)
	suite.Equal(types.PnLSourceLegacy, cfg.Source())
}

func (suite *ConfigTestSuite) TestMissingFile() {
	_, err := Load(filepath.Join(suite.dir, "nope.yaml"))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func (suite *ConfigTestSuite) TestValidate() {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   errors.ErrorCode
	}{
		{
			name:   "unknown pnl source",
			mutate: func(c *Config) { c.PnLSource = "broker" },
			code:   errors.ErrCodeInvalidPnLSource,
		},
		{
			name:   "unknown fee convention",
			mutate: func(c *Config) { c.FeeConvention = "gross" },
			code:   errors.ErrCodeInvalidFeeConvention,
		},
		{
			name:   "zero version",
			mutate: func(c *Config) { c.AllocationVersion = 0 },
			code:   errors.ErrCodeInvalidVersion,
		},
		{
			name:   "unknown ledger driver",
			mutate: func(c *Config) { c.Ledger.Driver = "mysql" },
			code:   errors.ErrCodeUnsupportedDriver,
		},
		{
			name:   "event store must be duckdb",
			mutate: func(c *Config) { c.EventStore.Driver = "sqlite3" },
			code:   errors.ErrCodeUnsupportedDriver,
		},
		{
			name:   "unknown price feed",
			mutate: func(c *Config) { c.PriceFeed.Provider = "polygon" },
			code:   errors.ErrCodeUnsupportedPriceFeed,
		},
		{
			name: "bad cron",
			mutate: func(c *Config) {
				c.Schedule.Enabled = true
				c.Schedule.Cron = "every now and then"
			},
			code: errors.ErrCodeInvalidSchedule,
		},
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.Workers = 0 },
			code:   errors.ErrCodeInvalidConfiguration,
		},
		{
			name:   "missing dsn",
			mutate: func(c *Config) { c.Ledger.DSN = "" },
			code:   errors.ErrCodeInvalidConfiguration,
		},
		{
			name:   "zero timeout",
			mutate: func(c *Config) { c.PriceFeed.Timeout = 0 },
			code:   errors.ErrCodeInvalidConfiguration,
		},
		{
			name: "non numeric static price",
			mutate: func(c *Config) {
				c.PriceFeed.Static = []StaticPrice{{Instrument: "BTC/USDT", Price: "lots"}}
			},
			code: errors.ErrCodeInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			suite.Require().Error(err)
			suite.Equal(tt.code, errors.GetCode(err), err.Error())
		})
	}
}

func (suite *ConfigTestSuite) TestDisabledScheduleSkipsCron() {
	cfg := Default()
	cfg.Schedule.Cron = "not a cron"
	suite.NoError(cfg.Validate())
}

func (suite *ConfigTestSuite) TestGenerateSchemaJSON() {
	cfg := Default()

	schemaJSON, err := cfg.GenerateSchemaJSON()
	suite.Require().NoError(err)

	var schema map[string]any
	suite.Require().NoError(json.Unmarshal([]byte(schemaJSON), &schema))
	suite.Equal("argo-ledger-config", schema["title"])

	properties, ok := schema["properties"].(map[string]any)
	suite.Require().True(ok)
	suite.Contains(properties, "allocation_version")
	suite.Contains(properties, "pnl_source")
	suite.Contains(properties, "price_feed")
}
