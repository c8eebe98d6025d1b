package config

import (
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rxtech-lab/argo-ledger/internal/ledger"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARGO_LEDGER_LEDGER_DSN.
const EnvPrefix = "ARGO_LEDGER"

type Config struct {
	AllocationVersion int             `mapstructure:"allocation_version" yaml:"allocation_version" json:"allocation_version" jsonschema:"title=Allocation Version,description=Active allocation version used for new runs and reports,minimum=1" validate:"min=1"`
	PnLSource         string          `mapstructure:"pnl_source" yaml:"pnl_source" json:"pnl_source" jsonschema:"title=PnL Source,description=Authoritative PnL source,enum=legacy,enum=ledger,enum=ledger_with_fallback" validate:"required"`
	FeeConvention     string          `mapstructure:"fee_convention" yaml:"fee_convention" json:"fee_convention" jsonschema:"title=Fee Convention,description=How fees enter net realized PnL,enum=pro_rata,enum=excluded"`
	Workers           int             `mapstructure:"workers" yaml:"workers" json:"workers" jsonschema:"title=Workers,description=Instruments allocated in parallel,minimum=1,maximum=256" validate:"min=1,max=256"`
	Ledger            StoreConfig     `mapstructure:"ledger" yaml:"ledger" json:"ledger" jsonschema:"title=Ledger,description=Allocation ledger storage"`
	EventStore        StoreConfig     `mapstructure:"event_store" yaml:"event_store" json:"event_store" jsonschema:"title=Event Store,description=Trade event storage"`
	PriceFeed         PriceFeedConfig `mapstructure:"price_feed" yaml:"price_feed" json:"price_feed" jsonschema:"title=Price Feed,description=Source of current prices for unrealized PnL"`
	Schedule          ScheduleConfig  `mapstructure:"schedule" yaml:"schedule" json:"schedule" jsonschema:"title=Schedule,description=Periodic recomputation"`
	Log               LogConfig       `mapstructure:"log" yaml:"log" json:"log" jsonschema:"title=Log"`
	Tracing           TracingConfig   `mapstructure:"tracing" yaml:"tracing" json:"tracing" jsonschema:"title=Tracing"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver" jsonschema:"title=Driver,enum=duckdb,enum=sqlite3,enum=postgres" validate:"required"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn" jsonschema:"title=DSN,description=Database file path or connection string" validate:"required"`
}

type PriceFeedConfig struct {
	Provider   string          `mapstructure:"provider" yaml:"provider" json:"provider" jsonschema:"title=Provider,enum=binance,enum=static,enum=none" validate:"required,oneof=binance static none"`
	Timeout    time.Duration   `mapstructure:"timeout" yaml:"timeout" json:"timeout" jsonschema:"title=Timeout,description=Longest wait for prices before instruments become price-unknown" validate:"gt=0"`
	BaseURL    string          `mapstructure:"base_url" yaml:"base_url" json:"base_url" jsonschema:"title=Base URL,description=Overrides the Binance API endpoint"`
	UseTestnet bool            `mapstructure:"use_testnet" yaml:"use_testnet" json:"use_testnet" jsonschema:"title=Use Testnet"`
	Symbols    []SymbolMapping `mapstructure:"symbols" yaml:"symbols" json:"symbols" jsonschema:"title=Symbols,description=Instrument to exchange symbol overrides" validate:"dive"`
	Static     []StaticPrice   `mapstructure:"static" yaml:"static" json:"static" jsonschema:"title=Static Prices,description=Fixed prices for the static provider" validate:"dive"`
}

// SymbolMapping and StaticPrice are lists rather than maps: viper lowercases map keys, which
// would change instrument names.
type SymbolMapping struct {
	Instrument string `mapstructure:"instrument" yaml:"instrument" json:"instrument" validate:"required"`
	Symbol     string `mapstructure:"symbol" yaml:"symbol" json:"symbol" validate:"required"`
}

type StaticPrice struct {
	Instrument string `mapstructure:"instrument" yaml:"instrument" json:"instrument" validate:"required"`
	Price      string `mapstructure:"price" yaml:"price" json:"price" validate:"required,numeric"`
}

type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled" jsonschema:"title=Enabled"`
	Cron    string `mapstructure:"cron" yaml:"cron" json:"cron" jsonschema:"title=Cron,description=Standard cron expression or descriptor such as @every 15m"`
	// Incremental extends the ledger instead of re-running full histories.
	Incremental bool `mapstructure:"incremental" yaml:"incremental" json:"incremental" jsonschema:"title=Incremental"`
	// SnapshotDir receives a YAML copy of every recorded snapshot when set.
	SnapshotDir string `mapstructure:"snapshot_dir" yaml:"snapshot_dir" json:"snapshot_dir" jsonschema:"title=Snapshot Directory"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" json:"level" jsonschema:"title=Level,enum=debug,enum=info,enum=warn,enum=error" validate:"omitempty,oneof=debug info warn error"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding" json:"encoding" jsonschema:"title=Encoding,enum=json,enum=console" validate:"omitempty,oneof=json console"`
	Development bool   `mapstructure:"development" yaml:"development" json:"development" jsonschema:"title=Development"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled" jsonschema:"title=Enabled,description=Write spans to stderr"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		AllocationVersion: 1,
		PnLSource:         string(types.PnLSourceLedger),
		FeeConvention:     string(types.FeeConventionProRata),
		Workers:           4,
		Ledger:            StoreConfig{Driver: string(ledger.DialectDuckDB), DSN: "ledger.duckdb"},
		EventStore:        StoreConfig{Driver: string(ledger.DialectDuckDB), DSN: "events.duckdb"},
		PriceFeed: PriceFeedConfig{
			Provider:   "binance",
			Timeout:    5 * time.Second,
			BaseURL:    "",
			UseTestnet: false,
			Symbols:    []SymbolMapping{},
			Static:     []StaticPrice{},
		},
		Schedule: ScheduleConfig{Enabled: false, Cron: "@every 15m", Incremental: true, SnapshotDir: ""},
		Log:      LogConfig{Level: "info", Encoding: "json", Development: false},
		Tracing:  TracingConfig{Enabled: false},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("allocation_version", d.AllocationVersion)
	v.SetDefault("pnl_source", d.PnLSource)
	v.SetDefault("fee_convention", d.FeeConvention)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("ledger.driver", d.Ledger.Driver)
	v.SetDefault("ledger.dsn", d.Ledger.DSN)
	v.SetDefault("event_store.driver", d.EventStore.Driver)
	v.SetDefault("event_store.dsn", d.EventStore.DSN)
	v.SetDefault("price_feed.provider", d.PriceFeed.Provider)
	v.SetDefault("price_feed.timeout", d.PriceFeed.Timeout.String())
	v.SetDefault("price_feed.base_url", d.PriceFeed.BaseURL)
	v.SetDefault("price_feed.use_testnet", d.PriceFeed.UseTestnet)
	v.SetDefault("schedule.enabled", d.Schedule.Enabled)
	v.SetDefault("schedule.cron", d.Schedule.Cron)
	v.SetDefault("schedule.incremental", d.Schedule.Incremental)
	v.SetDefault("schedule.snapshot_dir", d.Schedule.SnapshotDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
}

// Load reads the optional env files, then the config file at path (skipped when empty), then
// ARGO_LEDGER_* environment overrides, and validates the result.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to decode configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFiles loads each file into the process environment. Missing files are skipped and
// variables already set win.
func loadEnvFiles(files []string) error {
	for _, file := range files {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			continue
		}

		if err := godotenv.Load(file); err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to load env file %s", file)
		}
	}

	return nil
}

var configValidator = validator.New()

// Validate checks the configuration and returns the error code of the first problem found.
func (c Config) Validate() error {
	if _, err := types.ParsePnLSource(c.PnLSource); err != nil {
		return err
	}

	if _, err := types.ParseFeeConvention(c.FeeConvention); err != nil {
		return err
	}

	if c.AllocationVersion < 1 {
		return errors.Newf(errors.ErrCodeInvalidVersion, "allocation_version must be positive, got %d", c.AllocationVersion)
	}

	if _, err := ledger.ParseDialect(c.Ledger.Driver); err != nil {
		return err
	}

	// The event store reads CSV and parquet through DuckDB.
	if c.EventStore.Driver != string(ledger.DialectDuckDB) {
		return errors.Newf(errors.ErrCodeUnsupportedDriver, "unsupported event store driver %q, expected duckdb", c.EventStore.Driver)
	}

	switch c.PriceFeed.Provider {
	case "binance", "static", "none":
	default:
		return errors.Newf(errors.ErrCodeUnsupportedPriceFeed, "unsupported price feed %q, expected binance, static or none", c.PriceFeed.Provider)
	}

	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidSchedule, err, "invalid cron expression %q", c.Schedule.Cron)
		}
	}

	if err := configValidator.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	return nil
}

func (c Config) Source() types.PnLSource {
	return types.PnLSource(strings.ToLower(strings.TrimSpace(c.PnLSource)))
}

func (c Config) Fees() types.FeeConvention {
	convention, err := types.ParseFeeConvention(c.FeeConvention)
	if err != nil {
		return types.FeeConventionProRata
	}

	return convention
}

func (c Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Log.Level, Encoding: c.Log.Encoding, Development: c.Log.Development}
}

// SymbolMap returns the configured instrument to symbol overrides.
func (c PriceFeedConfig) SymbolMap() map[string]string {
	symbols := make(map[string]string, len(c.Symbols))
	for _, mapping := range c.Symbols {
		symbols[mapping.Instrument] = mapping.Symbol
	}

	return symbols
}

func (c PriceFeedConfig) StaticPrices() (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(c.Static))

	for _, static := range c.Static {
		price, err := decimal.NewFromString(static.Price)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid static price %q for %s", static.Price, static.Instrument)
		}

		prices[static.Instrument] = price
	}

	return prices, nil
}

// GenerateSchema generates a JSON schema for the Config
func (c *Config) GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{
					Type:        "string",
					Description: "Go duration such as 5s or 1m30s",
				}
			}

			return nil
		},
	}

	schema := reflector.Reflect(c)
	schema.Title = "argo-ledger-config"
	schema.Description = "Configuration schema for argo-ledger"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema, nil
}

// GenerateSchemaJSON generates a JSON schema string for the Config
func (c *Config) GenerateSchemaJSON() (string, error) {
	schema, err := c.GenerateSchema()
	if err != nil {
		return "", err
	}

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to marshal config schema", err)
	}

	return string(schemaBytes), nil
}
