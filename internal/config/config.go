package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"aeroscraper/internal/state"
)

// Config is the service configuration. Values come from a TOML file with
// AERO_* environment overrides for the deployment-specific pieces.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Postgres PostgresConfig `toml:"postgres"`
	NATS     NATSConfig     `toml:"nats"`
	Oracle   OracleConfig   `toml:"oracle"`
	Params   ParamsConfig   `toml:"params"`
}

type ServiceConfig struct {
	HTTPAddr     string `toml:"http_addr"`
	AdminAccount string `toml:"admin_account"`
	AdminToken   string `toml:"admin_token"`
}

type PostgresConfig struct {
	URL            string `toml:"url"`
	BatchSize      int    `toml:"batch_size"`
	FlushTimeoutMs int    `toml:"flush_timeout_ms"`
}

type NATSConfig struct {
	URL string `toml:"url"`
}

type OracleConfig struct {
	FreshnessSecs int64 `toml:"freshness_secs"`
}

// ParamsConfig mirrors state.ProtocolParams in TOML-friendly form.
type ParamsConfig struct {
	MCRWad               uint64 `toml:"mcr_wad"`
	LoanFeeRateWad       uint64 `toml:"loan_fee_rate_wad"`
	RedemptionFeeRateWad uint64 `toml:"redemption_fee_rate_wad"`
	MinDebt              uint64 `toml:"min_debt"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	params := state.DefaultParams()
	return Config{
		Service: ServiceConfig{
			HTTPAddr:     ":8080",
			AdminAccount: "admin",
		},
		Postgres: PostgresConfig{
			URL:            "postgres://localhost:5432/aeroscraper?sslmode=disable",
			BatchSize:      100,
			FlushTimeoutMs: 50,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Oracle: OracleConfig{
			FreshnessSecs: params.OracleFreshnessSecs,
		},
		Params: ParamsConfig{
			MCRWad:               params.MCRWad,
			LoanFeeRateWad:       params.LoanFeeRateWad,
			RedemptionFeeRateWad: params.RedemptionFeeRateWad,
			MinDebt:              params.MinDebt,
		},
	}
}

// Load reads path (TOML, optional) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AERO_HTTP_ADDR"); v != "" {
		c.Service.HTTPAddr = v
	}
	if v := os.Getenv("AERO_ADMIN_ACCOUNT"); v != "" {
		c.Service.AdminAccount = v
	}
	if v := os.Getenv("AERO_ADMIN_TOKEN"); v != "" {
		c.Service.AdminToken = v
	}
	if v := os.Getenv("AERO_POSTGRES_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("AERO_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("AERO_ORACLE_FRESHNESS_SECS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Oracle.FreshnessSecs = n
		}
	}
}

// Validate checks the configuration, protocol parameters included.
func (c *Config) Validate() error {
	if c.Service.HTTPAddr == "" {
		return fmt.Errorf("service.http_addr must not be empty")
	}
	if c.Service.AdminAccount == "" {
		return fmt.Errorf("service.admin_account must not be empty")
	}
	if c.Postgres.BatchSize <= 0 {
		return fmt.Errorf("postgres.batch_size must be positive, got %d", c.Postgres.BatchSize)
	}
	if c.Postgres.FlushTimeoutMs <= 0 {
		return fmt.Errorf("postgres.flush_timeout_ms must be positive, got %d", c.Postgres.FlushTimeoutMs)
	}
	if c.Oracle.FreshnessSecs <= 0 {
		return fmt.Errorf("oracle.freshness_secs must be positive, got %d", c.Oracle.FreshnessSecs)
	}
	return c.ProtocolParams().Validate()
}

// ProtocolParams converts the TOML parameter block to the engine's form.
func (c *Config) ProtocolParams() state.ProtocolParams {
	return state.ProtocolParams{
		MCRWad:               c.Params.MCRWad,
		LoanFeeRateWad:       c.Params.LoanFeeRateWad,
		RedemptionFeeRateWad: c.Params.RedemptionFeeRateWad,
		MinDebt:              c.Params.MinDebt,
		OracleFreshnessSecs:  c.Oracle.FreshnessSecs,
	}
}

// FlushTimeout returns the persistence flush timeout as a duration.
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.Postgres.FlushTimeoutMs) * time.Millisecond
}

// OracleMaxAge returns the oracle staleness bound as a duration.
func (c *Config) OracleMaxAge() time.Duration {
	return time.Duration(c.Oracle.FreshnessSecs) * time.Second
}
