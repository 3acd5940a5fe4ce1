package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// CLIProfile supplies default values for CLI flags the user didn't set
// explicitly, loaded from an optional --profile TOML file — the same
// "TOML file with defaults" pattern the teacher repo uses for its whole
// configuration, scoped here to CLI defaults since the domain-level
// --config file format is dictated by spec.md §6 to be JSON.
type CLIProfile struct {
	Children int      `toml:"children"`
	Buffer   int      `toml:"buffer"`
	Schemas  []string `toml:"schemas"`
	LogLevel string   `toml:"loglevel"`
}

// loadCLIProfile reads a TOML defaults file. A missing path is not an
// error at the call site; callers only invoke this when --profile was set.
func loadCLIProfile(path string) (*CLIProfile, error) {
	var p CLIProfile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	return &p, nil
}

// EnvOverrides captures the DBSUBSET_* environment variables that override
// CLI flags, parsed with caarlos0/env after an optional .env file (loaded
// with joho/godotenv) has populated the process environment — the same
// env-var-override pattern the retrieved db_sync example uses for its MySQL
// DSN.
type EnvOverrides struct {
	SourceURL string `env:"DBSUBSET_SOURCE_URL"`
	TargetURL string `env:"DBSUBSET_TARGET_URL"`
	Buffer    int    `env:"DBSUBSET_BUFFER"`
}

// loadEnvOverrides loads ./.env (if present; a missing file is not an
// error) and parses DBSUBSET_* into an EnvOverrides.
func loadEnvOverrides() (EnvOverrides, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return EnvOverrides{}, fmt.Errorf("load .env: %w", err)
	}
	var o EnvOverrides
	if err := env.Parse(&o); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse environment: %w", err)
	}
	return o, nil
}

// DomainConfig is the --config JSON document, exactly as shaped by
// spec.md §6: logical foreign-key constraints plus table include/exclude/
// schema lists that are folded into the same flags the CLI itself accepts.
type DomainConfig struct {
	Constraints   map[string][]ConstraintSpec `json:"constraints"`
	Tables        []string                    `json:"tables"`
	Schemas       []string                    `json:"schemas"`
	ExcludeTables []string                     `json:"exclude-tables"`
}

// loadDomainConfig reads and validates the --config JSON file.
func loadDomainConfig(path string) (*DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("read config %s: %v", path, err)}
	}
	var cfg DomainConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("parse config %s: %v", path, err)}
	}
	for child, specs := range cfg.Constraints {
		for _, spec := range specs {
			if len(spec.ConstrainedColumns) == 0 || len(spec.ReferredColumns) == 0 {
				return nil, &ConfigurationError{Msg: fmt.Sprintf(
					"constraint on %s: constrained_columns and referred_columns must be non-empty", child)}
			}
			if len(spec.ConstrainedColumns) != len(spec.ReferredColumns) {
				return nil, &ConfigurationError{Msg: fmt.Sprintf(
					"constraint on %s: constrained_columns and referred_columns must be equal length", child)}
			}
			if spec.ReferredTable == "" {
				return nil, &ConfigurationError{Msg: fmt.Sprintf("constraint on %s: referred_table is required", child)}
			}
		}
	}
	return &cfg, nil
}

// databaseURL is a parsed <source-url>/<target-url> positional argument:
// the dialect (driver scheme) plus the DSN string to hand that driver's
// Open method.
type databaseURL struct {
	Dialect string
	DSN     string
}

// parseDatabaseURL recognizes the postgres://, mysql://, sqlite:// (or
// sqlite:/path, sqlite3://), and sqlserver:// schemes, and maps the rest of
// the URL into the form each driver's Open expects.
func parseDatabaseURL(raw string) (databaseURL, error) {
	// A MySQL DSN's "tcp(host:port)" address is not a valid URL host, so
	// mysql:// is recognized before url.Parse gets to reject it.
	if len(raw) >= len("mysql://") && strings.EqualFold(raw[:len("mysql://")], "mysql://") {
		return databaseURL{Dialect: "mysql", DSN: raw[len("mysql://"):]}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return databaseURL{}, &ConfigurationError{Msg: fmt.Sprintf("invalid database URL %q: %v", raw, err)}
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return databaseURL{Dialect: "postgres", DSN: raw}, nil
	case "mysql":
		return databaseURL{Dialect: "mysql", DSN: strings.TrimPrefix(raw, "mysql://")}, nil
	case "sqlite", "sqlite3":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		if u.Host != "" {
			path = u.Host + path
		}
		return databaseURL{Dialect: "sqlite", DSN: path}, nil
	case "sqlserver", "mssql":
		return databaseURL{Dialect: "mssql", DSN: raw}, nil
	default:
		return databaseURL{}, &ConfigurationError{Msg: fmt.Sprintf(
			"unrecognized database URL scheme %q (want postgres, mysql, sqlite, or sqlserver)", u.Scheme)}
	}
}

// parseForcedRow parses a --force=TABLE:PK flag value. PK is parsed as an
// int64 when it looks numeric, otherwise carried as a string — spec.md §6
// only promises "PK parsed as a scalar".
func parseForcedRow(spec string) (ForcedRow, error) {
	idx := strings.LastIndex(spec, ":")
	if idx < 0 {
		return ForcedRow{}, &ConfigurationError{Msg: fmt.Sprintf(
			"--force=%s must be of the form TABLE:PK", spec)}
	}
	tableKey, pkStr := spec[:idx], spec[idx+1:]
	if tableKey == "" || pkStr == "" {
		return ForcedRow{}, &ConfigurationError{Msg: fmt.Sprintf(
			"--force=%s must be of the form TABLE:PK", spec)}
	}

	var pk any = pkStr
	if n, err := strconv.ParseInt(pkStr, 10, 64); err == nil {
		pk = n
	}
	return ForcedRow{TableKey: tableKey, PK: pk}, nil
}
