// Package config provides configuration structures and validation for the
// credit engine. Values are layered: defaults, then an optional <name>.env
// file, then environment variables.
package config

import (
	"errors"
	"strings"
	"time"
	_ "time/tzdata" // COMPLIANCE_TIMEZONE must resolve on hosts without zoneinfo
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the complete application configuration.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Compliance  ComplianceConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	Assessment  AssessmentConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int           // Port to listen on
	ShutdownTimeout time.Duration // Grace period for server shutdown
	ReadTimeout     time.Duration // Maximum duration for reading entire request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum duration to wait for next request
	CORSOrigins     []string      // Allowed CORS origins
}

// ComplianceConfig controls how compliance years map onto wall-clock time.
type ComplianceConfig struct {
	Timezone string // IANA zone the October 1 boundary is evaluated in
}

// Location resolves Timezone.
func (c ComplianceConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// StoreConfig selects the ledger repository implementation.
type StoreConfig struct {
	Driver     string // memory, sqlite or postgres
	SQLitePath string // Database file for the sqlite driver
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string        // Database connection string
	MaxConns        int32         // Maximum number of open connections
	MinConns        int32         // Minimum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of a connection
	ConnMaxIdleTime time.Duration // Maximum idle time of a connection
	AutoMigrate     bool          // Apply embedded migrations on startup
}

// AssessmentConfig controls compliance-year rollover.
type AssessmentConfig struct {
	SchedulerEnabled bool
	Interval         time.Duration // How often the scheduler looks for a closable year
	WorkerPoolSize   int           // Organizations closed concurrently
}

// validate performs validation of all configuration values and reports every
// problem at once.
func (c *Config) validate() error {
	var validationErrors []string

	// Validate Server config
	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.Server.WriteTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_WRITE_TIMEOUT must be greater than 0")
	}
	if c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_IDLE_TIMEOUT must be greater than 0")
	}

	// Validate Compliance config
	if c.Compliance.Timezone == "" {
		validationErrors = append(validationErrors, "COMPLIANCE_TIMEZONE is required")
	} else if _, err := c.Compliance.Location(); err != nil {
		validationErrors = append(validationErrors, "COMPLIANCE_TIMEZONE is not a known time zone")
	}

	// Validate Store config
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			validationErrors = append(validationErrors, "SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			validationErrors = append(validationErrors, "POSTGRES_URL is required")
		}
		if c.Postgres.MaxConns <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
		}
		if c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
			validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be between 0 and POSTGRES_MAX_CONNS")
		}
		if c.Postgres.ConnMaxLifetime <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
		}
		if c.Postgres.ConnMaxIdleTime <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
		}
	default:
		validationErrors = append(validationErrors, "STORE_DRIVER must be one of memory, sqlite, postgres")
	}

	// Validate Assessment config
	if c.Assessment.SchedulerEnabled && c.Assessment.Interval <= 0 {
		validationErrors = append(validationErrors, "ASSESSMENT_INTERVAL must be greater than 0")
	}
	if c.Assessment.WorkerPoolSize <= 0 {
		validationErrors = append(validationErrors, "ASSESSMENT_WORKER_POOL_SIZE must be greater than 0")
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
