// Package config loads the tool configuration (endpoints plus tuning
// options) and the sync plan (which tables to replicate, with what
// keys and filters).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/espejo-db/espejo/internal/mssql"
)

// Options tunes a run. Zero values are replaced by defaults.
type Options struct {
	BatchSize                int    `mapstructure:"batch_size" yaml:"batch_size"`
	MaxParallelTables        int    `mapstructure:"max_parallel_tables" yaml:"max_parallel_tables"`
	ConnectionTimeoutSeconds int    `mapstructure:"connection_timeout_seconds" yaml:"connection_timeout_seconds"`
	CommandTimeoutSeconds    int    `mapstructure:"command_timeout_seconds" yaml:"command_timeout_seconds"`
	LedgerSchema             string `mapstructure:"ledger_schema" yaml:"ledger_schema"`
	LedgerTable              string `mapstructure:"ledger_table" yaml:"ledger_table"`
	EventBuffer              int    `mapstructure:"event_buffer" yaml:"event_buffer"`

	// DryRun computes deltas but applies nothing. Set from the CLI,
	// never from the file.
	DryRun bool `mapstructure:"-" yaml:"-"`
}

// Defaults returns the stock options.
func Defaults() Options {
	return Options{
		BatchSize:                1000,
		MaxParallelTables:        5,
		ConnectionTimeoutSeconds: 30,
		CommandTimeoutSeconds:    300,
		LedgerSchema:             "dbo",
		LedgerTable:              "SyncMetadata",
		EventBuffer:              1024,
	}
}

// Validate rejects unusable settings.
func (o Options) Validate() error {
	if o.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", o.BatchSize)
	}
	if o.MaxParallelTables < 1 {
		return fmt.Errorf("max_parallel_tables must be at least 1, got %d", o.MaxParallelTables)
	}
	if o.ConnectionTimeoutSeconds < 1 {
		return fmt.Errorf("connection_timeout_seconds must be at least 1, got %d", o.ConnectionTimeoutSeconds)
	}
	if o.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("command_timeout_seconds must be at least 1, got %d", o.CommandTimeoutSeconds)
	}
	if o.LedgerSchema == "" || o.LedgerTable == "" {
		return fmt.Errorf("ledger_schema and ledger_table must not be empty")
	}
	return nil
}

func (o Options) ConnTimeout() time.Duration {
	return time.Duration(o.ConnectionTimeoutSeconds) * time.Second
}

func (o Options) CmdTimeout() time.Duration {
	return time.Duration(o.CommandTimeoutSeconds) * time.Second
}

// File is the full tool configuration document.
type File struct {
	Source      mssql.Config `mapstructure:"source" yaml:"source"`
	Destination mssql.Config `mapstructure:"destination" yaml:"destination"`
	Options     Options      `mapstructure:"options" yaml:"options"`
	Tables      []TableSync  `mapstructure:"tables" yaml:"tables"`
}

// Load unmarshals the configuration out of an already-read viper
// instance, fills defaults, stamps timeouts onto both endpoints and
// validates the result.
func Load(v *viper.Viper) (*File, error) {
	setDefaults(v)

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if f.Source.Server == "" || f.Source.Database == "" {
		return nil, fmt.Errorf("invalid config: source server and database are required")
	}
	if f.Destination.Server == "" || f.Destination.Database == "" {
		return nil, fmt.Errorf("invalid config: destination server and database are required")
	}

	f.Source.ConnTimeout = f.Options.ConnTimeout()
	f.Source.CmdTimeout = f.Options.CmdTimeout()
	f.Destination.ConnTimeout = f.Options.ConnTimeout()
	f.Destination.CmdTimeout = f.Options.CmdTimeout()
	return &f, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("options.batch_size", d.BatchSize)
	v.SetDefault("options.max_parallel_tables", d.MaxParallelTables)
	v.SetDefault("options.connection_timeout_seconds", d.ConnectionTimeoutSeconds)
	v.SetDefault("options.command_timeout_seconds", d.CommandTimeoutSeconds)
	v.SetDefault("options.ledger_schema", d.LedgerSchema)
	v.SetDefault("options.ledger_table", d.LedgerTable)
	v.SetDefault("options.event_buffer", d.EventBuffer)
	v.SetDefault("source.port", 1433)
	v.SetDefault("destination.port", 1433)
}
