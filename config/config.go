package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel          string `toml:"log-level"`
	LogFile           string `toml:"log-file"`            // Empty logs to stderr.
	MaxProcs          int    `toml:"max-procs"`           // Max CPU cores to use, set 0 to use all CPU cores in the machine.
	EntryShards       int    `toml:"entry-shards"`        // Stripes of the write arbitration table, rounded up to a power of two.
	ReclaimIntervalMs int    `toml:"reclaim-interval-ms"` // Reclaimer cadence. Negative disables the background loop.
	Engine            Engine `toml:"engine"`              // Engine options.
}

type Engine struct {
	DBPath           string `toml:"db-path"`             // Directory to store the data in. Empty keeps everything in process memory.
	ValueThreshold   int    `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     string `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int    `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int    `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int    `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     string `toml:"vlog-file-size"`      // Value log file size.

	// 	Sync all writes to disk. Setting this to true would slow down data loading significantly.
	SyncWrite     bool `toml:"sync-write"`
	NumCompactors int  `toml:"num-compactors"`

	maxTableSize int64
	vlogFileSize int64
}

const MB = 1024 * 1024

var DefaultConf = Config{
	LogLevel:          "info",
	MaxProcs:          0,
	EntryShards:       256,
	ReclaimIntervalMs: 100,
	Engine: Engine{
		DBPath:           "",
		ValueThreshold:   256,
		MaxTableSize:     "64MB",
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     "256MB",
		SyncWrite:        true,
		NumCompactors:    1,
	},
}

// Load reads a TOML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	conf := DefaultConf
	if path != "" {
		if _, err := toml.DecodeFile(path, &conf); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

// Validate fills absent fields with defaults and resolves the humanized
// engine sizes. It must run before the config is used.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = DefaultConf.LogLevel
	}
	if c.EntryShards <= 0 {
		c.EntryShards = DefaultConf.EntryShards
	}
	if c.ReclaimIntervalMs == 0 {
		c.ReclaimIntervalMs = DefaultConf.ReclaimIntervalMs
	}
	e := &c.Engine
	if e.MaxTableSize == "" {
		e.MaxTableSize = DefaultConf.Engine.MaxTableSize
	}
	if e.VlogFileSize == "" {
		e.VlogFileSize = DefaultConf.Engine.VlogFileSize
	}
	var err error
	e.maxTableSize, err = units.RAMInBytes(e.MaxTableSize)
	if err != nil {
		return errors.Annotatef(err, "parse max-table-size %q", e.MaxTableSize)
	}
	e.vlogFileSize, err = units.RAMInBytes(e.VlogFileSize)
	if err != nil {
		return errors.Annotatef(err, "parse vlog-file-size %q", e.VlogFileSize)
	}
	if e.NumMemTables <= 0 {
		e.NumMemTables = DefaultConf.Engine.NumMemTables
	}
	if e.NumL0Tables <= 0 {
		e.NumL0Tables = DefaultConf.Engine.NumL0Tables
	}
	if e.NumL0TablesStall <= e.NumL0Tables {
		e.NumL0TablesStall = e.NumL0Tables * 2
	}
	if e.NumCompactors <= 0 {
		e.NumCompactors = DefaultConf.Engine.NumCompactors
	}
	return nil
}

// ReclaimInterval returns the reclaimer cadence as a duration.
func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalMs) * time.Millisecond
}

// MaxTableBytes returns the parsed max-table-size. Valid after Validate.
func (e *Engine) MaxTableBytes() int64 {
	return e.maxTableSize
}

// VlogFileBytes returns the parsed vlog-file-size. Valid after Validate.
func (e *Engine) VlogFileBytes() int64 {
	return e.vlogFileSize
}
