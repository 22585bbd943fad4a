package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	conf := DefaultConf
	require.NoError(t, conf.Validate())
	require.Equal(t, int64(64*MB), conf.Engine.MaxTableBytes())
	require.Equal(t, int64(256*MB), conf.Engine.VlogFileBytes())
	require.Equal(t, 100*time.Millisecond, conf.ReclaimInterval())
}

func TestValidateFillsZeroValues(t *testing.T) {
	conf := &Config{}
	require.NoError(t, conf.Validate())
	require.Equal(t, DefaultConf.LogLevel, conf.LogLevel)
	require.Equal(t, DefaultConf.EntryShards, conf.EntryShards)
	require.Equal(t, DefaultConf.ReclaimIntervalMs, conf.ReclaimIntervalMs)
	require.Equal(t, int64(64*MB), conf.Engine.MaxTableBytes())
	require.Equal(t, DefaultConf.Engine.NumL0Tables*2, conf.Engine.NumL0TablesStall)
}

func TestValidateBadSize(t *testing.T) {
	conf := DefaultConf
	conf.Engine.MaxTableSize = "lots"
	require.Error(t, conf.Validate())
}

func TestLoadEmptyPath(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", conf.LogLevel)
	require.Equal(t, 256, conf.EntryShards)
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "conf")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "conf.toml")
	content := `
log-level = "debug"
entry-shards = 32
reclaim-interval-ms = -1

[engine]
db-path = "/tmp/data"
max-table-size = "8MB"
sync-write = false
`
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	conf, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, 32, conf.EntryShards)
	require.True(t, conf.ReclaimInterval() < 0)
	require.Equal(t, "/tmp/data", conf.Engine.DBPath)
	require.Equal(t, int64(8*MB), conf.Engine.MaxTableBytes())
	require.False(t, conf.Engine.SyncWrite)

	// Fields the file does not mention keep their defaults.
	require.Equal(t, 3, conf.Engine.NumMemTables)
	require.Equal(t, "256MB", conf.Engine.VlogFileSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/file.toml")
	require.Error(t, err)
}
