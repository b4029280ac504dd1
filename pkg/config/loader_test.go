package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-broker/pkg/logging"
)

func TestLoaderLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "data_dir: "+t.TempDir()+"\nlogging:\n  level: debug\n")

	loader, err := NewLoader(path, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, loader.Current())

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Same(t, cfg, loader.Current())
	assert.Equal(t, path, loader.Path())
}

// replaceFile swaps content in with a rename so the watcher never observes a
// truncated file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoaderWatch(t *testing.T) {
	clearEnv(t)
	dataDir := t.TempDir()
	path := writeConfig(t, "data_dir: "+dataDir+"\nlogging:\n  level: info\n")

	loader, err := NewLoader(path, logging.Discard())
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	updated := make(chan *Config, 16)
	failed := make(chan error, 16)
	loader.OnReloadFailure(func(err error) { failed <- err })
	require.NoError(t, loader.Watch(func(c *Config) { updated <- c }))
	defer loader.Close()

	time.Sleep(50 * time.Millisecond)

	replaceFile(t, path, "data_dir: "+dataDir+"\nlogging:\n  level: error\n")
	select {
	case cfg := <-updated:
		assert.Equal(t, "error", cfg.Logging.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config update")
	}

	replaceFile(t, path, "logging:\n  level: deafening\n")
	select {
	case err := <-failed:
		assert.ErrorContains(t, err, "logging.level")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload failure")
	}
	assert.Equal(t, "error", loader.Current().Logging.Level)
}

func TestLoaderCloseIsIdempotent(t *testing.T) {
	loader, err := NewLoader(writeConfig(t, ""), nil)
	require.NoError(t, err)
	require.NoError(t, loader.Watch(nil))
	assert.NoError(t, loader.Close())
	assert.NoError(t, loader.Close())
}
