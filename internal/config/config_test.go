package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadIntroducer_Defaults(t *testing.T) {
	cfg, err := LoadIntroducer("")
	require.NoError(t, err)
	assert.Equal(t, DefaultIntroducer(), cfg)
	assert.Equal(t, ":9999", cfg.Addr())
	assert.NoError(t, cfg.Validate())
}

func TestLoadIntroducer_File(t *testing.T) {
	path := writeFile(t, `
port: 7000
feed_addr: 127.0.0.1:7001
grace_window: 3s
debug: true
`)
	cfg, err := LoadIntroducer(path)
	require.NoError(t, err)
	assert.Equal(t, Introducer{
		Port:         7000,
		FeedAddr:     "127.0.0.1:7001",
		ReapInterval: DefaultReapInterval,
		GraceWindow:  3 * time.Second,
		Debug:        true,
	}, cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadParticipant_File(t *testing.T) {
	path := writeFile(t, `
server: 203.0.113.5:9999
reconnect_delay: 250ms
`)
	cfg, err := LoadParticipant(path)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5:9999", cfg.Server)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := LoadIntroducer(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadParticipant(writeFile(t, "connect_timeout: soon\n"))
	assert.Error(t, err)

	_, err = LoadIntroducer(writeFile(t, "port: [1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	in := DefaultIntroducer()
	in.Port = 0
	in.FeedAddr = "nope"
	in.GraceWindow = time.Millisecond
	err := in.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 0")
	assert.Contains(t, err.Error(), "feed_addr")
	assert.Contains(t, err.Error(), "grace_window")

	p := DefaultParticipant()
	p.Server = "localhost"
	p.ReconnectDelay = 0
	err = p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server")
	assert.Contains(t, err.Error(), "reconnect_delay")
}
