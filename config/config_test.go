package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
bind: "0.0.0.0:2021"
maxConnections: 64
netTimeout: 5000000000
storeTimeout: 2000000000
guardTTL: 60000000000
acceptRate:
  limit: 100
  burst: 10
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:2021", cfg.Bind)
	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.NetTimeout)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, time.Minute, cfg.GuardTTL)
	assert.Equal(t, 100.0, cfg.AcceptRate.Limit)
	assert.Equal(t, 10, cfg.AcceptRate.Burst)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `bind: "127.0.0.1:2021"`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultNetTimeout, cfg.NetTimeout)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
	assert.Equal(t, DefaultGuardTTL, cfg.GuardTTL)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     error
	}{
		{
			name:     "missing bind",
			contents: `maxConnections: 10`,
			want:     ErrBindMissing,
		},
		{
			name:     "negative max connections",
			contents: "bind: \"127.0.0.1:2021\"\nmaxConnections: -1",
			want:     ErrMaxConnectionsInvalid,
		},
		{
			name:     "rate limit without burst",
			contents: "bind: \"127.0.0.1:2021\"\nacceptRate:\n  limit: 50",
			want:     ErrAcceptBurstInvalid,
		},
		{
			name:     "not yaml",
			contents: "{{{",
			want:     ErrConfigFileUnmarshallable,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, c.contents))
			require.ErrorIs(t, err, c.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestAcceptLimiter(t *testing.T) {
	unset := &Server{}
	assert.Equal(t, rate.Inf, unset.AcceptLimiter().Limit())

	set := &Server{AcceptRate: RateLimiterConfig{Limit: 25, Burst: 5}}
	lim := set.AcceptLimiter()
	assert.Equal(t, rate.Limit(25), lim.Limit())
	assert.Equal(t, 5, lim.Burst())
}
