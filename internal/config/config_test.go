package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 1000, cfg.Audit.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinicore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
server:
  addr: ":9000"
  read_timeout: 3s
store:
  driver: postgres
  dsn: postgres://clinic@db/clinic
grants:
  min_reason_length: 20
  max_reason_length: 300
`), 0o600))
	t.Setenv("CLINICORE_SERVER__ADDR", ":9100")
	t.Setenv("CLINICORE_AUTH__SESSION_SECRET", "from-the-environment-1234")
	t.Setenv("CLINICORE_RATE_LIMIT__LOGIN_BURST", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 20, cfg.Grants.MinReasonLength)
	assert.Equal(t, 7, cfg.RateLimit.LoginBurst)
	assert.Equal(t, 10, cfg.RateLimit.LoginPerMinute)
	require.NoError(t, cfg.Validate())
}

func TestValidateAggregates(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "mongodb"
	cfg.Audit.Retention = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	errs, ok := err.(errsx.Map)
	require.True(t, ok, "expected errsx.Map, got %T", err)
	for _, key := range []string{"store.driver", "auth.session_secret", "audit.retention", "logging.format"} {
		_, ok := errs[key]
		assert.True(t, ok, "missing %s", key)
	}
}

func TestChainKeyFallsBackToSessionSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.SessionSecret = "session-secret-0123456789"
	assert.Equal(t, "session-secret-0123456789", cfg.ChainKey())

	t.Setenv("CLINICORE_AUDIT__CHAIN_SECRET", "audit-chain-secret-0123")
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "audit-chain-secret-0123", loaded.ChainKey())

	cfg.Audit.ChainSecret = "short"
	err = cfg.Validate()
	require.Error(t, err)
	_, ok := err.(errsx.Map)["audit.chain_secret"]
	assert.True(t, ok)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "rate_limit.login_burst", envKey("CLINICORE_RATE_LIMIT__LOGIN_BURST"))
	assert.Equal(t, "environment", envKey("CLINICORE_ENVIRONMENT"))
}

func TestRedisOptions(t *testing.T) {
	opts := RedisConfig{Addr: "cache:6379", DB: 2}.Options()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "clinicore:", opts.Prefix)
}
