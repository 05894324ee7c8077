package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pongrelay/internal/store"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testContract = "0x00000000000000000000000000000000000C0FFE"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func validConfig() Config {
	cfg := Default()
	cfg.RPCURL = "wss://node.example/ws"
	cfg.PrivateKey = testKey
	cfg.Contract = testContract
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.WindowSize)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, 10*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10, cfg.MaxFailures)
	assert.Equal(t, int64(10), cfg.BumpPercent)
	assert.Equal(t, uint64(100_000), cfg.GasLimit)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
}

func TestYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc_url: wss://from-file/ws
contract_address: `+testContract+`
start_block: 100
window_size: 20
poll_interval: 30s
store:
  driver: sqlite
  dsn: /var/lib/relay.db
alert:
  ses_from: relay@example.com
  ses_to: [ops@example.com]
`), 0o644))

	cfg, err := load(path, envMap(map[string]string{
		"RPC_WS_URL":      "wss://from-env/ws",
		"START_BLOCK":     "250",
		"CONFIRM_TIMEOUT": "45s",
		"ALERT_SES_TO":    "a@example.com, b@example.com",
	}))
	require.NoError(t, err)

	assert.Equal(t, "wss://from-env/ws", cfg.RPCURL)
	assert.Equal(t, uint64(250), cfg.StartBlock)
	assert.Equal(t, uint64(20), cfg.WindowSize)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, "/var/lib/relay.db", cfg.Store.DSN)
	assert.Equal(t, "relay@example.com", cfg.Alert.SESFrom)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Alert.SESTo)
}

func TestUnknownYAMLField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("windw_size: 3\n"), 0o644))
	_, err := load(path, envMap(nil))
	require.Error(t, err)
}

func TestDatabaseURLSelectsPostgres(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{"DATABASE_URL": "postgres://relay@db/relay"}))
	require.NoError(t, err)
	assert.Equal(t, store.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://relay@db/relay", cfg.Store.DSN)

	cfg, err = load("", envMap(map[string]string{
		"DATABASE_URL": "file.db",
		"STORE_DRIVER": "sqlite",
	}))
	require.NoError(t, err)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
}

func TestBadEnvNumber(t *testing.T) {
	for _, key := range []string{"START_BLOCK", "MAX_ATTEMPTS", "BUMP_PERCENT", "POLL_INTERVAL"} {
		_, err := load("", envMap(map[string]string{key: "soon"}))
		require.Error(t, err, key)
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"rpc url":       func(c *Config) { c.RPCURL = "" },
		"private key":   func(c *Config) { c.PrivateKey = "0x12" },
		"contract":      func(c *Config) { c.Contract = "0x0000000000000000000000000000000000000000" },
		"window":        func(c *Config) { c.WindowSize = 0 },
		"attempts":      func(c *Config) { c.MaxAttempts = 0 },
		"bump":          func(c *Config) { c.BumpPercent = 0 },
		"ses half set":  func(c *Config) { c.Alert.SESFrom = "relay@example.com" },
		"kafka half":    func(c *Config) { c.Alert.KafkaTopic = "alerts" },
		"store driver":  func(c *Config) { c.Store.Driver = "mysql" },
		"store dsn":     func(c *Config) { c.Store.DSN = "" },
		"poll interval": func(c *Config) { c.PollInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSupervisorMapping(t *testing.T) {
	cfg := validConfig()
	cfg.StartBlock = 77
	sc := cfg.Supervisor(31337)
	assert.Equal(t, uint64(77), sc.StartBlock)
	assert.Equal(t, int64(31337), sc.ChainID)
	assert.Equal(t, "0x00000000000000000000000000000000000c0ffe", sc.Contract)
	assert.Equal(t, cfg.ConfirmTimeout, sc.Submitter.ConfirmTimeout)
	assert.Equal(t, cfg.BumpPercent, sc.Submitter.BumpPercent)
}
