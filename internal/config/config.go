// Package config assembles the relay configuration from defaults, an
// optional YAML file and the environment. Command-line flags are applied on
// top by the caller.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pongrelay/internal/ethutil"
	"pongrelay/internal/relay"
	"pongrelay/internal/store"
)

const (
	DefaultSQLitePath     = "./out/pongrelay.db"
	DefaultCheckpointFile = "./out/pongrelay.checkpoint.json"
	DefaultGasLimit       = 100_000
	DefaultInFlight       = 1024
)

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AlertConfig struct {
	SESFrom      string   `yaml:"ses_from"`
	SESTo        []string `yaml:"ses_to"`
	KafkaBrokers string   `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type Config struct {
	RPCURL     string `yaml:"rpc_url"`
	PrivateKey string `yaml:"private_key"`
	Contract   string `yaml:"contract_address"`
	StartBlock uint64 `yaml:"start_block"`

	Store StoreConfig `yaml:"store"`

	WindowSize       uint64        `yaml:"window_size"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	MaxFailures      int           `yaml:"max_failures"`
	BumpPercent      int64         `yaml:"bump_percent"`
	GasLimit         uint64        `yaml:"gas_limit"`
	InFlightCapacity int           `yaml:"inflight_capacity"`

	CheckpointFile string `yaml:"checkpoint_file"`
	OutFile        string `yaml:"out_file"`
	StatusAddr     string `yaml:"status_addr"`

	Alert AlertConfig `yaml:"alert"`
}

func Default() Config {
	return Config{
		Store:            StoreConfig{Driver: store.DriverSQLite, DSN: DefaultSQLitePath},
		WindowSize:       relay.DefaultWindowSize,
		PollInterval:     relay.DefaultPollInterval,
		RetryInterval:    relay.DefaultRetryInterval,
		ConfirmTimeout:   relay.DefaultConfirmTimeout,
		MaxAttempts:      relay.DefaultMaxAttempts,
		MaxFailures:      relay.DefaultMaxFailures,
		BumpPercent:      relay.DefaultBumpPercent,
		GasLimit:         DefaultGasLimit,
		InFlightCapacity: DefaultInFlight,
		CheckpointFile:   DefaultCheckpointFile,
	}
}

// Load returns Default() overlaid with the YAML file at path (skipped when
// path is empty) and then with the process environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	if v, ok := get("RPC_WS_URL", "RPC_URL"); ok {
		c.RPCURL = v
	}
	if v, ok := get("PRIVATE_KEY"); ok {
		c.PrivateKey = v
	}
	if v, ok := get("CONTRACT_ADDRESS"); ok {
		c.Contract = v
	}
	if v, ok := get("STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := get("DATABASE_URL"); ok {
		c.Store.DSN = v
		if _, explicit := get("STORE_DRIVER"); !explicit {
			c.Store.Driver = store.DriverPostgres
		}
	} else if v, ok := get("SQLITE_PATH"); ok {
		c.Store.DSN = v
	}
	if v, ok := get("CHECKPOINT_FILE"); ok {
		c.CheckpointFile = v
	}
	if v, ok := get("OUT_FILE"); ok {
		c.OutFile = v
	}
	if v, ok := get("STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	if v, ok := get("ALERT_SES_FROM"); ok {
		c.Alert.SESFrom = v
	}
	if v, ok := get("ALERT_SES_TO"); ok {
		c.Alert.SESTo = splitList(v)
	}
	if v, ok := get("ALERT_KAFKA_BROKERS", "KAFKA_BROKERS"); ok {
		c.Alert.KafkaBrokers = v
	}
	if v, ok := get("ALERT_KAFKA_TOPIC"); ok {
		c.Alert.KafkaTopic = v
	}

	uints := []struct {
		key string
		dst *uint64
	}{
		{"START_BLOCK", &c.StartBlock},
		{"WINDOW_SIZE", &c.WindowSize},
		{"GAS_LIMIT", &c.GasLimit},
	}
	for _, u := range uints {
		if v, ok := get(u.key); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", u.key, err)
			}
			*u.dst = n
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_ATTEMPTS", &c.MaxAttempts},
		{"MAX_FAILURES", &c.MaxFailures},
		{"INFLIGHT_CAPACITY", &c.InFlightCapacity},
	}
	for _, i := range ints {
		if v, ok := get(i.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.key, err)
			}
			*i.dst = n
		}
	}
	if v, ok := get("BUMP_PERCENT"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BUMP_PERCENT: %w", err)
		}
		c.BumpPercent = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &c.PollInterval},
		{"RETRY_INTERVAL", &c.RetryInterval},
		{"CONFIRM_TIMEOUT", &c.ConfirmTimeout},
	}
	for _, d := range durations {
		if v, ok := get(d.key); ok {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = dur
		}
	}
	return nil
}

// Validate checks everything the relay needs before it touches the chain.
// Commands that only read the store call ValidateStore instead.
func (c Config) Validate() error {
	if err := ethutil.ValidateRPCURL(c.RPCURL); err != nil {
		return err
	}
	if _, err := ethutil.ParsePrivateKey(c.PrivateKey); err != nil {
		return fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	if _, err := ethutil.ParseAddress(c.Contract); err != nil {
		return fmt.Errorf("CONTRACT_ADDRESS: %w", err)
	}
	if c.WindowSize == 0 {
		return fmt.Errorf("window_size must be > 0")
	}
	if c.PollInterval <= 0 || c.RetryInterval <= 0 || c.ConfirmTimeout <= 0 {
		return fmt.Errorf("poll_interval, retry_interval and confirm_timeout must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("max_failures must be > 0")
	}
	if c.BumpPercent <= 0 {
		return fmt.Errorf("bump_percent must be > 0")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("gas_limit must be > 0")
	}
	if c.InFlightCapacity <= 0 {
		return fmt.Errorf("inflight_capacity must be > 0")
	}
	if (c.Alert.SESFrom == "") != (len(c.Alert.SESTo) == 0) {
		return fmt.Errorf("alert.ses_from and alert.ses_to must be set together")
	}
	if (c.Alert.KafkaBrokers == "") != (c.Alert.KafkaTopic == "") {
		return fmt.Errorf("alert.kafka_brokers and alert.kafka_topic must be set together")
	}
	return c.ValidateStore()
}

func (c Config) ValidateStore() error {
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", store.DriverSQLite, store.DriverPostgres, c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn required (DATABASE_URL or SQLITE_PATH)")
	}
	return nil
}

// Supervisor maps the configuration onto the relay supervisor settings.
func (c Config) Supervisor(chainID int64) relay.SupervisorConfig {
	return relay.SupervisorConfig{
		StartBlock:       c.StartBlock,
		WindowSize:       c.WindowSize,
		PollInterval:     c.PollInterval,
		RetryInterval:    c.RetryInterval,
		MaxFailures:      c.MaxFailures,
		InFlightCapacity: c.InFlightCapacity,
		Submitter: relay.SubmitterConfig{
			MaxAttempts:    c.MaxAttempts,
			ConfirmTimeout: c.ConfirmTimeout,
			BumpPercent:    c.BumpPercent,
		},
		CheckpointFile: c.CheckpointFile,
		ChainID:        chainID,
		Contract:       strings.ToLower(c.Contract),
	}
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\t':
			return true
		}
		return false
	})
	return parts
}
