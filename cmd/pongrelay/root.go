package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"pongrelay/internal/alert"
	"pongrelay/internal/chain"
	"pongrelay/internal/config"
	"pongrelay/internal/dotenv"
	"pongrelay/internal/ethutil"
	"pongrelay/internal/jsonl"
	"pongrelay/internal/relay"
	"pongrelay/internal/store"
)

// rootOptions are the flags shared by every subcommand. Non-empty flags win
// over the config file and the environment.
type rootOptions struct {
	configFile string
	envFiles   []string

	rpcURL      string
	contract    string
	storeDriver string
	storeDSN    string
	outFile     string
	startBlock  uint64

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pongrelay",
		Short:         "Relay RequestRaised events to respond() transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configFile, "config", "", "YAML config file (optional)")
	f.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv file(s) to load (default .env)")
	f.StringVar(&opts.rpcURL, "rpc-url", "", "RPC URL ws(s)://, http(s):// or .ipc (or RPC_WS_URL/RPC_URL)")
	f.StringVar(&opts.contract, "contract", "", "relay contract address (or CONTRACT_ADDRESS)")
	f.StringVar(&opts.storeDriver, "store-driver", "", "store driver: sqlite or postgres (or STORE_DRIVER)")
	f.StringVar(&opts.storeDSN, "store-dsn", "", "SQLite path or Postgres URL (or SQLITE_PATH/DATABASE_URL)")
	f.StringVar(&opts.outFile, "out", "", "JSONL audit log path (or OUT_FILE)")
	f.Uint64Var(&opts.startBlock, "start-block", 0, "first block to scan when no checkpoint is newer (or START_BLOCK)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newScanCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	cmd.AddCommand(newRequestCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))

	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if err := dotenv.Load(o.envFiles...); err != nil {
		log.Printf("[warn] %v", err)
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}

	if v := strings.TrimSpace(o.rpcURL); v != "" {
		cfg.RPCURL = v
	}
	if v := strings.TrimSpace(o.contract); v != "" {
		cfg.Contract = v
	}
	if v := strings.TrimSpace(o.storeDriver); v != "" {
		cfg.Store.Driver = v
	}
	if v := strings.TrimSpace(o.storeDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(o.outFile); v != "" {
		cfg.OutFile = v
	}
	if cmd.Flags().Changed("start-block") {
		cfg.StartBlock = o.startBlock
	}
	o.cfg = cfg
	return nil
}

// env is everything a chain-facing command needs.
type env struct {
	cfg    config.Config
	client *chain.Client
	store  relay.Store
	audit  *jsonl.Writer
}

func (o *rootOptions) open(ctx context.Context) (*env, error) {
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	key, err := ethutil.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	contract, err := ethutil.ParseAddress(cfg.Contract)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	client, err := chain.Dial(ctx, chain.Config{
		URL:        cfg.RPCURL,
		PrivateKey: key,
		Contract:   contract,
		GasLimit:   cfg.GasLimit,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &env{cfg: cfg, client: client, store: st, audit: jsonl.New(cfg.OutFile)}
	if e.audit != nil {
		log.Printf("Relay log: %s (JSONL)", e.audit.Path())
	}
	return e, nil
}

func (e *env) Close() {
	if err := e.audit.Close(); err != nil {
		log.Printf("[warn] relay log close: %v", err)
	}
	e.client.Close()
	if err := e.store.Close(); err != nil {
		log.Printf("[warn] store close: %v", err)
	}
}

func (e *env) supervisor(alerts alert.Sender) *relay.Supervisor {
	deps := relay.Deps{
		Reader: e.client,
		Writer: e.client,
		Store:  e.store,
		Alerts: alerts,
		Audit:  e.audit,
	}
	if chain.SupportsSubscriptions(e.cfg.RPCURL) {
		deps.Live = e.client
	} else {
		log.Printf("[info] RPC endpoint has no subscription support; polling every %s", e.cfg.PollInterval)
	}
	return relay.NewSupervisor(e.cfg.Supervisor(e.client.ChainID().Int64()), deps)
}

// buildAlerts always logs and adds the SES and Kafka sinks that are
// configured. The returned func closes whatever needs closing.
func buildAlerts(ctx context.Context, cfg config.AlertConfig) (alert.Sender, func(), error) {
	sinks := alert.Multi{alert.LogSender{}}
	closeFn := func() {}

	if cfg.SESFrom != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		ses, err := alert.NewSESSender(awsCfg, cfg.SESFrom, cfg.SESTo)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ses)
	}
	if cfg.KafkaBrokers != "" {
		k, err := alert.NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closeFn = func() {
			if err := k.Close(); err != nil {
				log.Printf("[warn] kafka alert writer close: %v", err)
			}
		}
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Printf("[info] alert sinks: %s", strings.Join(names, ","))
	return sinks, closeFn, nil
}
