package config

import (
	"errors"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Chain    ChainConfig    `yaml:"chain"`
	Gas      GasConfig      `yaml:"gas"`
	Strategy StrategyConfig `yaml:"strategy"`
	State    StateConfig    `yaml:"state"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type IndexerConfig struct {
	APIEndpoint      string        `yaml:"api_endpoint"`
	SubgraphEndpoint string        `yaml:"subgraph_endpoint"`
	ChainID          int           `yaml:"chain_id"`
	Timeout          time.Duration `yaml:"timeout"`

	// APIKey comes from GRAPH_API_KEY, never from the yaml file.
	APIKey string `yaml:"-"`
}

type ChainConfig struct {
	RPCURL        string        `yaml:"rpc_url"`
	MorphoAddress string        `yaml:"morpho_address"`
	AgentAddress  string        `yaml:"agent_address"`
	CallTimeout   time.Duration `yaml:"call_timeout"`

	// PrivateKey comes from PRIVATE_KEY, never from the yaml file.
	PrivateKey string `yaml:"-"`
}

type GasConfig struct {
	WSURL        string        `yaml:"ws_url"`
	MaxPriceGwei float64       `yaml:"max_price_gwei"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

type StrategyConfig struct {
	MaxMarketImpactRatio float64       `yaml:"max_market_impact_ratio"`
	RunInterval          time.Duration `yaml:"run_interval"`
	DryRun               bool          `yaml:"dry_run"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Token        string        `yaml:"-"`
	ChatID       string        `yaml:"-"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WEB3_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	cfg.Chain.PrivateKey = os.Getenv("PRIVATE_KEY")
	cfg.Indexer.APIKey = os.Getenv("GRAPH_API_KEY")
	cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if v := os.Getenv("HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Indexer.APIEndpoint == "" {
		cfg.Indexer.APIEndpoint = "https://blue-api.morpho.org/graphql"
	}
	if cfg.Indexer.ChainID == 0 {
		cfg.Indexer.ChainID = 1
	}
	if cfg.Indexer.Timeout == 0 {
		cfg.Indexer.Timeout = 10 * time.Second
	}
	if cfg.Chain.CallTimeout == 0 {
		cfg.Chain.CallTimeout = 15 * time.Second
	}
	if cfg.Gas.PollInterval == 0 {
		cfg.Gas.PollInterval = 12 * time.Second
	}
	if cfg.Gas.MaxWait == 0 {
		cfg.Gas.MaxWait = 10 * time.Minute
	}
	if cfg.Strategy.MaxMarketImpactRatio == 0 {
		cfg.Strategy.MaxMarketImpactRatio = 0.05
	}
	if cfg.Strategy.RunInterval == 0 {
		cfg.Strategy.RunInterval = time.Hour
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/morpho-rebalancer.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if !common.IsHexAddress(cfg.Chain.MorphoAddress) {
		return errors.New("chain.morpho_address must be a hex address")
	}
	if !common.IsHexAddress(cfg.Chain.AgentAddress) {
		return errors.New("chain.agent_address must be a hex address")
	}
	if cfg.Indexer.SubgraphEndpoint == "" {
		return errors.New("indexer.subgraph_endpoint is required")
	}
	if !cfg.Strategy.DryRun && cfg.Chain.PrivateKey == "" {
		return errors.New("PRIVATE_KEY is required unless strategy.dry_run is set")
	}
	if cfg.Strategy.MaxMarketImpactRatio <= 0 || cfg.Strategy.MaxMarketImpactRatio > 1 {
		return errors.New("strategy.max_market_impact_ratio must be in (0, 1]")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
