package cfg

import (
	"cmp"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./readersync.db" description:"Path to the SQLite database file"`
	ContentDir string `long:"content-dir" env:"CONTENT_DIR" default:"./content" description:"Directory for cached article HTML and images"`

	// HTTP API configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Sync configuration
	AccountFile        string  `long:"account-file" env:"ACCOUNT_FILE" default:"./account.yaml" description:"YAML file with service URL and credentials"`
	SyncInterval       int     `long:"sync-interval" env:"SYNC_INTERVAL" default:"600" description:"Periodic sync interval in seconds"`
	SubscriptionsTTL   int     `long:"subscriptions-ttl" env:"SUBSCRIPTIONS_TTL" default:"86400" description:"Subscription list freshness window in seconds"`
	TokenTTL           int     `long:"token-ttl" env:"TOKEN_TTL" default:"1500" description:"Edit token freshness window in seconds"`
	ItemBatchSize      int     `long:"item-batch-size" env:"ITEM_BATCH_SIZE" default:"100" description:"Number of items requested per sync page"`
	RetentionCount     int     `long:"retention-count" env:"RETENTION_COUNT" default:"500" description:"Cached items kept beyond the outdated-entry sweep"`
	PrefetchWorkers    int     `long:"prefetch-workers" env:"PREFETCH_WORKERS" default:"5" description:"Number of image download workers per prefetch batch"`
	PrefetchRatePerSec float64 `long:"prefetch-rate" env:"PREFETCH_RATE" default:"10" description:"Maximum image downloads per second"`
	PrefetchEnabled    bool    `long:"prefetch-enabled" env:"PREFETCH_ENABLED" description:"Enable image prefetching"`
	PrefetchNetwork    string  `long:"prefetch-network" env:"PREFETCH_NETWORK" default:"any" description:"Network class allowed for image fetching (any, wifi, none)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"ReaderSync/1.0" description:"User agent string for HTTP requests"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:             raw.DBPath,
		ContentDir:         raw.ContentDir,
		Port:               raw.Port,
		APIAccessKey:       raw.APIAccessKey,
		AccountFile:        raw.AccountFile,
		SyncInterval:       raw.SyncInterval,
		SubscriptionsTTL:   raw.SubscriptionsTTL,
		TokenTTL:           raw.TokenTTL,
		ItemBatchSize:      raw.ItemBatchSize,
		RetentionCount:     raw.RetentionCount,
		PrefetchWorkers:    raw.PrefetchWorkers,
		PrefetchRatePerSec: raw.PrefetchRatePerSec,
		PrefetchEnabled:    raw.PrefetchEnabled,
		PrefetchNetwork:    raw.PrefetchNetwork,
		UserAgent:          raw.UserAgent,
		Debug:              raw.Debug,
		Version:            GetVersion(),
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// LoadAccount reads and validates the YAML account file.
func LoadAccount(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read account file: %w", err)
	}

	var account Account
	if err := yaml.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to parse account file: %w", err)
	}

	if account.ServiceURL == "" {
		return nil, fmt.Errorf("service_url is required")
	}
	if account.Email == "" {
		return nil, fmt.Errorf("email is required")
	}

	return &account, nil
}
