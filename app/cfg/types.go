package cfg

type Cfg struct {
	// Storage configuration
	DBPath     string
	ContentDir string

	// HTTP API configuration
	Port         string
	APIAccessKey string

	// Sync configuration
	AccountFile        string
	SyncInterval       int
	SubscriptionsTTL   int
	TokenTTL           int
	ItemBatchSize      int
	RetentionCount     int
	PrefetchWorkers    int
	PrefetchRatePerSec float64
	PrefetchEnabled    bool
	PrefetchNetwork    string

	// Application metadata
	UserAgent string
	Debug     bool
	Version   string
}

// Account holds remote service coordinates and credentials. Loaded from a
// YAML file so the password never shows up in flags or the environment.
type Account struct {
	ServiceURL string `yaml:"service_url"`
	Email      string `yaml:"email"`
	Password   string `yaml:"password"`
}
