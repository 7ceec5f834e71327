package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string
	MySQLDSN string
	RedisURL string
	LogLevel slog.Level

	// MockMode swaps the generator, credit client and purchase provider for
	// deterministic offline implementations.
	MockMode            bool
	MockSubmitDelay     time.Duration
	MockStatusDelay     time.Duration
	MockSlideCount      int
	MockPollsToComplete int

	GeneratorBaseURL string
	GeneratorAPIKey  string
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	MaxPolls         int
	PollDeadline     time.Duration

	CreditBaseURL  string
	CreditAPIToken string
	CreditRetries  int

	PurchaseBaseURL  string
	PurchaseAPIKey   string
	PurchasePlatform string
	ProductIDs       []string
	// WebhookSecret, when set, must match the Authorization header of
	// provider webhook calls.
	WebhookSecret string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
	S3Prefix       string
}

// ArchiveEnabled reports whether ledger receipts should be written to S3.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultGeneratorBaseURL = "https://api.slidespeak.co"

	cfg := Config{
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:            parseLevel(getEnv("LOG_LEVEL", "info")),
		MockMode:            getBool("MOCK_MODE", false),
		MockSubmitDelay:     getDuration("MOCK_SUBMIT_DELAY", 2*time.Second),
		MockStatusDelay:     getDuration("MOCK_STATUS_DELAY", time.Second),
		MockSlideCount:      getInt("MOCK_SLIDE_COUNT", 10),
		MockPollsToComplete: getInt("MOCK_POLLS_TO_COMPLETE", 3),
		GeneratorBaseURL:    normalizeBaseURL(getEnv("GENERATOR_BASE_URL", defaultGeneratorBaseURL), defaultGeneratorBaseURL),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 30)),
		PollInterval:        getDuration("POLL_INTERVAL", 5*time.Second),
		MaxPolls:            getInt("MAX_POLLS", 20),
		PollDeadline:        getDuration("POLL_DEADLINE", 100*time.Second),
		CreditBaseURL:       strings.TrimRight(getEnv("CREDIT_BASE_URL", "http://localhost:8080"), "/"),
		CreditRetries:       getInt("CREDIT_RETRIES", 1),
		PurchaseBaseURL:     strings.TrimRight(getEnv("PURCHASE_BASE_URL", "https://api.revenuecat.com"), "/"),
		PurchasePlatform:    strings.ToLower(getEnv("PURCHASE_PLATFORM", "android")),
		ProductIDs:          splitList(getEnv("PRODUCT_IDS", "deck_3_presentations,deck_10_presentations,deck_50_presentations")),
		AdminListenAddr:     getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "ledger-receipts"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.GeneratorAPIKey = os.Getenv("GENERATOR_API_KEY")
	cfg.CreditAPIToken = os.Getenv("CREDIT_API_TOKEN")
	cfg.PurchaseAPIKey = purchaseKeyFor(cfg.PurchasePlatform)
	cfg.WebhookSecret = os.Getenv("PURCHASE_WEBHOOK_SECRET")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.CreditAPIToken == "" {
		missing = append(missing, "CREDIT_API_TOKEN")
	}
	if !c.MockMode {
		if c.GeneratorAPIKey == "" {
			missing = append(missing, "GENERATOR_API_KEY")
		}
		if c.PurchaseAPIKey == "" {
			missing = append(missing, purchaseKeyVar(c.PurchasePlatform))
		}
	}
	if c.ArchiveEnabled() {
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.MaxPolls <= 0 {
		return fmt.Errorf("MAX_POLLS must be positive, got %d", c.MaxPolls)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return nil
}

// purchaseKeyFor picks the platform-specific provider key.
func purchaseKeyFor(platform string) string {
	return os.Getenv(purchaseKeyVar(platform))
}

func purchaseKeyVar(platform string) string {
	switch platform {
	case "ios", "apple":
		return "PURCHASE_API_KEY_IOS"
	default:
		return "PURCHASE_API_KEY_ANDROID"
	}
}

// normalizeBaseURL fills in a scheme for bare hosts and drops trailing slashes.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return strings.TrimRight(parsed.String(), "/")
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// loadEnvFile overlays the first .env file found. A missing file is not an
// error: containers usually pass the environment directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
