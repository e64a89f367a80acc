package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Frontend string         `mapstructure:"frontend"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type OpenAIConfig struct {
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	SystemPrompt  string `mapstructure:"system_prompt"`
	ThinkingModel string `mapstructure:"thinking_model"`
	TitleModel    string `mapstructure:"title_model"`
	TitleTokens   int    `mapstructure:"title_max_tokens"`
	SmartTitles   bool   `mapstructure:"smart_titles"`
}

type BillingConfig struct {
	PublishableKey string            `mapstructure:"publishable_key"`
	CheckoutURL    string            `mapstructure:"checkout_url"`
	VerifyURL      string            `mapstructure:"verify_url"`
	Optimistic     bool              `mapstructure:"optimistic_upgrade"`
	PriceIDs       map[string]string `mapstructure:"price_ids"`
}

type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	OwnerID int64  `mapstructure:"owner_id"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// LoadConfig reads path if it exists, then applies defaults and
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("frontend", "cli")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "tierchat.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "tierchat")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "tierchat:")
	v.SetDefault("openai.system_prompt", "You are a highly intelligent AI assistant.")
	v.SetDefault("openai.thinking_model", "")
	v.SetDefault("openai.title_model", "gpt-4o-mini")
	v.SetDefault("openai.title_max_tokens", 16)
	v.SetDefault("openai.smart_titles", false)
	v.SetDefault("billing.optimistic_upgrade", false)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if key := v.GetString("STRIPE_PUBLISHABLE_KEY"); key != "" {
		config.Billing.PublishableKey = key
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai api key is required (set OPENAI_API_KEY)")
	}
	switch c.Frontend {
	case "cli":
	case "telegram":
		if c.Telegram.Token == "" {
			return errors.New("telegram frontend requires TELEGRAM_TOKEN")
		}
		if c.Telegram.OwnerID == 0 {
			return errors.New("telegram frontend requires telegram.owner_id")
		}
	default:
		return fmt.Errorf("unknown frontend %q", c.Frontend)
	}
	return nil
}
