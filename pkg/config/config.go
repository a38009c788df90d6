package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "BOT"

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token" validate:"required"`
	PollTimeout int    `mapstructure:"poll_timeout" validate:"min=1,max=600"`
	Debug       bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=0,max=65535"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	Protocol       string        `mapstructure:"protocol" validate:"oneof=native openai"`
	DefaultModel   string        `mapstructure:"default_model" validate:"required"`
	PromptModel    string        `mapstructure:"prompt_model" validate:"required"`
	SystemPrompt   string        `mapstructure:"system_prompt"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"min=1s"`
	PullTimeout    time.Duration `mapstructure:"pull_timeout" validate:"min=0"`
	WarmupInterval time.Duration `mapstructure:"warmup_interval" validate:"min=0"`
}

type ServerConfig struct {
	// Addr of the health endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// parseDatabaseURL fills the connection fields from a database URL. The
// scheme selects the driver: sqlite:// and file: URLs use SQLite, postgres://
// URLs are kept as the Postgres DSN.
func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	switch u.Scheme {
	case "sqlite", "sqlite3", "file":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		return DatabaseConfig{Driver: "sqlite", Path: path}, nil
	case "postgres", "postgresql":
	default:
		return DatabaseConfig{}, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		URL:      dbURL,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.debug", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "chatbot")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "chatbot.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.protocol", "native")
	v.SetDefault("llm.default_model", "mistral")
	v.SetDefault("llm.prompt_model", "mistral:latest")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.timeout", 300*time.Second)
	v.SetDefault("llm.pull_timeout", 30*time.Minute)
	v.SetDefault("llm.warmup_interval", time.Hour)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads defaults, then the YAML file at path (a missing file is not
// an error), then the environment. Every key can be set as BOT_<SECTION>_<KEY>;
// DATABASE_URL and TELEGRAM_TOKEN are accepted as well. A .env file in the
// working directory is loaded first without overriding the environment.
//
// The Telegram token is not checked here; commands that talk to Telegram call
// Validate(true).
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", envPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("telegram.token", envPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dbURL := config.Database.URL; dbURL != "" {
		parsed, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		parsed.MaxOpenConns = config.Database.MaxOpenConns
		parsed.MaxIdleConns = config.Database.MaxIdleConns
		parsed.ConnMaxLifetime = config.Database.ConnMaxLifetime
		config.Database = parsed
	}

	if err := config.Validate(false); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the configuration. The Telegram token is only required when
// requireTelegram is set.
func (c *Config) Validate(requireTelegram bool) error {
	validate := validator.New()

	var err error
	if requireTelegram {
		err = validate.Struct(c)
	} else {
		err = validate.StructExcept(c, "Telegram.Token")
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
