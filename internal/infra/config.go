package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всего движка.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Store    StoreConfig    `mapstructure:"store"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки операционного HTTP API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EngineConfig содержит настройки оркестратора и исполнителя.
type EngineConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`

	// Rate limiter на вызовы внешних исполнителей
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker для внешних исполнителей
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// StoreConfig — размещение durable-представления ActionItem.
type StoreConfig struct {
	Root string `mapstructure:"root"` // корень дерева директорий-состояний
}

// DedupConfig выбирает бэкенд трекера дубликатов.
type DedupConfig struct {
	Backend string `mapstructure:"backend"` // "file" или "redis"
	Path    string `mapstructure:"path"`    // для file-бэкенда
}

// AuditConfig — параметры журнала аудита.
type AuditConfig struct {
	Dir           string        `mapstructure:"dir"`
	MaxBodyLen    int           `mapstructure:"max_body_len"`
	MirrorBuffer  int           `mapstructure:"mirror_buffer"`
	MirrorFlushIv time.Duration `mapstructure:"mirror_flush_interval"`
}

// DatabaseConfig описывает подключение к PostgreSQL (зеркало аудита, опционально).
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig описывает подключение к Redis (дедуп-трекер, опционально).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OperatorConfig — учетная запись ревьюера из конфига.
type OperatorConfig struct {
	ID           string   `mapstructure:"id"`
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"` // bcrypt
	Scopes       []string `mapstructure:"scopes"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string           `mapstructure:"public_key_path"`
	PrivateKeyPath string           `mapstructure:"private_key_path"`
	TokenTTL       time.Duration    `mapstructure:"token_ttl"`
	Operators      []OperatorConfig `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: STORE_ROOT=/data перекроет store.root
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи берем из файла ИЛИ напрямую из ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("engine.tick_interval", 10*time.Second)
	v.SetDefault("engine.dispatch_timeout", 30*time.Second)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.rate_limit", 50)
	v.SetDefault("engine.rate_burst", 10)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("store.root", "./data/items")
	v.SetDefault("dedup.backend", "file")
	v.SetDefault("dedup.path", "./data/dedup/known_ids")
	v.SetDefault("audit.dir", "./data/audit")
	v.SetDefault("audit.max_body_len", 100)
	v.SetDefault("audit.mirror_buffer", 1000)
	v.SetDefault("audit.mirror_flush_interval", 500*time.Millisecond)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource читает PEM либо из ENV, либо с диска по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
