package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development" validate:"oneof=development production"`

	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`
	RedisDb   int    `env:"REDIS_DB"   envDefault:"0"      validate:"min=0,max=15"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"telechat_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"telechat_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"telechat_db"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`

	PersistTimeout      time.Duration `env:"PERSIST_TIMEOUT"       envDefault:"3s"  validate:"gt=0"`
	ParticipantCacheTTL time.Duration `env:"PARTICIPANT_CACHE_TTL" envDefault:"5m"  validate:"gte=0"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT"      envDefault:"15s" validate:"gt=0"`

	FanoutMode string `env:"FANOUT_MODE" envDefault:"local" validate:"oneof=local redis"`

	WsAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	WsSendBuffer     int      `env:"WS_SEND_BUFFER"     envDefault:"64"    validate:"min=1,max=4096"`
	WsReadLimit      int64    `env:"WS_READ_LIMIT"      envDefault:"65536" validate:"min=512"`
}

func (c *Config) Production() bool { return c.AppEnv == "production" }

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
