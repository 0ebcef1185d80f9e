package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EndpointConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
	Name      string `mapstructure:"name"`
}

type Config struct {
	Mode        string         `mapstructure:"mode"`
	Port        int            `mapstructure:"port"`
	StaticPath  string         `mapstructure:"static_path"`
	ReadLimit   int64          `mapstructure:"read_limit"`
	PingPeriod  time.Duration  `mapstructure:"ping_period"`
	Secret      string         `mapstructure:"secret"`
	ICEServers  []string       `mapstructure:"ice_servers"`
	CallsPerMin int            `mapstructure:"calls_per_min"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Endpoint    EndpointConfig `mapstructure:"endpoint"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("calls_per_min", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("endpoint.server_url", "ws://localhost:8080/api/ws/signal")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Never sign tokens or seal cookies with an empty key.
	if cfg.Secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		cfg.Secret = hex.EncodeToString(buf)
		log.Warn().Msg("no secret configured, using a random per-boot secret; issued tokens will not survive a restart")
	}

	return &cfg, nil
}
