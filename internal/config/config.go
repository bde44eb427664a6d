package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Keycloak  KeycloakConfig
	RateLimit RateLimitConfig
	Limits    LimitsConfig
	Memory    MemoryConfig
	Batch     BatchConfig
	Monitor   MonitorConfig
	Mimir     MimirConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	URL     string
	Channel string
}

type AuthConfig struct {
	JWTSecret      string
	CacheTTL       time.Duration
	CacheMaxSize   int
	MaxAttempts    int
	AttemptWindow  time.Duration
	ConnectTimeout time.Duration
}

type KeycloakConfig struct {
	URL   string
	Realm string
}

type RateLimitConfig struct {
	MaxPerSecond  int
	MaxPerMinute  int
	BlockDuration time.Duration
}

type LimitsConfig struct {
	MaxConnections int
	MaxPerTenant   int
	MaxPerUser     int
	IdleThreshold  time.Duration
	SweepInterval  time.Duration
}

type MemoryConfig struct {
	MaxBytes    uint64
	SoftRatio   float64
	SampleEvery time.Duration
}

type BatchConfig struct {
	FlushInterval time.Duration
}

type MonitorConfig struct {
	HealthInterval time.Duration
	AlertInterval  time.Duration
	DedupWindow    time.Duration
	AlertWindow    time.Duration
	HistorySize    int
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("redis.channel", "gateway:events")
	viper.SetDefault("auth.cachettl", "5m")
	viper.SetDefault("auth.cachemaxsize", 10000)
	viper.SetDefault("auth.maxattempts", 5)
	viper.SetDefault("auth.attemptwindow", "1m")
	viper.SetDefault("auth.connecttimeout", "10s")
	viper.SetDefault("ratelimit.maxpersecond", 10)
	viper.SetDefault("ratelimit.maxperminute", 300)
	viper.SetDefault("ratelimit.blockduration", "30s")
	viper.SetDefault("limits.maxconnections", 10000)
	viper.SetDefault("limits.maxpertenant", 500)
	viper.SetDefault("limits.maxperuser", 5)
	viper.SetDefault("limits.idlethreshold", "5m")
	viper.SetDefault("limits.sweepinterval", "1m")
	viper.SetDefault("memory.maxbytes", 1<<30)
	viper.SetDefault("memory.softratio", 0.9)
	viper.SetDefault("memory.sampleevery", "15s")
	viper.SetDefault("batch.flushinterval", "100ms")
	viper.SetDefault("monitor.healthinterval", "30s")
	viper.SetDefault("monitor.alertinterval", "60s")
	viper.SetDefault("monitor.dedupwindow", "5m")
	viper.SetDefault("monitor.alertwindow", "10m")
	viper.SetDefault("monitor.historysize", 100)
	viper.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("mimir.batchsize", 1000)
	viper.SetDefault("mimir.flushinterval", "10s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if url := os.Getenv("KEYCLOAK_URL"); url != "" {
		cfg.Keycloak.URL = url
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	return &cfg, nil
}
