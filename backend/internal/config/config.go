package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATWIKI"

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Env  string `mapstructure:"env"`
		// 段文件（补丁日志、聊天日志）的根目录
		DataDir string `mapstructure:"dataDir"`
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时用户存在内存里，不写快照和目录
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空时不镜像在线状态
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不投递下游事件
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret     string        `mapstructure:"secret"`
		AccessTTL  time.Duration `mapstructure:"accessTTL"`
		RefreshTTL time.Duration `mapstructure:"refreshTTL"`
	} `mapstructure:"auth"`
	Presence struct {
		SweepInterval       time.Duration `mapstructure:"sweepInterval"`
		AwayThreshold       time.Duration `mapstructure:"awayThreshold"`
		DisconnectThreshold time.Duration `mapstructure:"disconnectThreshold"`
	} `mapstructure:"presence"`
	Broker struct {
		QueueSize      int `mapstructure:"queueSize"`
		RecentMessages int `mapstructure:"recentMessages"`
	} `mapstructure:"broker"`
	Collab struct {
		SnapshotEvery uint64 `mapstructure:"snapshotEvery"`
		Semaphore     int    `mapstructure:"semaphore"`
		MaxMessageLen int    `mapstructure:"maxMessageLen"`
	} `mapstructure:"collab"`
	WS struct {
		RateLimit      float64  `mapstructure:"rateLimit"`
		Burst          int      `mapstructure:"burst"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"ws"`
}

func (c *Config) IsDevelopment() bool { return c.Running.Env == "development" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.env", "development")
	v.SetDefault("running.dataDir", "./data")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chatwiki.feed")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.accessTTL", 30*time.Minute)
	v.SetDefault("auth.refreshTTL", 7*24*time.Hour)
	v.SetDefault("presence.sweepInterval", 10*time.Second)
	v.SetDefault("presence.awayThreshold", 60*time.Second)
	v.SetDefault("presence.disconnectThreshold", 5*time.Minute)
	v.SetDefault("broker.queueSize", 256)
	v.SetDefault("broker.recentMessages", 50)
	v.SetDefault("collab.snapshotEvery", 100)
	v.SetDefault("collab.semaphore", 100)
	v.SetDefault("collab.maxMessageLen", 4000)
	v.SetDefault("ws.rateLimit", 20.0)
	v.SetDefault("ws.burst", 40)
	v.SetDefault("ws.allowedOrigins", []string{})
}

// Load 读取 chatwikiConfig.yaml，找不到配置文件时只用默认值和环境变量。
// 环境变量形如 CHATWIKI_KAFKA_BROKERS，优先级高于文件；.env 会先被加载。
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("chatwikiConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Running.Env == "production" && cfg.Auth.Secret == "" {
		return nil, errors.New("auth.secret is required in production")
	}
	return cfg, nil
}
