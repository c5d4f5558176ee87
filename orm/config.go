package orm

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/startdusk/docsession/cache"
)

// Config 文件配置, 字段都有默认值
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Retry 获取连接失败时的重试, MaxCnt 为 0 不重试
	Retry RetryConfig `yaml:"retry"`

	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
}

type CacheConfig struct {
	// Memory 为空表示没有进程内缓存, 可选 lru, gocache, map
	// lru 和 map 最多缓存 Size 个键
	Memory          string        `yaml:"memory"`
	Size            int           `yaml:"size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Redis *RedisConfig `yaml:"redis"`
	// Singleflight 同一个 key 的并发读取合并成一次
	Singleflight bool `yaml:"singleflight"`
	// ExpirationJitter 写入时在过期时间上加一个随机偏移, 避免同时过期
	ExpirationJitter time.Duration `yaml:"expiration_jitter"`

	// Collections 集合名 -> 过期时间, "*" 表示所有集合
	Collections map[string]time.Duration `yaml:"collections"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxCnt   int           `yaml:"max_cnt"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		Cache: CacheConfig{
			Size:            1024,
			CleanupInterval: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig 读取 YAML 文件, 没有出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("orm: 解析配置 %s: %w", path, err)
	}
	LoadConfigFromEnv(cfg)
	return cfg, nil
}

// LoadConfigFromEnv 环境变量覆盖文件里的配置
func LoadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("DOCSESSION_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("DOCSESSION_REDIS_ADDR"); v != "" {
		if cfg.Cache.Redis == nil {
			cfg.Cache.Redis = &RedisConfig{}
		}
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("DOCSESSION_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// MySQLDSN 打开会话需要的连接参数:
// 多语句(一次往返执行整批查询), 客户端插值, 按匹配行数返回影响行数
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.MultiStatements = true
	cfg.InterpolateParams = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// OpenConfig 按配置创建 DB, opts 在配置之后应用, 可以覆盖配置
func OpenConfig(cfg *Config, opts ...DBOption) (*DB, error) {
	dsn, err := MySQLDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.build()
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	cacheOpts, err := cfg.Cache.options()
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	all := make([]DBOption, 0, len(cacheOpts)+len(opts)+2)
	all = append(all, DBWithLogger(logger))
	if cfg.Retry.MaxCnt > 0 {
		retry := cfg.Retry
		all = append(all, DBWithConnectionFactory(RetryConnectionFactory{
			Factory: DBConnectionFactory{DB: sqlDB},
			Strategy: func() RetryStrategy {
				return &FixedIntervalRetryStrategy{Interval: retry.Interval, MaxCnt: retry.MaxCnt}
			},
			Logger: logger,
		}))
	}
	all = append(all, cacheOpts...)
	all = append(all, opts...)
	return OpenDB(sqlDB, all...)
}

func (c CacheConfig) options() ([]DBOption, error) {
	var opts []DBOption
	var mc cache.Cache
	switch c.Memory {
	case "":
	case "lru":
		lc, err := cache.NewLRUCache(c.Size)
		if err != nil {
			return nil, err
		}
		mc = lc
	case "gocache":
		mc = cache.NewGoCache(c.CleanupInterval)
	case "map":
		mc = cache.NewMaxCntCache(cache.NewBuildInMapCache(c.CleanupInterval), c.Size)
	default:
		return nil, fmt.Errorf("orm: 未知的进程内缓存 %s", c.Memory)
	}
	if mc != nil {
		opts = append(opts, DBWithMemoryCache(c.jitter(mc), nil))
	}
	if c.Redis != nil && c.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		var dc cache.Cache = cache.NewRedisCache(rdb)
		if c.Singleflight {
			dc = cache.NewSingleflightCache(dc)
		}
		opts = append(opts, DBWithDistributedCache(c.jitter(dc), nil))
	}
	if len(c.Collections) > 0 {
		opts = append(opts, DBWithCachePolicy(CollectionCachePolicy(c.Collections)))
	}
	return opts, nil
}

func (c CacheConfig) jitter(cc cache.Cache) cache.Cache {
	if c.ExpirationJitter <= 0 {
		return cc
	}
	return cache.NewRandomExpirationCache(cc, c.ExpirationJitter)
}

func (l LogConfig) build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
