package lottery

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend names accepted by lottery.backend
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Ledger modes accepted by ledger.mode
const (
	LedgerModeHTTP   = "http"
	LedgerModeMemory = "memory"
)

// Config 生产环境配置结构
type Config struct {
	Lottery        *LotteryConfig        `mapstructure:"lottery"`
	Redis          *RedisConfig          `mapstructure:"redis"`
	CircuitBreaker *CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Ledger         *LedgerConfig         `mapstructure:"ledger"`
	Reconciler     *ReconcilerConfig     `mapstructure:"reconciler"`
	Server         *ServerConfig         `mapstructure:"server"`
	Log            *LogConfig            `mapstructure:"log"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Lottery == nil || c.Redis == nil || c.Ledger == nil {
		return ErrConfigInvalid.WithDetails("lottery, redis and ledger sections are required")
	}
	if err := c.Lottery.Validate(); err != nil {
		return err
	}

	// 验证 Redis 配置
	if c.Lottery.Backend == BackendRedis {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis pool size must be positive")
		}
	}

	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if c.Reconciler != nil {
		if err := c.Reconciler.Validate(); err != nil {
			return err
		}
	}
	if c.Server != nil && c.Server.RateLimit < 0 {
		return ErrConfigInvalid.WithDetails("server.rate_limit cannot be negative")
	}

	return nil
}

// LotteryConfig 抽奖配置. The accounts and amounts are fixed for the
// lifetime of a lottery; only the lock settings may change between restarts.
type LotteryConfig struct {
	ID               string          `mapstructure:"id"`
	Backend          string          `mapstructure:"backend"`
	OperatorID       string          `mapstructure:"operator_id"`
	RewardTokenID    string          `mapstructure:"reward_token_id"`
	TreasuryID       string          `mapstructure:"treasury_id"`
	TicketPrice      string          `mapstructure:"ticket_price"`
	RewardAmount     string          `mapstructure:"reward_amount"`
	IndexDerivation  IndexDerivation `mapstructure:"index_derivation"`
	ConfirmTransfers bool            `mapstructure:"confirm_transfers"`

	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	LockExpiration time.Duration `mapstructure:"lock_expiration"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// DefaultLotteryConfig 返回默认抽奖配置
func DefaultLotteryConfig() *LotteryConfig {
	return &LotteryConfig{
		ID:               DefaultLotteryID,
		Backend:          BackendRedis,
		OperatorID:       "operator",
		RewardTokenID:    "token",
		TreasuryID:       "treasury",
		TicketPrice:      DefaultTicketPrice,
		RewardAmount:     DefaultRewardAmount,
		IndexDerivation:  DerivationMixed,
		ConfirmTransfers: true,
		LockTimeout:      DefaultLockTimeout,
		LockExpiration:   DefaultLockExpiration,
		RetryAttempts:    DefaultRetryAttempts,
		RetryInterval:    DefaultRetryInterval,
	}
}

// Validate checks accounts, amounts and lock settings
func (c *LotteryConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrConfigInvalid.WithDetails("lottery.id is required")
	}
	if c.Backend != BackendRedis && c.Backend != BackendMemory {
		return ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown lottery.backend %q", c.Backend))
	}
	for name, acc := range map[string]string{
		"operator_id":     c.OperatorID,
		"reward_token_id": c.RewardTokenID,
		"treasury_id":     c.TreasuryID,
	} {
		if err := ValidateAccount(Account(acc)); err != nil {
			return ErrConfigInvalid.WithDetails("lottery." + name + " is required").WithCause(err)
		}
	}
	if _, err := c.TicketPriceValue(); err != nil {
		return err
	}
	reward, err := c.RewardAmountValue()
	if err != nil {
		return err
	}
	if reward.Sign() <= 0 {
		return fmt.Errorf("lottery.reward_amount: %w", ErrInvalidAmount.WithDetails("reward must be positive"))
	}
	if !c.IndexDerivation.Valid() {
		return ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown lottery.index_derivation %q", c.IndexDerivation))
	}

	// 验证锁配置
	if c.LockTimeout < MinLockTimeout || c.LockTimeout > MaxLockTimeout {
		return ErrInvalidLockTimeout
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > MaxRetryAttempts {
		return ErrInvalidRetryAttempts
	}
	if c.RetryInterval < 0 {
		return ErrInvalidRetryInterval
	}

	return nil
}

// TicketPriceValue parses the ticket price
func (c *LotteryConfig) TicketPriceValue() (*big.Int, error) {
	v, err := ParseBalance(c.TicketPrice)
	if err != nil {
		return nil, fmt.Errorf("lottery.ticket_price: %w", err)
	}
	return v, nil
}

// RewardAmountValue parses the reward paid per claim
func (c *LotteryConfig) RewardAmountValue() (*big.Int, error) {
	v, err := ParseBalance(c.RewardAmount)
	if err != nil {
		return nil, fmt.Errorf("lottery.reward_amount: %w", err)
	}
	return v, nil
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接配置
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 连接池配置
	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
	MaxRetries   int `mapstructure:"max_retries"`

	// 超时配置
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// DefaultRedisConfig 返回默认的Redis配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         DefaultRedisAddr,
		Password:     DefaultRedisPassword,
		DB:           DefaultRedisDB,
		PoolSize:     DefaultRedisPoolSize,
		MinIdleConns: DefaultRedisMinIdleConns,
		MaxRetries:   DefaultRedisMaxRetries,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
		PoolTimeout:  DefaultRedisPoolTimeout,
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Name          string        `mapstructure:"name"`
	MaxRequests   uint32        `mapstructure:"max_requests"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FailureRatio  float64       `mapstructure:"failure_ratio"`
	MinRequests   uint32        `mapstructure:"min_requests"`
	OnStateChange bool          `mapstructure:"on_state_change"`
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Enabled:       true,
		Name:          DefaultCircuitBreakerName,
		MaxRequests:   DefaultCircuitBreakerMaxRequests,
		Interval:      DefaultCircuitBreakerInterval,
		Timeout:       DefaultCircuitBreakerTimeout,
		FailureRatio:  DefaultCircuitBreakerFailureRatio,
		MinRequests:   DefaultCircuitBreakerMinRequests,
		OnStateChange: DefaultCircuitBreakerOnStateChange,
	}
}

// LedgerConfig 代币账本配置
type LedgerConfig struct {
	Mode      string        `mapstructure:"mode"`
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

// DefaultLedgerConfig 返回默认账本配置
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		Mode:      LedgerModeHTTP,
		Endpoint:  DefaultLedgerEndpoint,
		Timeout:   DefaultLedgerTimeout,
		Workers:   DefaultLedgerWorkers,
		QueueSize: DefaultLedgerQueueSize,
	}
}

func (c *LedgerConfig) Validate() error {
	switch c.Mode {
	case LedgerModeMemory:
	case LedgerModeHTTP:
		if c.Endpoint == "" {
			return ErrConfigInvalid.WithDetails("ledger.endpoint is required in http mode")
		}
	default:
		return ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown ledger.mode %q", c.Mode))
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return ErrConfigInvalid.WithDetails("ledger.workers and ledger.queue_size must be positive")
	}
	return nil
}

// ReconcilerConfig 对账任务配置
type ReconcilerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// DefaultReconcilerConfig 返回默认对账配置
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		Enabled:       true,
		Schedule:      DefaultReconcileSchedule,
		GracePeriod:   DefaultReconcileGracePeriod,
		MaxRetries:    DefaultRetryAttempts,
		RetryDelay:    DefaultRetryInterval,
		MaxRetryDelay: DefaultReconcileMaxRetryDelay,
	}
}

func (c *ReconcilerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return ErrConfigInvalid.WithDetails("reconciler.schedule: " + err.Error())
	}
	if c.GracePeriod < 0 || c.MaxRetries < 0 {
		return ErrConfigInvalid.WithDetails("reconciler.grace_period and max_retries cannot be negative")
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < c.RetryDelay {
		return ErrConfigInvalid.WithDetails("reconciler.retry_delay must be between 0 and max_retry_delay")
	}
	return nil
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultServerConfig 返回默认服务配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            DefaultServerAddr,
		RateLimit:       DefaultRateLimit,
		RateLimitBurst:  DefaultRateLimitBurst,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LogConfig 日志配置. Format is "json", "console" or "std".
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{Level: "info", Format: "json"}
}

// DefaultConfig returns a complete configuration built from the defaults
func DefaultConfig() *Config {
	return &Config{
		Lottery:        DefaultLotteryConfig(),
		Redis:          DefaultRedisConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Ledger:         DefaultLedgerConfig(),
		Reconciler:     DefaultReconcilerConfig(),
		Server:         DefaultServerConfig(),
		Log:            DefaultLogConfig(),
	}
}

// ConfigManager 配置管理器
type ConfigManager struct {
	viper  *viper.Viper
	logger Logger

	mu     sync.RWMutex
	config *Config
}

// NewConfigManager 创建配置管理器
func NewConfigManager() *ConfigManager {
	v := viper.New()

	// 设置配置文件名和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/lottery")
	v.AddConfigPath("$HOME/.lottery")

	// 设置环境变量前缀
	v.SetEnvPrefix("LOTTERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &ConfigManager{
		viper:  v,
		logger: &DefaultLogger{},
	}
}

// SetConfigFile reads an explicit file instead of searching the default paths
func (cm *ConfigManager) SetConfigFile(path string) {
	cm.viper.SetConfigFile(path)
}

// BindFlags lets command line flags named after config keys (e.g.
// "server.addr") override the file and the environment.
func (cm *ConfigManager) BindFlags(fs *pflag.FlagSet) error {
	if err := cm.viper.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// SetLogger 设置日志器
func (cm *ConfigManager) SetLogger(logger Logger) {
	if logger != nil {
		cm.logger = logger
	}
}

// LoadConfig 加载配置
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	// 设置默认值
	cm.setDefaults()

	// 读取配置文件
	if err := cm.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 配置文件不存在时使用默认配置
	}

	config, err := cm.decode()
	if err != nil {
		return nil, err
	}

	cm.setConfig(config)
	return config, nil
}

func (cm *ConfigManager) setConfig(config *Config) {
	cm.mu.Lock()
	cm.config = config
	cm.mu.Unlock()
}

func (cm *ConfigManager) decode() (*Config, error) {
	config := DefaultConfig()
	if err := cm.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// setDefaults 设置默认配置值
func (cm *ConfigManager) setDefaults() {
	// 抽奖默认配置
	cm.viper.SetDefault("lottery.id", DefaultLotteryID)
	cm.viper.SetDefault("lottery.backend", BackendRedis)
	cm.viper.SetDefault("lottery.operator_id", "operator")
	cm.viper.SetDefault("lottery.reward_token_id", "token")
	cm.viper.SetDefault("lottery.treasury_id", "treasury")
	cm.viper.SetDefault("lottery.ticket_price", DefaultTicketPrice)
	cm.viper.SetDefault("lottery.reward_amount", DefaultRewardAmount)
	cm.viper.SetDefault("lottery.index_derivation", string(DerivationMixed))
	cm.viper.SetDefault("lottery.confirm_transfers", true)
	cm.viper.SetDefault("lottery.lock_timeout", "30s")
	cm.viper.SetDefault("lottery.lock_expiration", "30s")
	cm.viper.SetDefault("lottery.retry_attempts", 3)
	cm.viper.SetDefault("lottery.retry_interval", "100ms")

	// Redis 默认配置
	cm.viper.SetDefault("redis.addr", DefaultRedisAddr)
	cm.viper.SetDefault("redis.password", "")
	cm.viper.SetDefault("redis.db", 0)
	cm.viper.SetDefault("redis.pool_size", DefaultRedisPoolSize)
	cm.viper.SetDefault("redis.min_idle_conns", DefaultRedisMinIdleConns)
	cm.viper.SetDefault("redis.max_retries", DefaultRedisMaxRetries)
	cm.viper.SetDefault("redis.dial_timeout", "5s")
	cm.viper.SetDefault("redis.read_timeout", "3s")
	cm.viper.SetDefault("redis.write_timeout", "3s")
	cm.viper.SetDefault("redis.pool_timeout", "4s")

	// 熔断器默认配置
	cm.viper.SetDefault("circuit_breaker.enabled", true)
	cm.viper.SetDefault("circuit_breaker.name", DefaultCircuitBreakerName)
	cm.viper.SetDefault("circuit_breaker.max_requests", 3)
	cm.viper.SetDefault("circuit_breaker.interval", "60s")
	cm.viper.SetDefault("circuit_breaker.timeout", "30s")
	cm.viper.SetDefault("circuit_breaker.failure_ratio", 0.6)
	cm.viper.SetDefault("circuit_breaker.min_requests", 3)
	cm.viper.SetDefault("circuit_breaker.on_state_change", true)

	// 账本与对账
	cm.viper.SetDefault("ledger.mode", LedgerModeHTTP)
	cm.viper.SetDefault("ledger.endpoint", DefaultLedgerEndpoint)
	cm.viper.SetDefault("ledger.timeout", "5s")
	cm.viper.SetDefault("ledger.workers", DefaultLedgerWorkers)
	cm.viper.SetDefault("ledger.queue_size", DefaultLedgerQueueSize)
	cm.viper.SetDefault("reconciler.enabled", true)
	cm.viper.SetDefault("reconciler.schedule", DefaultReconcileSchedule)
	cm.viper.SetDefault("reconciler.grace_period", "2m")
	cm.viper.SetDefault("reconciler.max_retries", DefaultRetryAttempts)
	cm.viper.SetDefault("reconciler.retry_delay", "100ms")
	cm.viper.SetDefault("reconciler.max_retry_delay", "5s")

	// 服务与日志
	cm.viper.SetDefault("server.addr", DefaultServerAddr)
	cm.viper.SetDefault("server.rate_limit", DefaultRateLimit)
	cm.viper.SetDefault("server.rate_limit_burst", DefaultRateLimitBurst)
	cm.viper.SetDefault("server.shutdown_timeout", "10s")
	cm.viper.SetDefault("log.level", "info")
	cm.viper.SetDefault("log.format", "json")
}

// WatchConfig 监听配置变化. Only a config that passes validation reaches callback.
func (cm *ConfigManager) WatchConfig(callback func(*Config)) error {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		config, err := cm.decode()
		if err != nil {
			// 记录错误但不中断服务
			cm.logger.Error("Ignoring config change from %s: %v", e.Name, err)
			return
		}

		cm.logger.Info("Config reloaded from %s", e.Name)
		cm.setConfig(config)
		if callback != nil {
			callback(config)
		}
	})
	cm.viper.WatchConfig()

	return nil
}

// GetConfig 获取当前配置
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.config
}

// ReloadConfig 重新加载配置
func (cm *ConfigManager) ReloadConfig() (*Config, error) { return cm.LoadConfig() }

// NewDefaultConfigManager 创建默认的抽奖配置
func NewDefaultConfigManager() *ConfigManager {
	cm := NewConfigManager()
	cm.setDefaults()
	cm.setConfig(DefaultConfig())
	return cm
}

// NewConfigManagerFromConfig wraps an already built configuration
func NewConfigManagerFromConfig(config *Config) (*ConfigManager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cm := NewConfigManager()
	cm.setConfig(config)
	return cm, nil
}

// NewRedisClientFromConfig 从配置创建Redis客户端
func NewRedisClientFromConfig(config *RedisConfig) *redis.Client {
	if config == nil {
		config = DefaultRedisConfig()
	}

	return redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolTimeout:  config.PoolTimeout,
	})
}
