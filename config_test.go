package lottery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigManager_LoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		expectError bool
		validate    func(*testing.T, *Config)
	}{
		{
			name: "default_config",
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, DefaultLotteryID, config.Lottery.ID)
				assert.Equal(t, BackendRedis, config.Lottery.Backend)
				assert.Equal(t, OneNEAR, config.Lottery.TicketPrice)
				assert.Equal(t, DerivationMixed, config.Lottery.IndexDerivation)
				assert.True(t, config.Lottery.ConfirmTransfers)
				assert.Equal(t, 30*time.Second, config.Lottery.LockTimeout)
				assert.Equal(t, 3, config.Lottery.RetryAttempts)
				assert.Equal(t, "localhost:6379", config.Redis.Addr)
				assert.Equal(t, LedgerModeHTTP, config.Ledger.Mode)
				assert.Equal(t, 2*time.Minute, config.Reconciler.GracePeriod)
				assert.Equal(t, DefaultRetryInterval, config.Reconciler.RetryDelay)
				assert.Equal(t, DefaultReconcileMaxRetryDelay, config.Reconciler.MaxRetryDelay)
				assert.Equal(t, ":8080", config.Server.Addr)
				assert.Equal(t, "info", config.Log.Level)
			},
		},
		{
			name: "environment_variables",
			env: map[string]string{
				"LOTTERY_SERVER_ADDR":          ":9090",
				"LOTTERY_REDIS_ADDR":           "redis-cluster:6379",
				"LOTTERY_LOTTERY_LOCK_TIMEOUT": "60s",
				"LOTTERY_LEDGER_MODE":          "memory",
			},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, ":9090", config.Server.Addr)
				assert.Equal(t, "redis-cluster:6379", config.Redis.Addr)
				assert.Equal(t, 60*time.Second, config.Lottery.LockTimeout)
				assert.Equal(t, LedgerModeMemory, config.Ledger.Mode)
			},
		},
		{
			name:        "invalid_backend",
			env:         map[string]string{"LOTTERY_LOTTERY_BACKEND": "sqlite"},
			expectError: true,
		},
		{
			name:        "invalid_price",
			env:         map[string]string{"LOTTERY_LOTTERY_TICKET_PRICE": "1.5"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cm := NewConfigManager()
			cm.SetLogger(NewSilentLogger())
			config, err := cm.LoadConfig()

			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, config)
			assert.Same(t, config, cm.GetConfig())
			tt.validate(t, config)
		})
	}
}

const testConfigYAML = `
lottery:
  id: weekly
  backend: memory
  operator_id: lottery.near
  ticket_price: "5"
  reward_amount: "3"
  index_derivation: legacy
  lock_timeout: 10s
ledger:
  mode: memory
  workers: 2
reconciler:
  schedule: "*/5 * * * *"
  grace_period: 30s
log:
  level: debug
  format: console
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lottery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigManager_ConfigFile(t *testing.T) {
	cm := NewConfigManager()
	cm.SetConfigFile(writeConfigFile(t, testConfigYAML))

	config, err := cm.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "weekly", config.Lottery.ID)
	assert.Equal(t, BackendMemory, config.Lottery.Backend)
	assert.Equal(t, "lottery.near", config.Lottery.OperatorID)
	assert.Equal(t, "5", config.Lottery.TicketPrice)
	assert.Equal(t, DerivationLegacy, config.Lottery.IndexDerivation)
	assert.Equal(t, 10*time.Second, config.Lottery.LockTimeout)
	assert.Equal(t, "treasury", config.Lottery.TreasuryID, "unset keys keep their defaults")
	assert.Equal(t, 2, config.Ledger.Workers)
	assert.Equal(t, DefaultLedgerQueueSize, config.Ledger.QueueSize)
	assert.Equal(t, "*/5 * * * *", config.Reconciler.Schedule)
	assert.Equal(t, 30*time.Second, config.Reconciler.GracePeriod)
	assert.Equal(t, "console", config.Log.Format)

	price, err := config.Lottery.TicketPriceValue()
	require.NoError(t, err)
	assert.Equal(t, int64(5), price.Int64())

	missing := NewConfigManager()
	missing.SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err = missing.LoadConfig()
	assert.Error(t, err, "an explicit file must exist")
}

func TestConfigManager_BindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server.addr", DefaultServerAddr, "")
	fs.String("log.level", "error", "")
	require.NoError(t, fs.Parse([]string{"--server.addr=:9999"}))

	cm := NewConfigManager()
	cm.SetConfigFile(writeConfigFile(t, testConfigYAML))
	require.NoError(t, cm.BindFlags(fs))

	config, err := cm.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", config.Server.Addr, "a set flag wins")
	assert.Equal(t, "debug", config.Log.Level, "an unset flag does not override the file")
}

func TestConfigManager_WatchConfig(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)

	cm := NewConfigManager()
	cm.SetLogger(NewSilentLogger())
	cm.SetConfigFile(path)
	_, err := cm.LoadConfig()
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	require.NoError(t, cm.WatchConfig(func(c *Config) { reloaded <- c }))

	// 重载期间并发读取配置
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				_ = cm.GetConfig().Lottery.ID
			}
		}
	}()

	// replace the file in one step so no half-written version is observed
	updated := testConfigYAML + "server:\n  rate_limit: 5\n"
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(updated), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Server.RateLimit != 5 {
				continue
			}
			assert.Equal(t, "weekly", c.Lottery.ID)
			assert.Same(t, c, cm.GetConfig())
			return
		case <-timeout:
			t.Fatal("config change was not picked up")
		}
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"missing lottery section", func(c *Config) { c.Lottery = nil }, ErrConfigInvalid},
		{"empty id", func(c *Config) { c.Lottery.ID = " " }, ErrConfigInvalid},
		{"unknown backend", func(c *Config) { c.Lottery.Backend = "etcd" }, ErrConfigInvalid},
		{"empty operator", func(c *Config) { c.Lottery.OperatorID = "" }, ErrConfigInvalid},
		{"empty treasury", func(c *Config) { c.Lottery.TreasuryID = "" }, ErrConfigInvalid},
		{"negative reward", func(c *Config) { c.Lottery.RewardAmount = "-5" }, ErrInvalidAmount},
		{"zero reward", func(c *Config) { c.Lottery.RewardAmount = "0" }, ErrInvalidAmount},
		{"unknown derivation", func(c *Config) { c.Lottery.IndexDerivation = "xor" }, ErrConfigInvalid},
		{"lock timeout too short", func(c *Config) { c.Lottery.LockTimeout = 100 * time.Millisecond }, ErrInvalidLockTimeout},
		{"lock timeout too long", func(c *Config) { c.Lottery.LockTimeout = 10 * time.Minute }, ErrInvalidLockTimeout},
		{"too many retries", func(c *Config) { c.Lottery.RetryAttempts = MaxRetryAttempts + 1 }, ErrInvalidRetryAttempts},
		{"negative retry interval", func(c *Config) { c.Lottery.RetryInterval = -time.Second }, ErrInvalidRetryInterval},
		{"unknown ledger mode", func(c *Config) { c.Ledger.Mode = "grpc" }, ErrConfigInvalid},
		{"http ledger without endpoint", func(c *Config) { c.Ledger.Endpoint = "" }, ErrConfigInvalid},
		{"no ledger workers", func(c *Config) { c.Ledger.Workers = 0 }, ErrConfigInvalid},
		{"bad schedule", func(c *Config) { c.Reconciler.Schedule = "sometimes" }, ErrConfigInvalid},
		{"retry delay above max", func(c *Config) { c.Reconciler.RetryDelay = time.Minute }, ErrConfigInvalid},
		{"bad schedule ignored when disabled", func(c *Config) {
			c.Reconciler.Enabled = false
			c.Reconciler.Schedule = "sometimes"
		}, nil},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, ErrConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("memory backend needs no redis address", func(t *testing.T) {
		config := DefaultConfig()
		config.Lottery.Backend = BackendMemory
		config.Redis.Addr = ""
		assert.NoError(t, config.Validate())

		config.Lottery.Backend = BackendRedis
		assert.Error(t, config.Validate())
	})
}

func TestNewConfigManagerFromConfig(t *testing.T) {
	_, err := NewConfigManagerFromConfig(nil)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.Ledger.Mode = "carrier-pigeon"
	_, err = NewConfigManagerFromConfig(bad)
	assert.Error(t, err)

	cm, err := NewConfigManagerFromConfig(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultLotteryID, cm.GetConfig().Lottery.ID)

	assert.NotNil(t, NewDefaultConfigManager().GetConfig())
}

func TestNewRedisClientFromConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "redis.internal:6380"
	cfg.DB = 2

	client := NewRedisClientFromConfig(cfg)
	defer client.Close()

	opts := client.Options()
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, DefaultRedisPoolSize, opts.PoolSize)
	assert.Equal(t, DefaultRedisDialTimeout, opts.DialTimeout)

	fallback := NewRedisClientFromConfig(nil)
	defer fallback.Close()
	assert.Equal(t, DefaultRedisAddr, fallback.Options().Addr)
}
