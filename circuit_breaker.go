package lottery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerLedger 带熔断器的代币账本. While open, transfers fail fast
// with ErrCircuitBreakerOpen and nothing reaches the ledger.
type CircuitBreakerLedger struct {
	ledger TokenLedger

	mu      sync.RWMutex
	breaker *gobreaker.CircuitBreaker
	logger  Logger
	config  *CircuitBreakerConfig
}

// NewCircuitBreakerLedger 创建带熔断器的账本
func NewCircuitBreakerLedger(ledger TokenLedger, config *CircuitBreakerConfig, logger Logger) *CircuitBreakerLedger {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	c := &CircuitBreakerLedger{
		ledger: ledger,
		logger: logger,
		config: config,
	}
	if config.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker(c.settings(config))
	}
	return c
}

func (c *CircuitBreakerLedger) settings(config *CircuitBreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 当请求数达到最小要求且失败率超过阈值时触发熔断
			return counts.Requests >= config.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		// a rejection proves the ledger is up
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrTransferRejected) || errors.Is(err, ErrTransferNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if config.OnStateChange {
				c.logger.Info("Circuit breaker '%s' state changed from %s to %s", name, from, to)
			}
		},
	}
}

func (c *CircuitBreakerLedger) current() *gobreaker.CircuitBreaker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.breaker
}

// executeWithBreaker 使用熔断器执行操作
func (c *CircuitBreakerLedger) executeWithBreaker(operation func() (any, error)) (any, error) {
	breaker := c.current()
	if breaker == nil {
		return operation()
	}

	result, err := breaker.Execute(operation)
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, ErrCircuitBreakerOpen.WithDetails("circuit breaker is open, transfers are being rejected")
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitBreakerOpen.WithDetails("too many requests, circuit breaker is half-open")
	}

	return result, err
}

// Transfer 转账
func (c *CircuitBreakerLedger) Transfer(ctx context.Context, req TransferRequest) error {
	_, err := c.executeWithBreaker(func() (any, error) {
		return nil, c.ledger.Transfer(ctx, req)
	})
	return err
}

// TransferStatus 查询转账状态
func (c *CircuitBreakerLedger) TransferStatus(ctx context.Context, transferID string) (TransferState, error) {
	result, err := c.executeWithBreaker(func() (any, error) {
		return c.ledger.TransferStatus(ctx, transferID)
	})
	if err != nil {
		return "", err
	}

	return result.(TransferState), nil
}

// GetCircuitBreakerState 获取熔断器状态
func (c *CircuitBreakerLedger) GetCircuitBreakerState() string {
	breaker := c.current()
	if breaker == nil {
		return "disabled"
	}

	switch breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GetCircuitBreakerCounts 获取熔断器统计信息
func (c *CircuitBreakerLedger) GetCircuitBreakerCounts() gobreaker.Counts {
	breaker := c.current()
	if breaker == nil {
		return gobreaker.Counts{}
	}

	return breaker.Counts()
}

// Config returns a copy of the active configuration
func (c *CircuitBreakerLedger) Config() CircuitBreakerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return *c.config
}

// Reconfigure swaps the configuration and resets the breaker with it
func (c *CircuitBreakerLedger) Reconfigure(config *CircuitBreakerConfig) {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	copied := *config

	c.mu.Lock()
	c.config = &copied
	c.mu.Unlock()

	c.ResetCircuitBreaker()
}

// ResetCircuitBreaker 重置熔断器 (重新创建熔断器实例)
func (c *CircuitBreakerLedger) ResetCircuitBreaker() {
	c.mu.Lock()
	config := c.config
	if !config.Enabled {
		c.breaker = nil
		c.mu.Unlock()
		c.logger.Info("Circuit breaker '%s' disabled", config.Name)
		return
	}
	// gobreaker 没有 Reset 方法
	c.breaker = gobreaker.NewCircuitBreaker(c.settings(config))
	c.mu.Unlock()

	c.logger.Info("Circuit breaker '%s' has been reset (recreated)", config.Name)
}

// CircuitBreakerHealthCheck 熔断器健康检查
type CircuitBreakerHealthCheck struct {
	ledger *CircuitBreakerLedger
}

// NewCircuitBreakerHealthCheck 创建熔断器健康检查
func NewCircuitBreakerHealthCheck(ledger *CircuitBreakerLedger) *CircuitBreakerHealthCheck {
	return &CircuitBreakerHealthCheck{ledger: ledger}
}

// Check 执行健康检查
func (h *CircuitBreakerHealthCheck) Check() map[string]any {
	config := h.ledger.Config()
	result := map[string]any{
		"circuit_breaker_enabled": config.Enabled,
	}

	if !config.Enabled {
		result["state"] = "disabled"
		result["healthy"] = true
		return result
	}

	state := h.ledger.GetCircuitBreakerState()
	counts := h.ledger.GetCircuitBreakerCounts()

	result["state"] = state
	result["requests"] = counts.Requests
	result["total_successes"] = counts.TotalSuccesses
	result["total_failures"] = counts.TotalFailures
	result["consecutive_failures"] = counts.ConsecutiveFailures

	if counts.Requests > 0 {
		result["failure_rate"] = float64(counts.TotalFailures) / float64(counts.Requests)
	} else {
		result["failure_rate"] = 0.0
	}

	// 健康状态判断
	healthy := true
	switch state {
	case "open":
		healthy = false
	case "half-open":
		// 半开状态下，如果连续失败次数过多，认为不健康
		if counts.ConsecutiveFailures > 2 {
			healthy = false
		}
	}
	result["healthy"] = healthy

	return result
}

// CircuitBreakerMetrics 熔断器指标收集器
type CircuitBreakerMetrics struct {
	ledger *CircuitBreakerLedger
}

// NewCircuitBreakerMetrics 创建熔断器指标收集器
func NewCircuitBreakerMetrics(ledger *CircuitBreakerLedger) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{ledger: ledger}
}

// CollectMetrics 收集指标
func (m *CircuitBreakerMetrics) CollectMetrics() map[string]any {
	config := m.ledger.Config()
	metrics := map[string]any{
		"circuit_breaker_enabled": config.Enabled,
		"timestamp":               time.Now().Unix(),
	}
	if !config.Enabled {
		return metrics
	}

	state := m.ledger.GetCircuitBreakerState()
	counts := m.ledger.GetCircuitBreakerCounts()

	metrics["circuit_breaker_state"] = state
	metrics["circuit_breaker_state_numeric"] = stateToNumeric(state)
	metrics["circuit_breaker_requests_total"] = counts.Requests
	metrics["circuit_breaker_successes_total"] = counts.TotalSuccesses
	metrics["circuit_breaker_failures_total"] = counts.TotalFailures
	metrics["circuit_breaker_consecutive_failures"] = counts.ConsecutiveFailures
	metrics["circuit_breaker_max_requests"] = config.MaxRequests
	metrics["circuit_breaker_failure_ratio_threshold"] = config.FailureRatio
	metrics["circuit_breaker_timeout_seconds"] = config.Timeout.Seconds()

	return metrics
}

// stateToNumeric 将状态转换为数值
func stateToNumeric(state string) int {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
