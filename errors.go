package lottery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 系统级错误 (1000-1999)
	ErrCodeSystem             ErrorCode = "LOTTERY_1000"
	ErrCodeRedisConnection    ErrorCode = "LOTTERY_1001"
	ErrCodeRedisTimeout       ErrorCode = "LOTTERY_1002"
	ErrCodeConfigInvalid      ErrorCode = "LOTTERY_1004"
	ErrCodeServiceUnavailable ErrorCode = "LOTTERY_1005"

	// 业务级错误 (2000-2999)
	ErrCodeInvalidParameters    ErrorCode = "LOTTERY_2000"
	ErrCodeInvalidCount         ErrorCode = "LOTTERY_2002"
	ErrCodeInvalidLockTimeout   ErrorCode = "LOTTERY_2010"
	ErrCodeInvalidRetryAttempts ErrorCode = "LOTTERY_2011"
	ErrCodeInvalidRetryInterval ErrorCode = "LOTTERY_2012"
	ErrCodeInvalidAmount        ErrorCode = "LOTTERY_2016"
	ErrCodeInvalidAccount       ErrorCode = "LOTTERY_2017"
	ErrCodeEntropyTooShort      ErrorCode = "LOTTERY_2018"

	// 抽奖与领奖 (2100-2199)
	ErrCodeBadDeposit       ErrorCode = "LOTTERY_2100"
	ErrCodeDrawOverdraw     ErrorCode = "LOTTERY_2101"
	ErrCodeNotAWinner       ErrorCode = "LOTTERY_2102"
	ErrCodeAlreadyClaimed   ErrorCode = "LOTTERY_2103"
	ErrCodeNotClaimed       ErrorCode = "LOTTERY_2104"
	ErrCodeTransferInFlight ErrorCode = "LOTTERY_2105"

	// 锁相关错误 (3000-3999)
	ErrCodeLockAcquisitionFailed ErrorCode = "LOTTERY_3000"
	ErrCodeLockTimeout           ErrorCode = "LOTTERY_3001"

	// 安全相关错误 (4000-4999)
	ErrCodeUnauthorized ErrorCode = "LOTTERY_4000"

	// 限流相关错误 (5000-5999)
	ErrCodeRateLimitExceeded  ErrorCode = "LOTTERY_5000"
	ErrCodeCircuitBreakerOpen ErrorCode = "LOTTERY_5002"

	// 状态相关错误 (6000-6999)
	ErrCodeStateCorrupted        ErrorCode = "LOTTERY_6003"
	ErrCodeSerializationFailed   ErrorCode = "LOTTERY_6004"
	ErrCodeDeserializationFailed ErrorCode = "LOTTERY_6005"

	// 代币账本 (7000-7999)
	ErrCodeTransferRejected  ErrorCode = "LOTTERY_7000"
	ErrCodeLedgerUnavailable ErrorCode = "LOTTERY_7001"
	ErrCodeTransferNotFound  ErrorCode = "LOTTERY_7002"
	ErrCodeDispatchQueueFull ErrorCode = "LOTTERY_7003"
)

// ErrorSeverity 错误严重程度
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical"
	SeverityHigh     ErrorSeverity = "high"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityLow      ErrorSeverity = "low"
	SeverityInfo     ErrorSeverity = "info"
)

// LotteryError 增强的错误类型
type LotteryError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    string         `json:"details,omitempty"`
	Severity   ErrorSeverity  `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	Operation  string         `json:"operation,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
	Cause      error          `json:"-"`
	Retryable  bool           `json:"retryable"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Error 实现 error 接口
func (e *LotteryError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap 接口
func (e *LotteryError) Unwrap() error {
	return e.Cause
}

// Is matches any LotteryError carrying the same code
func (e *LotteryError) Is(target error) bool {
	if t, ok := target.(*LotteryError); ok {
		return e.Code == t.Code
	}
	return false
}

// The With* builders return a copy so the package sentinels stay untouched.
func (e *LotteryError) clone() *LotteryError {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Timestamp = time.Now()
	return &c
}

// WithCause 添加原因错误
func (e *LotteryError) WithCause(cause error) *LotteryError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithDetails 添加详细信息
func (e *LotteryError) WithDetails(details string) *LotteryError {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID 添加请求ID
func (e *LotteryError) WithRequestID(requestID string) *LotteryError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithAccountID 添加账户ID
func (e *LotteryError) WithAccountID(accountID string) *LotteryError {
	c := e.clone()
	c.AccountID = accountID
	return c
}

// WithOperation 添加操作信息
func (e *LotteryError) WithOperation(operation string) *LotteryError {
	c := e.clone()
	c.Operation = operation
	return c
}

// WithMetadata 添加元数据
func (e *LotteryError) WithMetadata(key string, value any) *LotteryError {
	c := e.clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

// WithStackTrace 添加堆栈跟踪
func (e *LotteryError) WithStackTrace() *LotteryError {
	c := e.clone()
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	c.StackTrace = string(buf[:n])
	return c
}

// NewError 创建新的错误
func NewError(code ErrorCode, message string) *LotteryError {
	return &LotteryError{
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// NewRetryableError 创建可重试的错误
func NewRetryableError(code ErrorCode, message string) *LotteryError {
	return &LotteryError{
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewCriticalError 创建严重错误
func NewCriticalError(code ErrorCode, message string) *LotteryError {
	return &LotteryError{
		Code:      code,
		Message:   message,
		Severity:  SeverityCritical,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// 预定义的错误实例
var (
	// 系统级错误
	ErrSystemError           = NewCriticalError(ErrCodeSystem, "system error occurred")
	ErrRedisConnectionFailed = NewRetryableError(ErrCodeRedisConnection, "Redis connection failed")
	ErrRedisTimeout          = NewRetryableError(ErrCodeRedisTimeout, "Redis operation timeout")
	ErrConfigInvalid         = NewCriticalError(ErrCodeConfigInvalid, "configuration is invalid")
	ErrServiceUnavailable    = NewRetryableError(ErrCodeServiceUnavailable, "service temporarily unavailable")

	// 业务级错误
	ErrInvalidParameters    = NewError(ErrCodeInvalidParameters, "invalid parameters provided")
	ErrInvalidCount         = NewError(ErrCodeInvalidCount, "invalid count: must be greater than 0")
	ErrInvalidLockTimeout   = NewError(ErrCodeInvalidLockTimeout, "invalid lock timeout: must be between 1s and 5m")
	ErrInvalidRetryAttempts = NewError(ErrCodeInvalidRetryAttempts, "invalid retry attempts: must be between 0 and 10")
	ErrInvalidRetryInterval = NewError(ErrCodeInvalidRetryInterval, "invalid retry interval: cannot be negative")
	ErrInvalidAmount        = NewError(ErrCodeInvalidAmount, "invalid token amount")
	ErrInvalidAccount       = NewError(ErrCodeInvalidAccount, "invalid account: cannot be empty")
	ErrEntropyTooShort      = NewError(ErrCodeEntropyTooShort, "random seed shorter than 8 bytes")

	// 抽奖与领奖
	ErrBadDeposit       = NewError(ErrCodeBadDeposit, "Bad ticket price")
	ErrDrawOverdraw     = NewError(ErrCodeDrawOverdraw, "n > players.len")
	ErrNotAWinner       = NewError(ErrCodeNotAWinner, "Not a winner")
	ErrAlreadyClaimed   = NewError(ErrCodeAlreadyClaimed, "Already claimed")
	ErrNotClaimed       = NewError(ErrCodeNotClaimed, "winner has no claim in flight")
	ErrTransferInFlight = NewRetryableError(ErrCodeTransferInFlight, "previous reward transfer is still in flight")

	// 锁相关错误
	ErrLockAcquisitionFailed = NewRetryableError(ErrCodeLockAcquisitionFailed, "failed to acquire distributed lock")
	ErrLockTimeout           = NewRetryableError(ErrCodeLockTimeout, "lock acquisition timeout")

	// 安全相关错误
	ErrNotAuthorized = NewError(ErrCodeUnauthorized, "Only owner can call draw")

	// 限流相关错误
	ErrRateLimitExceeded  = NewRetryableError(ErrCodeRateLimitExceeded, "rate limit exceeded")
	ErrCircuitBreakerOpen = NewRetryableError(ErrCodeCircuitBreakerOpen, "circuit breaker is open")

	// 状态相关错误
	ErrStateCorrupted        = NewError(ErrCodeStateCorrupted, "state data is corrupted")
	ErrSerializationFailed   = NewError(ErrCodeSerializationFailed, "serialization failed")
	ErrDeserializationFailed = NewError(ErrCodeDeserializationFailed, "deserialization failed")

	// 代币账本
	ErrTransferRejected  = NewError(ErrCodeTransferRejected, "token ledger rejected the transfer")
	ErrLedgerUnavailable = NewRetryableError(ErrCodeLedgerUnavailable, "token ledger unavailable")
	ErrTransferNotFound  = NewError(ErrCodeTransferNotFound, "transfer not found")
	ErrDispatchQueueFull = NewRetryableError(ErrCodeDispatchQueueFull, "transfer dispatch queue is full")
)

// IsDefiniteTransferFailure reports whether err proves the reward was not
// moved, so a claim may safely be reopened.
func IsDefiniteTransferFailure(err error) bool {
	return errors.Is(err, ErrTransferRejected) ||
		errors.Is(err, ErrCircuitBreakerOpen) ||
		errors.Is(err, ErrDispatchQueueFull) ||
		errors.Is(err, ErrTransferNotFound)
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	accountIDKey
)

// WithRequestID stores a request id in ctx for error enrichment
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithAccountID stores the calling account in ctx for error enrichment
func WithAccountID(ctx context.Context, account Account) context.Context {
	return context.WithValue(ctx, accountIDKey, string(account))
}

// RequestIDFrom returns the request id stored in ctx, if any
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ErrorHandler 错误处理器接口
type ErrorHandler interface {
	HandleError(ctx context.Context, err error) error
	ShouldRetry(err error) bool
	GetRetryDelay(attempt int, err error) time.Duration
}

// DefaultErrorHandler 默认错误处理器
type DefaultErrorHandler struct {
	logger        Logger
	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffFactor float64
}

// NewDefaultErrorHandler 创建默认错误处理器
func NewDefaultErrorHandler(logger Logger) *DefaultErrorHandler {
	return &DefaultErrorHandler{
		logger:        logger,
		baseDelay:     DefaultRetryInterval,
		maxDelay:      30 * time.Second,
		backoffFactor: 2.0,
	}
}

// NewErrorHandlerWithBackoff 创建自定义退避参数的错误处理器
func NewErrorHandlerWithBackoff(logger Logger, baseDelay, maxDelay time.Duration) *DefaultErrorHandler {
	h := NewDefaultErrorHandler(logger)
	h.baseDelay = baseDelay
	h.maxDelay = maxDelay
	return h
}

// HandleError 处理错误
func (h *DefaultErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	// 转换为 LotteryError
	var lotteryErr *LotteryError
	if errors.As(err, &lotteryErr) {
		if lotteryErr.Error() != err.Error() {
			// wrapped with extra context: keep the code, carry the full text
			lotteryErr = lotteryErr.WithCause(err)
		} else {
			lotteryErr = lotteryErr.clone()
		}
	} else {
		lotteryErr = NewError(ErrCodeSystem, err.Error()).WithCause(err)
		lotteryErr.Retryable = IsRetryableError(err)
	}

	// 从上下文中提取信息
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		lotteryErr.RequestID = requestID
	}
	if accountID, ok := ctx.Value(accountIDKey).(string); ok && accountID != "" {
		lotteryErr.AccountID = accountID
	}

	if lotteryErr.Severity == SeverityCritical && lotteryErr.StackTrace == "" {
		lotteryErr = lotteryErr.WithStackTrace()
	}

	h.logError(lotteryErr)

	return lotteryErr
}

// ShouldRetry 判断是否应该重试
func (h *DefaultErrorHandler) ShouldRetry(err error) bool {
	var lotteryErr *LotteryError
	if errors.As(err, &lotteryErr) {
		return lotteryErr.Retryable
	}

	return IsRetryableError(err)
}

// GetRetryDelay 获取重试延迟
func (h *DefaultErrorHandler) GetRetryDelay(attempt int, err error) time.Duration {
	if attempt <= 0 {
		return h.baseDelay
	}

	// 指数退避算法
	delay := time.Duration(float64(h.baseDelay) * math.Pow(h.backoffFactor, float64(attempt-1)))

	// 添加抖动 (±25%)
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	delay += jitter

	if delay > h.maxDelay {
		delay = h.maxDelay
	}

	return delay
}

func (h *DefaultErrorHandler) logError(err *LotteryError) {
	switch err.Severity {
	case SeverityCritical:
		h.logger.Error("Critical error occurred: %s (request_id=%s, account=%s)\n%s", err.Error(), err.RequestID, err.AccountID, err.StackTrace)
	case SeverityHigh, SeverityMedium:
		h.logger.Error("Operation failed: %s (request_id=%s, account=%s)", err.Error(), err.RequestID, err.AccountID)
	default:
		h.logger.Info("Operation rejected: %s (request_id=%s, account=%s)", err.Error(), err.RequestID, err.AccountID)
	}
}

// IsRetryableError 检查是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var lotteryErr *LotteryError
	if errors.As(err, &lotteryErr) {
		return lotteryErr.Retryable
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"network is unreachable",
		"temporary failure",
		"server closed",
		"broken pipe",
		"i/o timeout",
		"dial tcp",
		"read tcp",
		"write tcp",
		"connection timed out",
		"no route to host",
		"host is down",
		"connection aborted",
		"socket is not connected",
		"operation timed out",
		"redis: connection pool timeout",
		"redis: client is closed",
		"context deadline exceeded",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// ErrorRecovery 错误恢复策略
type ErrorRecovery struct {
	handler    ErrorHandler
	maxRetries int
	logger     Logger
}

// NewErrorRecovery 创建错误恢复策略
func NewErrorRecovery(handler ErrorHandler, maxRetries int, logger Logger) *ErrorRecovery {
	return &ErrorRecovery{
		handler:    handler,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// ExecuteWithRetry 执行带重试的操作
func (r *ErrorRecovery) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return NewError(ErrCodeSystem, "operation cancelled").WithCause(ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after %d retries", attempt)
			}
			return nil
		}

		lastErr = err

		if !r.handler.ShouldRetry(err) {
			r.logger.Debug("Error is not retryable: %v", err)
			return err
		}

		if attempt < r.maxRetries {
			delay := r.handler.GetRetryDelay(attempt+1, err)
			r.logger.Debug("Retrying operation in %v (attempt %d/%d)", delay, attempt+1, r.maxRetries)

			select {
			case <-ctx.Done():
				return NewError(ErrCodeSystem, "operation cancelled during retry").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return NewError(ErrCodeSystem, fmt.Sprintf("operation failed after %d attempts", r.maxRetries+1)).WithCause(lastErr)
}
