package lottery

import "time"

const (
	// DefaultLockTimeout is the default timeout for acquiring the lottery lock
	DefaultLockTimeout = 30 * time.Second

	// DefaultRetryAttempts is the default number of retry attempts
	DefaultRetryAttempts = 3

	// DefaultRetryInterval is the default interval between retry attempts
	DefaultRetryInterval = 100 * time.Millisecond

	// LockKeyPrefix is the prefix for Redis lock keys
	LockKeyPrefix = "lottery:lock:"

	// DefaultLockExpiration is the default expiration time for locks
	DefaultLockExpiration = 30 * time.Second

	// MaxRetryAttempts is the maximum number of retry attempts allowed
	MaxRetryAttempts = 10

	// MinLockTimeout is the minimum lock timeout allowed
	MinLockTimeout = 1 * time.Second

	// MaxLockTimeout is the maximum lock timeout allowed
	MaxLockTimeout = 5 * time.Minute
)

const (
	// KeyPrefix namespaces every registry key; the lottery id follows it
	KeyPrefix = "lottery:"

	// PlayersKeySuffix names the ticket LIST of a lottery
	PlayersKeySuffix = ":players"

	// WinnersKeySuffix names the winner HASH (account -> claim status)
	WinnersKeySuffix = ":winners"

	// TransfersKeySuffix names the transfer record HASH (account -> JSON)
	TransfersKeySuffix = ":transfers"

	// MaxRecordSize bounds a serialized transfer record
	MaxRecordSize = 64 * 1024
)

const (
	// DefaultLotteryID is used when no lottery id is configured
	DefaultLotteryID = "default"

	// OneNEAR is 10^24, the smallest-unit scale of the reference token
	OneNEAR = "1000000000000000000000000"

	// DefaultTicketPrice is one token
	DefaultTicketPrice = OneNEAR

	// DefaultRewardAmount is one token
	DefaultRewardAmount = OneNEAR

	// DefaultSeedSize is the seed length produced by CryptoEntropy
	DefaultSeedSize = 32

	// MaxTicketsPerPurchase bounds a single batch purchase
	MaxTicketsPerPurchase = 1000
)

const (
	// DefaultCircuitBreakerName is the default name for Circuit Breaker
	DefaultCircuitBreakerName = "token-ledger"

	// DefaultCircuitBreakerMaxRequests is the default max requests
	DefaultCircuitBreakerMaxRequests = 3

	// DefaultCircuitBreakerInterval is the default interval
	DefaultCircuitBreakerInterval = 60 * time.Second

	// DefaultCircuitBreakerTimeout is the default timeout
	DefaultCircuitBreakerTimeout = 30 * time.Second

	// DefaultCircuitBreakerFailureRatio is the default failure ratio
	DefaultCircuitBreakerFailureRatio = 0.6

	// DefaultCircuitBreakerMinRequests is the default min requests
	DefaultCircuitBreakerMinRequests = 3

	// DefaultCircuitBreakerOnStateChange is the default on state change
	DefaultCircuitBreakerOnStateChange = true
)

const (
	DefaultRedisAddr         = "localhost:6379"
	DefaultRedisPassword     = ""
	DefaultRedisDB           = 0
	DefaultRedisPoolSize     = 50
	DefaultRedisMinIdleConns = 10
	DefaultRedisMaxRetries   = 3
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
	DefaultRedisPoolTimeout  = 4 * time.Second
)

const (
	DefaultLedgerEndpoint  = "http://localhost:8090"
	DefaultLedgerTimeout   = 5 * time.Second
	DefaultLedgerWorkers   = 4
	DefaultLedgerQueueSize = 128

	DefaultReconcileSchedule      = "@every 1m"
	DefaultReconcileGracePeriod   = 2 * time.Minute
	DefaultReconcileMaxRetryDelay = 5 * time.Second

	DefaultServerAddr      = ":8080"
	DefaultRateLimit       = 20
	DefaultRateLimitBurst  = 40
	DefaultShutdownTimeout = 10 * time.Second
)
