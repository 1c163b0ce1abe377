package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 熔断中，直接拒绝
	StateOpen
	// StateHalfOpen 试探性恢复
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值
	Threshold int
	// Timeout 单次调用超时，0 表示只受调用方 ctx 约束
	Timeout time.Duration
	// ResetTimeout Open -> HalfOpen 的等待时间
	ResetTimeout time.Duration
	// HalfOpenMaxCalls 半开状态允许的试探请求数
	HalfOpenMaxCalls int
	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker 保护一个不稳定的上游（外部 reranker 等）
type Breaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             State
	failures          int
	openedAt          time.Time
	halfOpenCallCount int
}

// New 创建熔断器
func New(cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, logger: logger, now: time.Now}
}

// Call 执行 fn；熔断打开时返回 ErrCircuitOpen 且不调用 fn
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call 是 Breaker.Call 的泛型版本
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.beforeCall(); err != nil {
		return zero, err
	}

	callCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	result, err := fn(callCtx)

	// 调用方主动取消不代表上游故障
	if err != nil && ctx.Err() != nil {
		b.release()
		return zero, err
	}

	b.afterCall(err == nil || isClientError(err))
	if err != nil {
		return zero, err
	}
	return result, nil
}

// isClientError 请求本身有问题，不计入熔断失败
func isClientError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidRequest, types.ErrUnauthorized, types.ErrForbidden:
		return true
	}
	return false
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		transition = b.setState(StateHalfOpen)
		b.halfOpenCallCount = 1
		b.logger.Info("circuit breaker half-open")
		return nil
	case StateHalfOpen:
		if b.halfOpenCallCount >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCallCount > 0 {
		b.halfOpenCallCount--
	}
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.logger.Info("circuit breaker closed")
			b.halfOpenCallCount = 0
			transition = b.setState(StateClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failures", b.failures),
				zap.Int("threshold", b.cfg.Threshold),
			)
			b.openedAt = b.now()
			transition = b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("circuit breaker probe failed, reopening")
		b.openedAt = b.now()
		b.halfOpenCallCount = 0
		transition = b.setState(StateOpen)
	}
}

// setState 必须持锁调用，返回需要在锁外执行的回调
func (b *Breaker) setState(to State) func() {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange == nil || from == to {
		return nil
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动恢复为关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	transition := b.setState(StateClosed)
	b.failures = 0
	b.halfOpenCallCount = 0
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset", zap.String("from_state", from.String()))
	if transition != nil {
		transition()
	}
}
