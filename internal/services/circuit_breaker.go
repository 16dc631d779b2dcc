package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"telemed/internal/config"
	"telemed/pkg/apperr"
	"telemed/pkg/inference"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen 熔断期间拒绝调用
var ErrBreakerOpen = apperr.Unavailable("diagnosis service is temporarily unavailable")

// CircuitBreaker 保护对外部推理服务的调用
type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMaxReqs int
	now             func() time.Time

	mutex        sync.Mutex
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
}

// NewCircuitBreaker 按配置创建熔断器，非法值回落到默认
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:     cfg.MaxFailures,
		resetTimeout:    cfg.ResetTimeout,
		halfOpenMaxReqs: cfg.HalfOpenMaxReqs,
		now:             time.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 60 * time.Second
	}
	if cb.halfOpenMaxReqs <= 0 {
		cb.halfOpenMaxReqs = 3
	}
	return cb
}

// Allow 是否放行本次调用
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailTime) >= cb.resetTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

// OnSuccess 记录成功；半开状态下恢复为关闭
func (cb *CircuitBreaker) OnSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == BreakerOpen {
		return
	}
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// OnFailure 记录失败；半开状态下立即熔断
func (cb *CircuitBreaker) OnFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()
	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

// Execute 在熔断保护下执行 fn；调用方取消不计为失败
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrBreakerOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.OnSuccess()
	case ctx.Err() != nil:
	case isCallerError(err):
		cb.OnSuccess()
	default:
		cb.OnFailure()
	}
	return err
}

// isCallerError 请求本身有误，不代表下游故障
func isCallerError(err error) bool {
	if apperr.HasCode(err, apperr.CodeValidation) {
		return true
	}
	var apiErr *inference.APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats 熔断器状态快照
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return map[string]interface{}{
		"state":              cb.state.String(),
		"failure_count":      cb.failureCount,
		"max_failures":       cb.maxFailures,
		"reset_timeout":      cb.resetTimeout.String(),
		"half_open_max_reqs": cb.halfOpenMaxReqs,
	}
}
