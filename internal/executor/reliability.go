package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/opsgate/internal/domain"
	"golang.org/x/time/rate"
)

// ReliabilityConfig — параметры обвязки вокруг внешнего исполнителя.
type ReliabilityConfig struct {
	// RateLimit — вызовов в секунду к внешним системам, Burst — всплеск
	RateLimit float64
	RateBurst int

	// Circuit Breaker
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration

	// InnerAttempts — быстрые повторы внутри одной попытки диспетчера
	// (сетевая икота). Бэкофф между попытками диспетчера считает не эта
	// обвязка, а планировщик повторов.
	InnerAttempts uint
	CallTimeout   time.Duration
}

func (c *ReliabilityConfig) withDefaults() ReliabilityConfig {
	out := *c
	if out.RateLimit <= 0 {
		out.RateLimit = 10
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 5
	}
	if out.CBMaxRequests == 0 {
		out.CBMaxRequests = 3
	}
	if out.CBInterval <= 0 {
		out.CBInterval = 5 * time.Second
	}
	if out.CBTimeout <= 0 {
		out.CBTimeout = 30 * time.Second
	}
	if out.InnerAttempts == 0 {
		out.InnerAttempts = 2
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 10 * time.Second
	}
	return out
}

// Reliability оборачивает исполнителя цепочкой rate limiter -> circuit
// breaker -> короткий retry -> таймаут на вызов. Таймаут — это отказ,
// никогда не успех.
type Reliability struct {
	next    Executor
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

var _ Executor = (*Reliability)(nil)

func NewReliability(next Executor, name string, cfg ReliabilityConfig) *Reliability {
	cfg = cfg.withDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Reliability{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
	}
}

// State — текущее состояние предохранителя (для метрик).
func (w *Reliability) State() gobreaker.State { return w.cb.State() }

func (w *Reliability) Execute(ctx context.Context, item *domain.ActionItem, attempt int) (Result, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var finalRes Result

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.InnerAttempts),
			// Невосстановимые отказы не гоняем по кругу
			retry.RetryIf(func(err error) bool {
				return !IsPermanent(err)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Внешняя система сама сказала, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			finalRes, callErr = w.next.Execute(tCtx, item, attempt)
			return callErr
		})

		return finalRes, retryErr
	})

	if err != nil {
		return Result{}, err
	}
	return cbResult.(Result), nil
}
