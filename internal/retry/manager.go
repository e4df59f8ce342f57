package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/utils"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

type ExhaustedError struct {
	Label    string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Label, ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

type Manager struct {
	mu          sync.RWMutex
	policies    map[Category]Policy
	fallback    Policy
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	log         zerolog.Logger
}

func NewManager(cfg config.RetryConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	m := &Manager{
		policies:    make(map[Category]Policy),
		fallback:    Fixed{Attempts: cfg.DefaultAttempts, Wait: cfg.DefaultDelay},
		maxAttempts: cfg.MaxAttempts,
		sleep:       sleepCtx,
		log:         utils.GetLogger("retry"),
	}
	m.policies[CategoryConnect] = Exponential{Attempts: 3, Base: cfg.BaseDelay, Multiplier: cfg.Multiplier}
	m.policies[CategoryTimeout] = Linear{Attempts: 5, Base: 2 * time.Second}
	m.policies[CategoryDNS] = Immediate{Attempts: 2}
	m.policies[CategoryHTTPStatus] = HTTPStatus{}
	m.policies[CategoryURLExpired] = Linear{Attempts: 2, Base: 2 * time.Second}
	m.policies[CategoryIO] = Linear{Attempts: 3, Base: 3 * time.Second}
	return m
}

func (m *Manager) Register(c Category, p Policy) {
	m.mu.Lock()
	m.policies[c] = p
	m.mu.Unlock()
}

// PolicyFor walks from c up through its parents and falls back to the default policy.
func (m *Manager) PolicyFor(c Category) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for {
		if p, ok := m.policies[c]; ok {
			return p
		}
		parent, ok := c.Parent()
		if !ok {
			return m.fallback
		}
		c = parent
	}
}

// Execute runs op until it succeeds, the policy for its failure refuses another attempt, or the
// global attempt ceiling is reached. Cancellation is returned immediately and never retried.
func (m *Manager) Execute(ctx context.Context, label string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, m, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Go runs Execute on its own goroutine.
func (m *Manager) Go(ctx context.Context, label string, op func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.Execute(ctx, label, op)
	}()
	return ch
}

func Do[T any](ctx context.Context, m *Manager, label string, op func(ctx context.Context) (T, error)) (T, error) {
	log := m.log.With().Str("label", label).Logger()
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, context.Cause(ctx)
		}
		v, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				log.Debug().Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		cat := Classify(err)
		if cat == CategoryCancelled {
			return zero, err
		}
		policy := m.PolicyFor(cat)
		if attempt+1 >= m.maxAttempts || !policy.ShouldRetry(attempt, err) {
			log.Warn().Err(err).Str("category", cat.String()).Int("attempts", attempt+1).Msg("giving up")
			return zero, &ExhaustedError{Label: label, Attempts: attempt + 1, Last: err}
		}
		delay := policy.Delay(attempt)
		log.Info().Err(err).Str("category", cat.String()).Str("policy", policy.Name()).
			Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying")
		if err := m.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
