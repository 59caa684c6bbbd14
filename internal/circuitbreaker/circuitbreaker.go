package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/metrics"
)

// State is where a breaker sits between passing and refusing deliveries.
// Enough consecutive send failures open it; once RecoveryTimeout has passed
// since the last failure it lets a trial delivery through (half-open), and
// that delivery's result closes or reopens it.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen marks a delivery refused without contacting the chat API
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes a CircuitBreaker.
type Config struct {
	// Name labels logs, metrics and health output, e.g. "telegram".
	Name string

	// MaxFailures consecutive send failures open the breaker.
	MaxFailures int

	// RecoveryTimeout is the quiet period after the last failure before a
	// trial delivery is let through.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps trial deliveries in flight while half-open.
	HalfOpenMaxRequests int

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the settings used for the Telegram sender
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// CircuitBreaker stops calling a chat API that keeps failing. Reminders
// refused while it is open complete as failed and retry on backoff, so an
// outage spends attempts slowly instead of hammering the API.
type CircuitBreaker struct {
	mu     sync.RWMutex
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	state       State
	streak      int
	trials      int
	lastFailure time.Time
	changedAt   time.Time
	counts      counters
}

// New builds a closed breaker, filling zero Config fields from DefaultConfig.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	cb := &CircuitBreaker{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logger.With(zap.String("breaker", cfg.Name)),
		changedAt: cfg.Clock.Now(),
	}
	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	cb.logger.Info("delivery breaker ready",
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return cb
}

// Name returns the configured breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Allow reports whether a delivery may go out now. A true result must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.requests++

	if cb.state == StateOpen && !cb.clock.Now().Before(cb.retryAt()) {
		cb.moveTo(StateHalfOpen)
		cb.logger.Info("letting a trial delivery through")
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trials < cb.cfg.HalfOpenMaxRequests {
			cb.trials++
			return true
		}
	}
	cb.counts.rejected++
	return false
}

// RecordSuccess clears the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.successes++
	cb.streak = 0
	if cb.state == StateHalfOpen {
		cb.moveTo(StateClosed)
		cb.logger.Info("deliveries resumed")
	}
}

// RecordFailure extends the failure streak. It opens a closed breaker once
// the streak reaches MaxFailures and reopens a half-open one at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.failures++
	cb.streak++
	cb.lastFailure = cb.clock.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.moveTo(StateOpen)
		cb.logger.Warn("trial delivery failed, deliveries paused again",
			zap.Time("retry_at", cb.retryAt()),
		)
	case cb.state == StateClosed && cb.streak >= cb.cfg.MaxFailures:
		cb.moveTo(StateOpen)
		cb.logger.Warn("deliveries paused",
			zap.Int("failures", cb.streak),
			zap.Time("retry_at", cb.retryAt()),
		)
	}
}

// GetState returns the breaker's current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a snapshot for the health endpoint
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
	RetryAt         string `json:"retry_at,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.counts.requests,
		TotalFailures:   cb.counts.failures,
		TotalSuccesses:  cb.counts.successes,
		TotalRejected:   cb.counts.rejected,
		LastStateChange: cb.changedAt.UTC().Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.UTC().Format(time.RFC3339)
	}
	if cb.state == StateOpen {
		s.RetryAt = cb.retryAt().UTC().Format(time.RFC3339)
	}
	return s
}

// retryAt is the earliest instant an open breaker admits a trial delivery.
func (cb *CircuitBreaker) retryAt() time.Time {
	return cb.lastFailure.Add(cb.cfg.RecoveryTimeout)
}

// moveTo requires cb.mu held.
func (cb *CircuitBreaker) moveTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.clock.Now()
	cb.trials = 0
	metrics.SetBreakerState(cb.cfg.Name, int(next))

	cb.logger.Debug("breaker state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
	)
}
