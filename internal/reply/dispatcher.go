package reply

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 2
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffMax  = 2 * time.Second
)

// Config tunes the dispatcher.
type Config struct {
	// Timeout bounds one Reply call end to end, retries and backoff included.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt for
	// transient failures. Negative disables retries.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RatePerSecond caps outbound calls across all requests; zero means no cap.
	RatePerSecond float64
	Burst         int
}

// Observer is notified once per Reply with the final result ("ok" or a Kind),
// the number of attempts made and the elapsed time.
type Observer func(result string, attempts int, elapsed time.Duration)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver registers an Observer. Multiple observers run in order.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, o)
	}
}

// WithClassifier sets the error classifier for the Messenger in use.
func WithClassifier(c Classifier) Option {
	return func(d *Dispatcher) {
		d.classify = c
	}
}

// Dispatcher sends replies through a Messenger with bounded retries.
// It holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	messenger Messenger
	classify  Classifier
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
	observers []Observer
}

// New creates a Dispatcher.
func New(m Messenger, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		messenger: m,
		classify:  DefaultClassifier,
		cfg:       cfg,
		logger:    logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var errTimeout = &SendError{Kind: KindUnknown, Detail: "timeout"}

// Reply posts text to channel and returns the platform message id.
// Transient failures are retried with exponential backoff; anything else,
// and exhaustion of retries or of the timeout, yields a *SendError.
func (d *Dispatcher) Reply(ctx context.Context, channel, text string) (string, error) {
	if channel == "" {
		return "", &SendError{Kind: KindInvalidChannel, Detail: "empty channel"}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var (
		last    Failure
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= d.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			wait := d.backoff(attempt-1, last.RetryAfter)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				// Sleeping would only run into the timeout; report the real cause.
				break
			}
			if err := sleep(ctx, wait); err != nil {
				return "", d.finish(ctx, attempt-1, start, err)
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return "", d.finish(ctx, attempt, start, err)
			}
		}

		id, err := d.messenger.PostMessage(ctx, channel, text)
		if err == nil {
			d.observe("ok", attempt, start)
			return id, nil
		}
		if ctx.Err() != nil {
			return "", d.finish(ctx, attempt, start, err)
		}

		last = d.classify(err)
		lastErr = err
		d.logger.Warn("reply attempt failed",
			"channel", channel,
			"attempt", attempt,
			"kind", last.Kind,
			"transient", last.Transient,
			"error", err,
		)
		if !last.Transient {
			attempt++
			break
		}
	}

	attempts := attempt - 1
	d.observe(string(last.Kind), attempts, start)
	return "", &SendError{Kind: last.Kind, Detail: last.Detail, Err: lastErr}
}

// UserInfo looks up a user within the dispatcher's timeout. Lookups are not
// retried.
func (d *Dispatcher) UserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	u, err := d.messenger.UserInfo(ctx, userID)
	if err == nil {
		return u, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, errTimeout
	}
	f := d.classify(err)
	return nil, &SendError{Kind: f.Kind, Detail: f.Detail, Err: err}
}

// finish converts a context-driven stop into a SendError.
func (d *Dispatcher) finish(ctx context.Context, attempts int, start time.Time, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		d.observe("timeout", attempts, start)
		return &SendError{Kind: KindUnknown, Detail: "timeout", Err: err}
	}
	d.observe("canceled", attempts, start)
	return &SendError{Kind: KindUnknown, Detail: "canceled", Err: err}
}

func (d *Dispatcher) observe(result string, attempts int, start time.Time) {
	elapsed := time.Since(start)
	for _, o := range d.observers {
		o(result, attempts, elapsed)
	}
}

// backoff returns base*2^(retry-1) with jitter, capped at BackoffMax, but never
// shorter than a server-requested retryAfter.
func (d *Dispatcher) backoff(retry int, retryAfter time.Duration) time.Duration {
	delay := float64(d.cfg.BackoffBase) * math.Pow(2, float64(retry-1))
	jitter := 0.5 + rand.Float64() //nolint:gosec // G404: jitter is not security sensitive
	wait := time.Duration(delay * jitter)
	if wait > d.cfg.BackoffMax {
		wait = d.cfg.BackoffMax
	}
	if retryAfter > wait {
		wait = retryAfter
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultClassifier treats network errors as transient and everything else
// as a permanent unknown failure.
func DefaultClassifier(err error) Failure {
	var se *SendError
	if errors.As(err, &se) {
		return Failure{Kind: se.Kind, Detail: se.Detail, Transient: se.Kind == KindRateLimited}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Failure{Kind: KindUnknown, Detail: "network error", Transient: true}
	}
	return Failure{Kind: KindUnknown, Detail: err.Error()}
}
