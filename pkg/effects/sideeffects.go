package effects

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"foreman/pkg/workorder"
)

// RetryConfig configures exponential backoff for side-effect deliveries.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default side-effect retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// SideEffectClient delivers best-effort payloads to external targets
// (source-control hosting, chat webhook, document sync, registered
// webhooks). Each target gets its own circuit breaker; deliveries retry
// with exponential backoff and jitter inside a hard per-call budget.
type SideEffectClient struct {
	httpClient  *http.Client
	retry       RetryConfig
	hardTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	inflight sync.WaitGroup
}

// NewSideEffectClient creates a client. A zero hardTimeout defaults to the
// retry config's MaxElapsedTime plus a grace second.
func NewSideEffectClient(httpClient *http.Client, retry RetryConfig, hardTimeout time.Duration, log *slog.Logger) *SideEffectClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if hardTimeout <= 0 {
		hardTimeout = retry.MaxElapsedTime + time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &SideEffectClient{
		httpClient:  httpClient,
		retry:       retry,
		hardTimeout: hardTimeout,
		log:         log,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for a target, creating it on first use.
func (c *SideEffectClient) breaker(target string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[target]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a target failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	c.breakers[target] = cb
	return cb
}

// Post delivers a JSON body to a target synchronously, retrying transient
// failures with exponential backoff behind the target's circuit breaker.
func (c *SideEffectClient) Post(ctx context.Context, target string, body []byte) error {
	cb := c.breaker(target)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, c.post(ctx, target, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.InitialInterval
	policy.MaxInterval = c.retry.MaxInterval
	policy.MaxElapsedTime = c.retry.MaxElapsedTime
	policy.Multiplier = c.retry.Multiplier
	policy.RandomizationFactor = c.retry.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (c *SideEffectClient) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", target, resp.StatusCode)
	}
	return nil
}

// FireAndForget delivers asynchronously on a detached goroutine with a hard
// timeout. The result is dropped; failures are logged, never returned.
func (c *SideEffectClient) FireAndForget(name, target string, body []byte) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.hardTimeout)
		defer cancel()
		if err := c.Post(ctx, target, body); err != nil {
			c.log.Warn("best-effort delivery failed", "sink", name, "target", target, "error", err)
		}
	}()
}

// Wait blocks until all fire-and-forget deliveries finish. Used by tests
// and graceful shutdown.
func (c *SideEffectClient) Wait() {
	c.inflight.Wait()
}

// BestEffortHandler routes an event to an external target through the
// side-effect client. It never reports failure to the dispatcher: a
// best-effort side effect must not block the retry/failure semantics of the
// primary transition it is attached to.
type BestEffortHandler struct {
	Client *SideEffectClient
	Target string
	Name   string
	Log    *slog.Logger
}

// Handle implements Handler. Always returns nil.
func (h *BestEffortHandler) Handle(_ context.Context, ev workorder.Event) error {
	if h.Target == "" {
		if h.Log != nil {
			h.Log.Debug("side-effect target unconfigured, dropping", "sink", h.Name, "event", ev.ID)
		}
		return nil
	}
	body := fmt.Appendf(nil,
		`{"event_id":%q,"task_id":%q,"type":%q,"actor":%q,"prev_status":%q,"next_status":%q,"payload":%s}`,
		ev.ID, ev.TaskID, ev.Type, ev.Actor, ev.PrevStatus, ev.NextStatus, payloadOrEmpty(ev.Payload))
	h.Client.FireAndForget(h.Name, h.Target, body)
	return nil
}

func payloadOrEmpty(p string) string {
	if p == "" {
		return "{}"
	}
	return p
}
