// Package sweep proactively refreshes credentials that are approaching
// expiry so tenants with no live traffic never wake up to a dead token.
// A cron schedule drives periodic sweeps; each sweep lists due tenants,
// fans them out to a bounded worker pool behind a rate limiter, and reports
// aggregate counts. One tenant's failure never stops the rest of the sweep.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/logging"
)

// Refresher returns a valid token for a tenant, refreshing it when due.
// The sweep shares the same in-flight refresh as live traffic.
type Refresher interface {
	GetValidToken(ctx context.Context, tenantID string) (string, error)
}

// Lister enumerates tenants whose credentials expire before a threshold
type Lister interface {
	ListExpiringBefore(ctx context.Context, threshold time.Time) ([]string, error)
}

// Config holds sweep scheduling and throttling settings
type Config struct {
	// Schedule is a cron expression; defaults to every 6 hours
	Schedule string
	// Margin is how far ahead of expiry a credential becomes due
	Margin time.Duration
	// Concurrency bounds the number of simultaneous refreshes
	Concurrency int
	// RatePerSecond throttles refresh starts to avoid hammering the provider
	RatePerSecond float64
	// TenantTimeout bounds each individual tenant's refresh
	TenantTimeout time.Duration
}

// Validate applies defaults and checks bounds
func (c *Config) Validate() error {
	if c.Schedule == "" {
		c.Schedule = "0 */6 * * *"
	}
	if c.Margin <= 0 {
		c.Margin = 5 * 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("sweep concurrency %d is unreasonably high", c.Concurrency)
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.TenantTimeout <= 0 {
		c.TenantTimeout = 30 * time.Second
	}
	return nil
}

// Result summarizes one sweep run
type Result struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	// Failed counts transient failures worth retrying next sweep
	Failed int `json:"failed"`
	// Skipped counts terminal verdicts (revoked, refresh token dead) that no
	// amount of sweeping will fix
	Skipped int `json:"skipped"`
}

// Sweeper schedules and runs credential refresh sweeps
type Sweeper struct {
	config    *Config
	refresher Refresher
	lister    Lister
	cron      *cron.Cron
	limiter   *rate.Limiter
	logger    logging.Logger

	mu      sync.Mutex
	last    *Result
	running bool
}

// NewSweeper creates a sweeper; call Start to begin the schedule
func NewSweeper(config *Config, refresher Refresher, lister Lister, logger logging.Logger) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Sweeper{
		config:    config,
		refresher: refresher,
		lister:    lister,
		cron:      cron.New(),
		limiter:   rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
		logger:    logger.WithFields(logging.Field{Key: "component", Value: "sweep"}),
	}, nil
}

// Start registers the cron schedule and begins running sweeps
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("Scheduled sweep failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info("Sweep scheduler started",
		logging.Field{Key: "schedule", Value: s.config.Schedule},
		logging.Field{Key: "margin", Value: s.config.Margin.String()},
		logging.Field{Key: "concurrency", Value: s.config.Concurrency})
	return nil
}

// Stop halts the schedule and waits for a running sweep job to return
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// LastResult returns the most recent sweep summary, or nil before the first run
func (s *Sweeper) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	copied := *s.last
	return &copied
}

// Run executes one sweep immediately. Only one sweep runs at a time; a
// second call while one is in progress returns an error rather than
// doubling provider load.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errors.RateLimitError("sweep").WithContext("reason", "sweep already in progress")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	started := time.Now()
	threshold := started.Add(s.config.Margin)

	tenants, err := s.lister.ListExpiringBefore(ctx, threshold)
	if err != nil {
		return nil, err
	}

	result := &Result{Started: started, Attempted: len(tenants)}
	if len(tenants) == 0 {
		result.Duration = time.Since(started)
		s.store(result)
		return result, nil
	}

	s.logger.Info("Sweep starting",
		logging.Field{Key: "due", Value: len(tenants)},
		logging.Field{Key: "threshold", Value: threshold})

	var (
		wg        sync.WaitGroup
		resultMu  sync.Mutex
		workQueue = make(chan string)
	)

	for i := 0; i < s.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tenantID := range workQueue {
				outcome := s.refreshTenant(ctx, tenantID)
				resultMu.Lock()
				switch outcome {
				case outcomeSucceeded:
					result.Succeeded++
				case outcomeSkipped:
					result.Skipped++
				default:
					result.Failed++
				}
				resultMu.Unlock()
			}
		}()
	}

	for _, tenantID := range tenants {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case workQueue <- tenantID:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(workQueue)
	wg.Wait()

	// Tenants never dispatched because the sweep was cancelled count as failed
	resultMu.Lock()
	dispatched := result.Succeeded + result.Failed + result.Skipped
	if dispatched < result.Attempted {
		result.Failed += result.Attempted - dispatched
	}
	result.Duration = time.Since(started)
	resultMu.Unlock()

	s.store(result)
	s.logger.Info("Sweep finished",
		logging.Field{Key: "attempted", Value: result.Attempted},
		logging.Field{Key: "succeeded", Value: result.Succeeded},
		logging.Field{Key: "failed", Value: result.Failed},
		logging.Field{Key: "skipped", Value: result.Skipped},
		logging.Field{Key: "duration", Value: result.Duration.String()})
	return result, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// refreshTenant refreshes one tenant under its own timeout and classifies
// the verdict. Errors are contained here so the pool keeps draining.
func (s *Sweeper) refreshTenant(ctx context.Context, tenantID string) outcome {
	tenantCtx, cancel := context.WithTimeout(ctx, s.config.TenantTimeout)
	defer cancel()

	_, err := s.refresher.GetValidToken(tenantCtx, tenantID)
	if err == nil {
		return outcomeSucceeded
	}

	switch errors.GetType(err) {
	case errors.ErrTypeRefreshFailed, errors.ErrTypeCredentialRevoked, errors.ErrTypeNotAuthorized:
		// Terminal for this tenant; the record already carries the verdict
		s.logger.Warn("Sweep skipping tenant with terminal credential state",
			logging.Field{Key: "tenant_id", Value: tenantID},
			logging.Field{Key: "error_type", Value: string(errors.GetType(err))})
		return outcomeSkipped
	default:
		s.logger.Warn("Sweep refresh failed",
			logging.Field{Key: "tenant_id", Value: tenantID},
			logging.Field{Key: "error", Value: err.Error()})
		return outcomeFailed
	}
}

func (s *Sweeper) store(result *Result) {
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
}
