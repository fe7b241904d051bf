package upstream

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
)

// taskClient is the subset of Client the dispatcher depends on, narrowed
// for testability.
type taskClient interface {
	ResolveTaskID(ctx domain.Context) (string, error)
	Execute(ctx domain.Context, taskID string, parameters map[string]any, webhookURL string) (string, error)
}

// Dispatcher implements domain.UpstreamDispatcher: a single global pacing
// clock plus an in-flight semaphore gate the strictly-serial upstream
// (spec §4.2, §5).
type Dispatcher struct {
	client      taskClient
	rdb         *redis.Client
	log         *slog.Logger
	webhookURL  string
	minInterval time.Duration
	deadline    time.Duration

	sem chan struct{}

	mu       sync.Mutex
	lastSent time.Time

	waiting        atomic.Int64
	totalSent      atomic.Int64
	totalCompleted atomic.Int64
	totalTimeout   atomic.Int64
	totalError     atomic.Int64
}

func NewDispatcher(cfg config.Config, client taskClient, rdb *redis.Client, log *slog.Logger) *Dispatcher {
	webhookURL := strings.TrimSpace(cfg.MenglaWebhookURL)
	if webhookURL == "" {
		webhookURL = strings.TrimRight(cfg.AppBaseURL, "/") + "/api/webhook/mengla-notify"
	}
	maxInflight := cfg.MaxInflightRequests
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Dispatcher{
		client:      client,
		rdb:         rdb,
		log:         log,
		webhookURL:  webhookURL,
		minInterval: 5 * time.Second,
		deadline:    cfg.MenglaTimeout(),
		sem:         make(chan struct{}, maxInflight),
	}
}

// Execute implements domain.UpstreamDispatcher: resolve the task, wait for
// a free slot and the pacing clock, POST execute, then rendezvous on the
// webhook result.
func (d *Dispatcher) Execute(ctx domain.Context, key domain.IdentityKey, extra map[string]any) (any, error) {
	d.waiting.Add(1)
	select {
	case d.sem <- struct{}{}:
		d.waiting.Add(-1)
	case <-ctx.Done():
		d.waiting.Add(-1)
		return nil, fmt.Errorf("%w: op=upstream.execute acquire_slot: %v", domain.ErrUpstreamTimeout, ctx.Err())
	}
	defer func() { <-d.sem }()

	if err := d.waitMinInterval(ctx); err != nil {
		return nil, err
	}

	taskID, err := d.client.ResolveTaskID(ctx)
	if err != nil {
		d.totalError.Add(1)
		return nil, err
	}

	params, err := BuildParameters(key, extra)
	if err != nil {
		return nil, err
	}

	executionID, err := d.client.Execute(ctx, taskID, params, d.webhookURL)
	if err != nil {
		d.totalError.Add(1)
		return nil, err
	}
	d.totalSent.Add(1)

	result, err := awaitRendezvous(ctx, d.rdb, d.log, executionID, d.deadline)
	switch {
	case err == nil:
		d.totalCompleted.Add(1)
		return result, nil
	case errors.Is(err, domain.ErrUpstreamTimeout):
		d.totalTimeout.Add(1)
		return nil, err
	default:
		d.totalError.Add(1)
		return nil, err
	}
}

// waitMinInterval blocks until at least minInterval has passed since the
// previous execute started, serializing the upstream clock (spec §4.2
// step 1, §5).
func (d *Dispatcher) waitMinInterval(ctx domain.Context) error {
	d.mu.Lock()
	wait := time.Duration(0)
	if !d.lastSent.IsZero() {
		since := time.Since(d.lastSent)
		if since < d.minInterval {
			wait = d.minInterval - since
		}
	}
	d.lastSent = time.Now().Add(wait)
	d.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: op=upstream.execute min_interval_wait: %v", domain.ErrUpstreamTimeout, ctx.Err())
	}
}

// PressureStats implements domain.UpstreamDispatcher.
func (d *Dispatcher) PressureStats() domain.DispatcherStats {
	return domain.DispatcherStats{
		MaxInflight:    cap(d.sem),
		Inflight:       len(d.sem),
		Waiting:        int(d.waiting.Load()),
		TotalSent:      d.totalSent.Load(),
		TotalCompleted: d.totalCompleted.Load(),
		TotalTimeout:   d.totalTimeout.Load(),
		TotalError:     d.totalError.Load(),
	}
}

var _ domain.UpstreamDispatcher = (*Dispatcher)(nil)
