/*
scheduler.go - Automated lot expiry sweep

PURPOSE:
  Periodically persists lot expirations so cached balances drop when
  points lapse, without waiting for an admin to trigger the sweep.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start
  - Each sweep is bounded by the interval so a stuck store cannot pile
    up overlapping runs

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerExpiry endpoint (manual sweep)
  - loyalty/expiry.go: ExpireLots
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/fuel-loyalty/loyalty"
	"go.uber.org/zap"
)

// Expirer runs one expiry sweep. *loyalty.Ledger implements it.
type Expirer interface {
	ExpireLots(ctx context.Context) (loyalty.ExpiryReport, error)
}

// ExpiryScheduler runs the expiry sweep on a ticker.
type ExpiryScheduler struct {
	Expirer       Expirer
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(expirer Expirer, log *zap.Logger) *ExpiryScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpiryScheduler{
		Expirer:       expirer,
		Log:           log.Named("scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled || es.CheckInterval <= 0 {
		es.Log.Info("disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run(es.ticker, es.stop)

	es.Log.Info("started", zap.Duration("interval", es.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	if es.ticker == nil {
		es.mu.Unlock()
		return
	}
	es.ticker.Stop()
	close(es.stop)
	es.ticker = nil
	es.mu.Unlock()

	es.wg.Wait()
	es.Log.Info("stopped")
}

func (es *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer es.wg.Done()

	// Run immediately on start
	es.RunNow()

	for {
		select {
		case <-ticker.C:
			es.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow sweeps immediately (for testing/admin).
func (es *ExpiryScheduler) RunNow() (loyalty.ExpiryReport, error) {
	timeout := es.CheckInterval
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := es.Expirer.ExpireLots(ctx)

	es.mu.Lock()
	es.lastRun = time.Now()
	es.mu.Unlock()

	if err != nil {
		es.Log.Error("expiry sweep failed", zap.Error(err))
		return report, err
	}
	es.Log.Debug("expiry sweep completed",
		zap.Int("lots", report.LotsExpired),
		zap.Int64("points_forfeited", report.PointsForfeited),
	)
	return report, nil
}

// NextRunTime returns when the next scheduled sweep will occur.
func (es *ExpiryScheduler) NextRunTime() time.Time {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.lastRun.IsZero() {
		return time.Now()
	}
	return es.lastRun.Add(es.CheckInterval)
}
