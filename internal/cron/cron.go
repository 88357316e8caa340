package cron

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-co-op/gocron"

	"github.com/opentuwa/mediagate/metrics"
	"github.com/opentuwa/mediagate/router/tokens"
	"github.com/opentuwa/mediagate/system"
)

const ErrCronRunning = errors.Sentinel("cron: job already running")

var o system.AtomicBool

// Scheduler configures the internal cronjob system for mediagate and returns the
// scheduler instance to the caller. This should only be called once per application
// lifecycle, additional calls will result in an error being returned.
func Scheduler(ctx context.Context, ledger tokens.NonceLedger, retention, interval time.Duration) (*gocron.Scheduler, error) {
	if !o.SwapIf(true) {
		return nil, errors.New("cron: cannot call scheduler more than once in application lifecycle")
	}
	if interval <= 0 {
		return nil, errors.New("cron: prune interval must be greater than zero")
	}

	prune := pruneCron{
		mu:        system.NewAtomicBool(false),
		ledger:    ledger,
		retention: retention,
		now:       time.Now,
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Tag("ledger-prune").Every(interval).Do(func() {
		if err := prune.Run(ctx); err != nil {
			if errors.Is(err, ErrCronRunning) {
				log.WithField("cron", "ledger-prune").Warn("cron: process is already running, skipping...")
			} else {
				log.WithField("error", err).Error("cron: failed to prune nonce ledger")
			}
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "cron: failed to schedule ledger pruning")
	}
	return s, nil
}

type pruneCron struct {
	mu        *system.AtomicBool
	ledger    tokens.NonceLedger
	retention time.Duration
	now       func() time.Time
}

// Run removes consumed nonces older than the retention window. Only one run
// may be active at a time.
func (pc *pruneCron) Run(ctx context.Context) error {
	if !pc.mu.SwapIf(true) {
		return ErrCronRunning
	}
	defer pc.mu.Store(false)

	n, err := pc.ledger.Prune(ctx, pc.retention, pc.now())
	if err != nil {
		return err
	}
	metrics.LedgerPruned.Add(float64(n))
	if n > 0 {
		log.WithField("count", n).Debug("cron: pruned consumed nonces from ledger")
	}
	return nil
}
