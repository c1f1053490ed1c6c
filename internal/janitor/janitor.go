// Package janitor expires stale plans, approvals and locks on a cron
// schedule. Expiry is also enforced at read time; the janitor keeps the
// stored state honest for listings and the active-approval cap.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"actiongate/internal/metrics"
)

type Store interface {
	ExpirePlans(ctx context.Context, now time.Time) (int, error)
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)
	ExpireLocks(ctx context.Context, now time.Time) (int, error)
}

// Sweep counts the records one pass expired.
type Sweep struct {
	Plans     int `json:"plans"`
	Approvals int `json:"approvals"`
	Locks     int `json:"locks"`
}

func (s Sweep) Total() int {
	return s.Plans + s.Approvals + s.Locks
}

type Janitor struct {
	Store Store
	// Cron is a five-field schedule. Empty means every minute.
	Cron         string
	PollInterval time.Duration
	Now          func() time.Time
	Parser       *cron.Parser
	Logger       *slog.Logger

	last time.Time
}

func New(store Store, spec string) *Janitor {
	return &Janitor{Store: store, Cron: spec}
}

func (j *Janitor) defaults() {
	if j.Now == nil {
		j.Now = time.Now
	}
	if j.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		j.Parser = &parser
	}
	if j.PollInterval <= 0 {
		j.PollInterval = 30 * time.Second
	}
	if j.Logger == nil {
		j.Logger = slog.Default()
	}
}

func (j *Janitor) schedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(j.Cron)
	if spec == "" {
		spec = "* * * * *"
	}
	sched, err := j.Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("janitor cron %q: %w", spec, err)
	}
	return sched, nil
}

// Run sweeps once immediately, then whenever the schedule comes due. Sweep
// errors are logged and retried on the next due time.
func (j *Janitor) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.Store == nil {
		return errors.New("store required")
	}
	j.defaults()
	sched, err := j.schedule()
	if err != nil {
		return err
	}
	j.tick(ctx)
	ticker := time.NewTicker(j.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if sched.Next(j.last).After(j.Now().UTC()) {
				continue
			}
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	sweep, err := j.RunOnce(ctx)
	if err != nil {
		j.Logger.Error("janitor sweep failed", "error", err)
		return
	}
	if sweep.Total() > 0 {
		j.Logger.Info("janitor sweep", "plans", sweep.Plans, "approvals", sweep.Approvals, "locks", sweep.Locks)
	}
}

// RunOnce expires everything past its deadline as of now.
func (j *Janitor) RunOnce(ctx context.Context) (Sweep, error) {
	if j.Store == nil {
		return Sweep{}, errors.New("store required")
	}
	j.defaults()
	now := j.Now().UTC()
	j.last = now
	var (
		out Sweep
		err error
	)
	if out.Plans, err = j.Store.ExpirePlans(ctx, now); err != nil {
		return out, fmt.Errorf("expire plans: %w", err)
	}
	metrics.JanitorSweptTotal.WithLabelValues("plans").Add(float64(out.Plans))
	if out.Approvals, err = j.Store.ExpireApprovals(ctx, now); err != nil {
		return out, fmt.Errorf("expire approvals: %w", err)
	}
	metrics.JanitorSweptTotal.WithLabelValues("approvals").Add(float64(out.Approvals))
	if out.Locks, err = j.Store.ExpireLocks(ctx, now); err != nil {
		return out, fmt.Errorf("expire locks: %w", err)
	}
	metrics.JanitorSweptTotal.WithLabelValues("locks").Add(float64(out.Locks))
	return out, nil
}
