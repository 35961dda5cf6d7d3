package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sweeper resumes RUNNING and COMPENSATING records whose last update is older
// than a staleness threshold, which is what keeps sagas moving after the
// process driving them died.
//
// The threshold must be longer than the longest time a live driver can go
// without writing, that is the step timeout times the attempts of a step
// plus backoff. Otherwise a slow but healthy saga is claimed away from its
// owner; that is safe, since steps are idempotent, but wasteful.
type Sweeper struct {
	o           *Orchestrator
	interval    time.Duration
	staleAfter  time.Duration
	concurrency int
	now         func() time.Time
	log         zerolog.Logger
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.staleAfter = d }
}

// WithSweepConcurrency bounds how many stale sagas are driven at once.
func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) { s.concurrency = n }
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(o *Orchestrator, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		o:           o,
		interval:    30 * time.Second,
		staleAfter:  DefaultClaimAfter,
		concurrency: 4,
		now:         o.now,
		log:         o.log.With().Str("component", "sweeper").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Stale     int `json:"stale"`
	Resumed   int `json:"resumed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// SweepOnce claims and drives every stale record once. Records driven by
// this worker, or claimed first by another worker, are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.staleAfter)

	var stale []*Record
	for _, status := range []Status{StatusRunning, StatusCompensating} {
		recs, err := s.o.store.FindByStatus(ctx, status)
		if err != nil {
			return report, fmt.Errorf("sweep %s sagas: %w", status, err)
		}
		report.Scanned += len(recs)
		for _, rec := range recs {
			if !rec.UpdatedAt.Before(cutoff) {
				continue
			}
			if s.o.driving(rec.ID) {
				report.Skipped++
				continue
			}
			stale = append(stale, rec)
		}
	}
	report.Stale = len(stale)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.concurrency)
	for _, rec := range stale {
		rec := rec
		g.Go(func() error {
			out, err := s.o.resume(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			log := s.log.With().Str("saga_id", rec.ID).Str("saga_type", string(rec.Type)).Logger()
			switch {
			case errors.Is(err, ErrClaimLost), errors.Is(err, ErrSuperseded):
				report.Skipped++
				log.Debug().Err(err).Msg("stale saga taken by another worker")
			case err != nil:
				report.Errors++
				log.Error().Err(err).Msg("resume of stale saga failed")
			default:
				report.Resumed++
				if out.Status == StatusCompleted {
					report.Completed++
				} else {
					report.Failed++
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		report, err := s.SweepOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Error().Err(err).Msg("recovery sweep failed")
		case report.Stale > 0:
			s.log.Info().Int("stale", report.Stale).Int("resumed", report.Resumed).
				Int("skipped", report.Skipped).Int("errors", report.Errors).Msg("recovery sweep finished")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
