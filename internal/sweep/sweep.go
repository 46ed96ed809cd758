// Package sweep runs the scheduled jobs that turn elapsed time into state:
// approval expiry, the daily spend reset and heartbeat timeouts.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"foreman/internal/config"
	"foreman/internal/engine"
	"foreman/internal/telemetry"
)

type Sweeper struct {
	Engine            engine.Engine
	ApprovalInterval  time.Duration
	SpendInterval     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Log               zerolog.Logger
}

func New(e engine.Engine, cfg *config.Config, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Engine:            e,
		ApprovalInterval:  cfg.Sweep.ApprovalInterval,
		SpendInterval:     cfg.Sweep.SpendInterval,
		HeartbeatInterval: cfg.Sweep.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Sweep.HeartbeatTimeout,
		Log:               log,
	}
}

// Report summarizes one pass over every job.
type Report struct {
	Expired    int      `json:"approvals_expired"`
	SpendReset int64    `json:"agents_spend_reset"`
	Offline    []string `json:"agents_offline"`
}

// RunOnce runs each job a single time.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var r Report
	var err error
	if r.Expired, err = s.Engine.ExpireStale(ctx); err != nil {
		return r, err
	}
	if r.SpendReset, err = s.resetSpend(ctx); err != nil {
		return r, err
	}
	if s.HeartbeatTimeout > 0 {
		if r.Offline, err = s.markStale(ctx); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (s *Sweeper) resetSpend(ctx context.Context) (int64, error) {
	ctx, span := telemetry.StartSweepSpan(ctx, "spend.reset")
	defer span.End()
	n, err := s.Engine.ResetDailySpend(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if n > 0 {
		s.Log.Info().Int64("agents", n).Msg("daily spend reset")
	}
	return n, nil
}

func (s *Sweeper) markStale(ctx context.Context) ([]string, error) {
	ctx, span := telemetry.StartSweepSpan(ctx, "agents.heartbeat")
	defer span.End()
	now := time.Now()
	if s.Engine.Now != nil {
		now = s.Engine.Now()
	}
	ids, err := s.Engine.MarkStaleAgents(ctx, now.Add(-s.HeartbeatTimeout))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, id := range ids {
		s.Log.Warn().Str("agent_id", id).Msg("agent missed heartbeat, marked offline")
	}
	return ids, nil
}

// Run starts one loop per job and blocks until ctx is canceled. Job errors
// are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(ctx, "approvals", s.ApprovalInterval, func(ctx context.Context) error {
			_, err := s.Engine.ExpireStale(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, "spend", s.SpendInterval, func(ctx context.Context) error {
			_, err := s.resetSpend(ctx)
			return err
		})
		return nil
	})
	if s.HeartbeatTimeout > 0 {
		g.Go(func() error {
			s.every(ctx, "heartbeat", s.HeartbeatInterval, func(ctx context.Context) error {
				_, err := s.markStale(ctx)
				return err
			})
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) every(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil && ctx.Err() == nil {
				s.Log.Error().Err(err).Str("job", name).Msg("sweep failed")
			}
		}
	}
}
