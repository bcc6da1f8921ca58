// File: internal/infra/effects/relay.go
package effects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"entitlement-service/internal/config"
	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/metrics"
	"entitlement-service/internal/infra/worker"
)

var _ adapter.EffectWaker = (*Relay)(nil)

// Handler runs one effect. Returning an error wrapping domain.ErrNotFound or
// domain.ErrInvalidArgument marks the effect dead without further retries.
type Handler interface {
	Handle(ctx context.Context, e *model.Effect) error
}

type HandlerFunc func(ctx context.Context, e *model.Effect) error

func (f HandlerFunc) Handle(ctx context.Context, e *model.Effect) error { return f(ctx, e) }

const maxBackoff = time.Hour

// Relay moves due outbox rows to the worker pool. It polls on a ticker and
// also drains immediately after Wake.
type Relay struct {
	outbox   repository.OutboxRepository
	pool     *worker.Pool
	handlers map[model.EffectKind]Handler
	cfg      config.EffectsConfig
	lease    time.Duration
	wake     chan struct{}
	log      *zerolog.Logger
	now      func() time.Time
}

func NewRelay(outbox repository.OutboxRepository, pool *worker.Pool, cfg config.EffectsConfig, logger *zerolog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	lease := 10 * cfg.PollInterval
	if lease < time.Minute {
		lease = time.Minute
	}
	l := logger.With().Str("component", "effect_relay").Logger()
	return &Relay{
		outbox:   outbox,
		pool:     pool,
		handlers: make(map[model.EffectKind]Handler),
		cfg:      cfg,
		lease:    lease,
		wake:     make(chan struct{}, 1),
		log:      &l,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds h to kind. Must be called before Run.
func (r *Relay) Register(kind model.EffectKind, h Handler) {
	r.handlers[kind] = h
}

// Wake asks the relay to drain now. It never blocks; wakes while a drain is
// pending collapse into one.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains due effects until ctx is done. Effects still queued in the pool
// at shutdown keep their lease and are claimed again after it expires.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info().Int("workers", r.pool.Size()).Dur("poll", r.cfg.PollInterval).Msg("effect relay started")
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("drain failed")
		}
		select {
		case <-ctx.Done():
			r.log.Info().Msg("effect relay stopped")
			return nil
		case <-t.C:
		case <-r.wake:
		}
	}
}

// Drain claims due effects batch by batch and hands them to the pool. It
// returns the number of effects submitted.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	submitted := 0
	for {
		batch, err := r.outbox.ClaimDue(ctx, r.now(), r.lease, r.cfg.BatchSize)
		if err != nil {
			return submitted, fmt.Errorf("claim due effects: %w", err)
		}
		for _, e := range batch {
			e := e
			task := func(ctx context.Context) error {
				r.Dispatch(ctx, e)
				return nil
			}
			if err := r.pool.SubmitWait(ctx, task); err != nil {
				return submitted, err
			}
			submitted++
		}
		if len(batch) < r.cfg.BatchSize {
			return submitted, nil
		}
	}
}

// Dispatch runs the handler for e and records the result in the outbox.
func (r *Relay) Dispatch(ctx context.Context, e *model.Effect) {
	log := r.log.With().Str("effect_id", e.ID).Str("kind", string(e.Kind)).Str("user_id", e.UserID).Logger()

	h, ok := r.handlers[e.Kind]
	var err error
	if !ok {
		err = fmt.Errorf("no handler for effect kind %q: %w", e.Kind, domain.ErrInvalidArgument)
	} else {
		err = h.Handle(ctx, e)
	}

	if err == nil {
		if mErr := r.outbox.MarkDone(ctx, e.ID); mErr != nil {
			log.Error().Err(mErr).Msg("mark done failed")
		}
		metrics.IncEffect(string(e.Kind), "done")
		log.Debug().Msg("effect done")
		return
	}

	attempts := e.Attempts + 1
	if permanent(err) || attempts >= r.cfg.MaxAttempts {
		if mErr := r.outbox.MarkDead(ctx, e.ID, attempts, err.Error()); mErr != nil {
			log.Error().Err(mErr).Msg("mark dead failed")
		}
		metrics.IncEffect(string(e.Kind), "dead")
		log.Error().Err(err).Int("attempts", attempts).Msg("effect dead")
		return
	}

	next := r.now().Add(model.Backoff(attempts, r.cfg.PollInterval, maxBackoff))
	if mErr := r.outbox.MarkRetry(ctx, e.ID, attempts, next, err.Error()); mErr != nil {
		log.Error().Err(mErr).Msg("mark retry failed")
	}
	metrics.IncEffect(string(e.Kind), "retry")
	log.Warn().Err(err).Int("attempts", attempts).Time("next_attempt_at", next).Msg("effect failed, will retry")
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument)
}
