package ksession

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectCallbacks are the session-level operations the Supervisor
// drives; Session wires these to its Transport, AuthFSM, Correlator, and
// Registry without the Supervisor needing to know their concrete types.
type ReconnectCallbacks struct {
	// FailPending fails every pending request with ErrTransportLost
	// (spec.md §4.10 step 1).
	FailPending func()
	// Reopen establishes a fresh transport and drives auth back to
	// Ready (step 4). A non-retriable auth failure should be returned
	// wrapped so isRetriableAuthError can classify it.
	Reopen func(ctx context.Context) error
	// RefreshSnapshots re-fetches the symbols catalog, account info,
	// open positions, and working orders, emitting them as model
	// events (step 5). Never resends non-idempotent trading requests.
	RefreshSnapshots func(ctx context.Context) error
	// RearmSubscriptions asks the Registry to rearm all live
	// subscriptions (step 6).
	RearmSubscriptions func()
}

// Supervisor implements spec.md §4.10's reconnect loop. Grounded on
// alpacahq-alpaca-trade-api-go's marketdata-stream-client reconnect
// supervisor (exponential backoff with jitter around a dial+resubscribe
// cycle) and rotationalio-go-ensign's subscriber backoff loop, both
// adapted from a pull-based retry helper to cenkalti/backoff/v4's
// push-style BackOff interface, since that is the backoff library
// actually present in this pack family.
type Supervisor struct {
	callbacks   ReconnectCallbacks
	hooks       *HookBus
	logger      Logger
	metrics     *Metrics
	baseDelay   time.Duration
	capDelay    time.Duration
	maxAttempts int // 0 = unlimited
}

// NewSupervisor constructs a Supervisor. baseDelay/capDelay/maxAttempts
// default to spec.md §4.10's values (500ms base, 30s cap, unlimited)
// when zero.
func NewSupervisor(callbacks ReconnectCallbacks, hooks *HookBus, logger Logger, metrics *Metrics, baseDelay, capDelay time.Duration, maxAttempts int) *Supervisor {
	if baseDelay <= 0 {
		baseDelay = time.Duration(defaultReconnectBackoffBaseMs) * time.Millisecond
	}
	if capDelay <= 0 {
		capDelay = time.Duration(defaultReconnectBackoffCapMs) * time.Millisecond
	}
	return &Supervisor{
		callbacks:   callbacks,
		hooks:       hooks,
		logger:      logger,
		metrics:     metrics,
		baseDelay:   baseDelay,
		capDelay:    capDelay,
		maxAttempts: maxAttempts,
	}
}

func (s *Supervisor) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseDelay
	b.Multiplier = 2
	b.MaxInterval = s.capDelay
	b.MaxElapsedTime = 0 // the Supervisor enforces maxAttempts itself
	// cenkalti/backoff's default RandomizationFactor is 0.5; spec.md
	// calls for +-20% jitter, so tighten it to match.
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Run drives one full reconnect cycle to completion: it does not return
// until the session is Ready again, ctx is cancelled, maxAttempts is
// exhausted, or Reopen fails with a non-retriable error (in the last two
// cases it returns a non-nil error and the caller should mark the session
// Fatal).
func (s *Supervisor) Run(ctx context.Context) error {
	s.callbacks.FailPending()

	b := backoff.WithContext(s.newBackoff(), ctx)
	attempt := 0
	for {
		attempt++
		if s.maxAttempts > 0 && attempt > s.maxAttempts {
			err := &ProtocolError{Reason: "reconnect attempts exhausted"}
			if s.hooks != nil {
				s.hooks.FireReconnectFatal(err)
			}
			return err
		}

		if s.hooks != nil {
			s.hooks.FireReconnectAttempt(attempt)
		}
		if s.metrics != nil {
			s.metrics.ReconnectAttempts.Inc()
		}
		if s.logger.Level() >= LogLevelInfo {
			s.logger.Log(LogLevelInfo, "reconnect attempt", "attempt", attempt)
		}

		err := s.callbacks.Reopen(ctx)
		if err == nil {
			if refreshErr := s.callbacks.RefreshSnapshots(ctx); refreshErr != nil {
				if s.logger.Level() >= LogLevelWarn {
					s.logger.Log(LogLevelWarn, "snapshot refresh failed after reconnect", "err", refreshErr)
				}
			}
			s.callbacks.RearmSubscriptions()

			if s.hooks != nil {
				s.hooks.FireReconnectSuccess(attempt)
			}
			if s.metrics != nil {
				s.metrics.ReconnectSuccess.Inc()
			}
			return nil
		}

		if !isRetriableAuthError(err) {
			if s.hooks != nil {
				s.hooks.FireReconnectFatal(err)
			}
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if s.hooks != nil {
				s.hooks.FireReconnectFatal(err)
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
