package repositories

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"imageflow/realtime/internal/config"
	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/utils"
)

// Directory is the session directory contract consumed at join time.
type Directory interface {
	GetActiveSession(ctx context.Context, sessionID string) (*models.SessionMetadata, error)
	UpsertParticipant(ctx context.Context, sessionID, userID, cursorColor string) error
}

// GuardedDirectory fails fast while the backing store is unhealthy. A missing
// session is an answer, not a failure, and never trips the breaker.
type GuardedDirectory struct {
	inner Directory
	cb    *gobreaker.CircuitBreaker
}

func NewGuardedDirectory(inner Directory, cfg config.BreakerConfig, log *utils.Logger) *GuardedDirectory {
	if log == nil {
		log = utils.NewNopLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "session-directory",
		Timeout: cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, context.Canceled)
		},
	})
	return &GuardedDirectory{inner: inner, cb: cb}
}

func (g *GuardedDirectory) GetActiveSession(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.GetActiveSession(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.SessionMetadata), nil
}

func (g *GuardedDirectory) UpsertParticipant(ctx context.Context, sessionID, userID, cursorColor string) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.UpsertParticipant(ctx, sessionID, userID, cursorColor)
	})
	return err
}

func (g *GuardedDirectory) State() gobreaker.State { return g.cb.State() }
