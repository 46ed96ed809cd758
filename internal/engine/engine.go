package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"

	"foreman/internal/config"
	"foreman/internal/engine/auth"
	"foreman/internal/events"
	"foreman/internal/repo"
	"foreman/internal/telemetry"
)

// SystemActorID is recorded for moves the engine makes on its own behalf.
const SystemActorID = "system"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("already exists")
	ErrApprovalNotPending = errors.New("approval is not pending")
	ErrApprovalExpired    = errors.New("approval has expired")
	ErrDeciderRequired    = auth.ErrDeciderRequired
	ErrDependencyCycle    = errors.New("task dependency cycle detected")
)

// PolicyDeniedError reports an operation refused outright by policy.
type PolicyDeniedError struct {
	Rule   string
	Reason string
}

func (e PolicyDeniedError) Error() string {
	return fmt.Sprintf("denied by policy %s: %s", e.Rule, e.Reason)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Metrics *telemetry.Metrics
	Log     zerolog.Logger
	Now     func() time.Time

	policies *ristretto.Cache[string, ResolvedPolicy]
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
	items := cfg.Engine.PolicyCacheItems
	if items > 0 && cfg.Engine.PolicyCacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, ResolvedPolicy]{
			NumCounters: items * 10,
			MaxCost:     items,
			BufferItems: 64,
		})
		if err != nil {
			return Engine{}, fmt.Errorf("policy cache: %w", err)
		}
		e.policies = cache
	}
	return e, nil
}

// Close releases the policy cache.
func (e Engine) Close() {
	if e.policies != nil {
		e.policies.Close()
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func parseTS(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
