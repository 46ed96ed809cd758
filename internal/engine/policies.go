package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/policy"
	"foreman/internal/repo"
)

// ResolvedPolicy is the document in force for a scope and where it came
// from. PolicyID is empty when the built-in or seed document applies.
type ResolvedPolicy struct {
	Document policy.Document
	PolicyID string
	Scope    string
	Version  int
}

func validScope(scope string) bool {
	return scope == policy.GlobalScope || domain.TaskType(scope).Valid()
}

// ActivePolicy resolves the document for scope: the scope's active version,
// then the active global version, then the configured seed file, then the
// built-in default.
func (e Engine) ActivePolicy(ctx context.Context, scope string) (ResolvedPolicy, error) {
	return e.activePolicy(ctx, nil, scope)
}

func (e Engine) activePolicy(ctx context.Context, tx *sql.Tx, scope string) (ResolvedPolicy, error) {
	if scope == "" {
		scope = policy.GlobalScope
	}
	if e.policies != nil {
		if p, ok := e.policies.Get(scope); ok {
			return p, nil
		}
	}
	scopes := []string{scope}
	if scope != policy.GlobalScope {
		scopes = append(scopes, policy.GlobalScope)
	}
	var res ResolvedPolicy
	found := false
	for _, sc := range scopes {
		rec, err := e.Repo.ActivePolicy(ctx, tx, sc)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		doc, err := policy.FromJSON(rec.Document)
		if err != nil {
			return res, fmt.Errorf("policy %s: %w", rec.ID, err)
		}
		res = ResolvedPolicy{Document: doc, PolicyID: rec.ID, Scope: rec.Scope, Version: rec.Version}
		found = true
		break
	}
	if !found {
		doc, err := e.seedPolicy()
		if err != nil {
			return res, err
		}
		res = ResolvedPolicy{Document: doc, Scope: policy.GlobalScope}
	}
	if e.policies != nil {
		e.policies.SetWithTTL(scope, res, 1, e.Config.Engine.PolicyCacheTTL)
		e.policies.Wait()
	}
	return res, nil
}

func (e Engine) seedPolicy() (policy.Document, error) {
	if e.Config == nil || e.Config.Engine.PolicyFile == "" {
		return policy.Default(), nil
	}
	data, err := os.ReadFile(e.Config.Engine.PolicyFile)
	if err != nil {
		return policy.Document{}, fmt.Errorf("read policy seed: %w", err)
	}
	return policy.FromYAML(data)
}

func (e Engine) invalidatePolicies() {
	if e.policies != nil {
		e.policies.Clear()
	}
}

// PolicyCreateOptions are parameters for storing a new policy version.
type PolicyCreateOptions struct {
	Scope    string
	Document policy.Document
	Activate bool
	ActorID  string
}

// CreatePolicy stores the next version for a scope. Activating it retires
// the scope's previous active version in the same transaction.
func (e Engine) CreatePolicy(ctx context.Context, opts PolicyCreateOptions) (domain.PolicyRecord, error) {
	if opts.Scope == "" {
		opts.Scope = policy.GlobalScope
	}
	if !validScope(opts.Scope) {
		return domain.PolicyRecord{}, fmt.Errorf("%w: unknown policy scope %q", ErrInvalidInput, opts.Scope)
	}
	if opts.ActorID == "" {
		return domain.PolicyRecord{}, fmt.Errorf("%w: actor id required", ErrInvalidInput)
	}
	if err := opts.Document.Validate(); err != nil {
		return domain.PolicyRecord{}, err
	}
	raw, err := opts.Document.JSON()
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	defer tx.Rollback()

	version, err := e.Repo.MaxPolicyVersion(ctx, tx, opts.Scope)
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	now := e.ts()
	rec := domain.PolicyRecord{
		ID:        uuid.NewString(),
		Scope:     opts.Scope,
		Version:   version + 1,
		Active:    opts.Activate,
		Document:  raw,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
	}
	if opts.Activate {
		if err := e.Repo.DeactivateScope(ctx, tx, opts.Scope, now); err != nil {
			return domain.PolicyRecord{}, fmt.Errorf("deactivate previous policy: %w", err)
		}
	}
	if err := e.Repo.InsertPolicy(ctx, tx, rec); err != nil {
		return domain.PolicyRecord{}, fmt.Errorf("insert policy: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.PolicyCreated, events.EntityPolicy, rec.ID, opts.ActorID, events.EventPayload{
		"scope": rec.Scope, "version": rec.Version, "active": rec.Active,
	}); err != nil {
		return domain.PolicyRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PolicyRecord{}, err
	}
	e.invalidatePolicies()
	return rec, nil
}

// ActivatePolicy makes a stored version the active one for its scope.
func (e Engine) ActivatePolicy(ctx context.Context, id, actorID string) (domain.PolicyRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetPolicy(ctx, tx, id)
	if err != nil {
		return rec, err
	}
	if rec.Active {
		return rec, nil
	}
	now := e.ts()
	if err := e.Repo.DeactivateScope(ctx, tx, rec.Scope, now); err != nil {
		return rec, err
	}
	if err := e.Repo.ActivatePolicy(ctx, tx, id); err != nil {
		return rec, err
	}
	if err := e.appendEvent(ctx, tx, events.PolicyActivated, events.EntityPolicy, rec.ID, actorID, events.EventPayload{
		"scope": rec.Scope, "version": rec.Version, "active": true,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	e.invalidatePolicies()
	rec.Active = true
	rec.DeactivatedAt = nil
	return rec, nil
}

// DeactivatePolicy retires a version. The scope then falls back to the
// global document or the built-in default.
func (e Engine) DeactivatePolicy(ctx context.Context, id, actorID string) (domain.PolicyRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetPolicy(ctx, tx, id)
	if err != nil {
		return rec, err
	}
	changed, err := e.Repo.DeactivatePolicy(ctx, tx, id, e.ts())
	if err != nil {
		return rec, err
	}
	if changed {
		if err := e.appendEvent(ctx, tx, events.PolicyDeactivated, events.EntityPolicy, id, actorID, events.EventPayload{
			"scope": rec.Scope, "version": rec.Version,
		}); err != nil {
			return rec, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	e.invalidatePolicies()
	return e.Repo.GetPolicy(ctx, nil, id)
}

func (e Engine) ListPolicies(ctx context.Context, scope string) ([]domain.PolicyRecord, error) {
	return e.Repo.ListPolicies(ctx, nil, scope)
}

// EvaluateAction is a dry run of the policy engine for scope. An agent's
// remaining daily budget is filled in from the registry when not given.
func (e Engine) EvaluateAction(ctx context.Context, scope string, actor policy.Actor, action policy.Action) (policy.Decision, error) {
	if action == nil {
		return policy.Decision{}, fmt.Errorf("%w: action required", ErrInvalidInput)
	}
	resolved, err := e.ActivePolicy(ctx, scope)
	if err != nil {
		return policy.Decision{}, err
	}
	if actor.Type == domain.ActorAgent && actor.RemainingBudgetUSD == nil && actor.ID != "" {
		agent, err := e.Repo.GetAgent(ctx, nil, actor.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return policy.Decision{}, err
		}
		if err == nil {
			actor.RemainingBudgetUSD = e.remainingBudget(agent)
		}
	}
	return e.evaluate(ctx, resolved.Document, actor, action), nil
}

// evaluate runs the policy and counts the decision under the action's kind.
func (e Engine) evaluate(ctx context.Context, doc policy.Document, actor policy.Actor, action policy.Action) policy.Decision {
	d := policy.Evaluate(doc, actor, action)
	e.Metrics.PolicyDecision(ctx, policy.Kind(action), string(d.Verdict), string(d.Risk))
	return d
}
