package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

const apiKeyPrefix = "fm_"

// CreateAPIKey mints a key bound to an actor identity. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorType domain.ActorType, actorID, name, createdBy string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" || !actorType.Valid() {
		return domain.APIKey{}, "", fmt.Errorf("%w: actor type and id required", ErrInvalidInput)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorType: actorType,
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.ts(),
	}
	if createdBy == "" {
		createdBy = SystemActorID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyCreated, events.EntityAPIKey, key.ID, createdBy, events.EventPayload{
		"actor_type": key.ActorType, "actor_id": key.ActorID, "name": key.Name,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if actorID == "" {
		actorID = SystemActorID
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyRevoked, events.EntityAPIKey, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveAPIKey returns the identity a plaintext key is bound to.
func (e Engine) ResolveAPIKey(ctx context.Context, plain string) (domain.APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return domain.APIKey{}, repo.ErrNotFound
	}
	return e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
}
