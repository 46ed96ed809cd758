package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, domain.ActorAgent, "agent-1", "ci", "alice")
	require.NoError(t, err)
	assert.NotContains(t, key.KeyHash, plain)
	assert.Len(t, env.events(t, events.APIKeyCreated), 1)

	got, err := env.Engine.ResolveAPIKey(env.Ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, domain.ActorAgent, got.ActorType)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "alice"))
	_, err = env.Engine.ResolveAPIKey(env.Ctx, plain)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "alice"), repo.ErrNotFound)
}

func TestCreateAPIKeyRejectsBadActor(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateAPIKey(env.Ctx, "ROBOT", "x", "", "")
	assert.Error(t, err)
	_, _, err = env.Engine.CreateAPIKey(env.Ctx, domain.ActorHuman, " ", "", "")
	assert.Error(t, err)
}
