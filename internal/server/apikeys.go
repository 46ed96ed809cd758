package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
)

type CreateAPIKeyRequest struct {
	ActorType domain.ActorType `json:"actor_type" enum:"AGENT,HUMAN,SYSTEM"`
	ActorID   string           `json:"actor_id" minLength:"1"`
	Name      string           `json:"name,omitempty"`
}

// CreatedAPIKey is the only response that carries the plaintext key.
type CreatedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key for an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKey `json:"body"`
	}, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := e.CreateAPIKey(ctx, input.Body.ActorType, input.Body.ActorID, input.Body.Name, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKey `json:"body"`
		}{Body: CreatedAPIKey{APIKey: key, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := requireOperator(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNil(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
