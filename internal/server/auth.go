package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"foreman/internal/domain"
	"foreman/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	// AllowActorHeader trusts X-Actor-Id / X-Actor-Type without credentials.
	// Local development only.
	AllowActorHeader bool
}

// Principal is the authenticated caller. Every governed operation runs as
// this actor.
type Principal struct {
	ActorType domain.ActorType `json:"actor_type"`
	ActorID   string           `json:"actor_id"`
	Source    string           `json:"source"`
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requireOperator admits HUMAN and SYSTEM callers.
func requireOperator(ctx context.Context) (Principal, huma.StatusError) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return p, err
	}
	if p.ActorType == domain.ActorAgent {
		return p, newAPIError(http.StatusForbidden, "forbidden", "operation requires a human or system actor", nil)
	}
	return p, nil
}

// requireSelfOrOperator admits the agent itself or any operator.
func requireSelfOrOperator(ctx context.Context, agentID string) (Principal, huma.StatusError) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return p, err
	}
	if p.ActorType == domain.ActorAgent && p.ActorID != agentID {
		return p, newAPIError(http.StatusForbidden, "forbidden", "agents may only act as themselves", map[string]any{"agent_id": agentID})
	}
	return p, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	ActorType string `json:"actor_type,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	actorType := domain.ActorType(strings.ToUpper(claims.ActorType))
	if actorType == "" {
		actorType = domain.ActorHuman
	}
	if !actorType.Valid() {
		return Principal{}, errors.New("unknown actor_type claim")
	}
	return Principal{ActorType: actorType, ActorID: claims.Subject, Source: "jwt"}, nil
}

// SignToken mints an HS256 bearer token for an actor.
func SignToken(secret string, actorType domain.ActorType, actorID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if !actorType.Valid() || actorID == "" {
		return "", errors.New("actor type and id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "foreman",
		},
		ActorType: string(actorType),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	apiKey, err := e.ResolveAPIKey(ctx, key)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorType: apiKey.ActorType, ActorID: apiKey.ActorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine, log zerolog.Logger) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	openAPIPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == openAPIPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			headerActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			var principal Principal
			var err error
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKeyHeader != "":
				principal, err = authenticateAPIKey(req.Context(), e, apiKeyHeader)
			case headerActor != "" && cfg.AllowActorHeader:
				actorType := domain.ActorType(strings.ToUpper(strings.TrimSpace(req.Header.Get("X-Actor-Type"))))
				if actorType == "" {
					actorType = domain.ActorHuman
				}
				if !actorType.Valid() {
					err = errors.New("unknown X-Actor-Type")
					break
				}
				log.Warn().Str("actor_id", headerActor).Msg("unauthenticated actor header accepted")
				principal = Principal{ActorType: actorType, ActorID: headerActor, Source: "header"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				log.Debug().Err(err).Msg("rejected credentials")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
