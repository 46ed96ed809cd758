package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"foreman/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when one is open, otherwise against the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func statusPtr(v sql.NullString) *domain.Status {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := domain.Status(v.String)
	return &s
}

func nullableStatus(v *domain.Status) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func marshalArtifacts(a domain.Artifacts) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(data), nil
}

func unmarshalArtifacts(raw sql.NullString) (domain.Artifacts, error) {
	var a domain.Artifacts
	if !raw.Valid || raw.String == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &a); err != nil {
		return a, fmt.Errorf("decode artifacts: %w", err)
	}
	return a, nil
}
