package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

const policyColumns = `id,scope,version,active,document_json,created_by,created_at,deactivated_at`

func scanPolicy(row rowScanner) (domain.PolicyRecord, error) {
	var p domain.PolicyRecord
	var doc string
	var active int
	var deactivated sql.NullString
	err := row.Scan(&p.ID, &p.Scope, &p.Version, &active, &doc, &p.CreatedBy, &p.CreatedAt, &deactivated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Active = active == 1
	p.Document = []byte(doc)
	p.DeactivatedAt = stringPtr(deactivated)
	return p, nil
}

func (r Repo) InsertPolicy(ctx context.Context, tx *sql.Tx, p domain.PolicyRecord) error {
	active := 0
	if p.Active {
		active = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO policies(`+policyColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Scope, p.Version, active, string(p.Document), p.CreatedBy, p.CreatedAt, nullableStringPtr(p.DeactivatedAt))
	return err
}

func (r Repo) GetPolicy(ctx context.Context, tx *sql.Tx, id string) (domain.PolicyRecord, error) {
	return scanPolicy(r.q(tx).QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=?`, id))
}

// ActivePolicy returns the active document for scope, or ErrNotFound.
func (r Repo) ActivePolicy(ctx context.Context, tx *sql.Tx, scope string) (domain.PolicyRecord, error) {
	return scanPolicy(r.q(tx).QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE scope=? AND active=1`, scope))
}

func (r Repo) MaxPolicyVersion(ctx context.Context, tx *sql.Tx, scope string) (int, error) {
	var v int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM policies WHERE scope=?`, scope).Scan(&v)
	return v, err
}

// DeactivateScope clears the active flag for every document in scope.
func (r Repo) DeactivateScope(ctx context.Context, tx *sql.Tx, scope, at string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE policies SET active=0, deactivated_at=? WHERE scope=? AND active=1`, at, scope)
	return err
}

func (r Repo) DeactivatePolicy(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE policies SET active=0, deactivated_at=? WHERE id=? AND active=1`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ActivatePolicy(ctx context.Context, tx *sql.Tx, id string) error {
	return r.execOne(ctx, tx, `UPDATE policies SET active=1, deactivated_at=NULL WHERE id=?`, id)
}

func (r Repo) ListPolicies(ctx context.Context, tx *sql.Tx, scope string) ([]domain.PolicyRecord, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	var args []any
	if scope != "" {
		query += ` WHERE scope=?`
		args = append(args, scope)
	}
	query += ` ORDER BY scope ASC, version DESC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PolicyRecord
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
