package audit

import (
	"context"
	"database/sql"
)

// SQLRepo stores entries in interaction_logs. Uniqueness of dedupe_key is
// enforced by the table, not by a read-before-write check.
type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Append(ctx context.Context, e Entry) (bool, error) {
	const q = `
INSERT INTO interaction_logs (id, request_id, provider_id, call_id, type, dedupe_key, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (dedupe_key) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		e.ID, e.RequestID, e.ProviderID, e.CallID, string(e.Type), e.DedupeKey, e.Message, e.Metadata, e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLRepo) List(ctx context.Context, requestID string) ([]Entry, error) {
	const q = `
SELECT id, request_id, provider_id, call_id, type, dedupe_key, message, metadata, created_at
FROM interaction_logs
WHERE request_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var typ string
		if err := rows.Scan(
			&e.ID,
			&e.RequestID,
			&e.ProviderID,
			&e.CallID,
			&typ,
			&e.DedupeKey,
			&e.Message,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
