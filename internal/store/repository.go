package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provider-scout/internal/calls"
	"provider-scout/pkg/utils"
)

// SQLStore implements request and provider persistence on database/sql.
//
// Constraints it relies on (see migrations):
// - UNIQUE (request_id, external_ref) on providers
// - UNIQUE call_id on providers
// - call_status_rank guards monotonic status updates
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

// CreateRequest inserts the request and its providers in one transaction.
// Providers repeating an external ref are collapsed into the first one.
func (s *SQLStore) CreateRequest(ctx context.Context, r ServiceRequest, providers []Provider) error {
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const qr = `
INSERT INTO service_requests (id, account_id, title, description, criteria, urgency, location, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
		if _, err := tx.ExecContext(ctx, qr,
			r.ID, r.AccountID, r.Title, r.Description, r.Criteria, string(r.Urgency), r.Location, r.Status, r.CreatedAt, r.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert service request: %w", err)
		}

		const qp = `
INSERT INTO providers (id, request_id, external_ref, name, phone, position, call_status, call_status_rank, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (request_id, external_ref) DO NOTHING
`
		for i, p := range providers {
			if _, err := tx.ExecContext(ctx, qp,
				p.ID, r.ID, p.ExternalRef, p.Name, p.Phone, i, string(calls.StatusQueued), calls.StatusQueued.Rank(), now,
			); err != nil {
				return fmt.Errorf("insert provider: %w", err)
			}
		}
		return nil
	})
}

const requestColumns = `id, account_id, title, description, criteria, urgency, location, status, failure_reason, backend, recommendation, selected_provider_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (ServiceRequest, error) {
	var r ServiceRequest
	var urgency string
	if err := row.Scan(
		&r.ID,
		&r.AccountID,
		&r.Title,
		&r.Description,
		&r.Criteria,
		&urgency,
		&r.Location,
		&r.Status,
		&r.FailureReason,
		&r.Backend,
		&r.Recommendation,
		&r.SelectedProviderID,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, err
	}
	r.Urgency = calls.Urgency(urgency)
	return r, nil
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (ServiceRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`
	return scanRequest(s.db.QueryRowContext(ctx, q, id))
}

// GetRequestForAccount hides requests of other accounts as not found.
func (s *SQLStore) GetRequestForAccount(ctx context.Context, accountID, id string) (ServiceRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM service_requests WHERE account_id = $1 AND id = $2`
	return scanRequest(s.db.QueryRowContext(ctx, q, accountID, id))
}

func (s *SQLStore) ListRequests(ctx context.Context, accountID string, limit int) ([]ServiceRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + requestColumns + ` FROM service_requests WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRequestsByStatus is used by re-check sweeps over stuck requests.
func (s *SQLStore) ListRequestsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]ServiceRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + requestColumns + ` FROM service_requests WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, status, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRequest moves a request from one status to another. It reports
// false when the request was not in from, so two workers can never both
// apply the same transition.
func (s *SQLStore) TransitionRequest(ctx context.Context, id, from, to string, u RequestUpdate) (bool, error) {
	const q = `
UPDATE service_requests
SET status = $3,
    updated_at = $4,
    failure_reason = COALESCE($5, failure_reason),
    backend = COALESCE($6, backend),
    recommendation = COALESCE($7, recommendation),
    selected_provider_id = COALESCE($8, selected_provider_id)
WHERE id = $1 AND status = $2
`
	res, err := s.db.ExecContext(ctx, q,
		id, from, to, s.now().UTC(),
		nullable(u.FailureReason), nullable(u.Backend), nullable(u.Recommendation), nullable(u.SelectedProviderID),
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

func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

const providerColumns = `id, request_id, external_ref, name, phone, position, call_id, call_status, ended_reason, transcript, duration_seconds, cost, analysis, backend, called_at, updated_at`

func scanProvider(row rowScanner) (Provider, error) {
	var (
		p        Provider
		callID   sql.NullString
		status   string
		analysis string
		calledAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID,
		&p.RequestID,
		&p.ExternalRef,
		&p.Name,
		&p.Phone,
		&p.Position,
		&callID,
		&status,
		&p.EndedReason,
		&p.Transcript,
		&p.DurationSeconds,
		&p.Cost,
		&analysis,
		&p.Backend,
		&calledAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, err
	}
	p.CallID = callID.String
	p.CallStatus = calls.Status(status)
	if calledAt.Valid {
		t := calledAt.Time
		p.CalledAt = &t
	}
	if analysis != "" {
		if err := json.Unmarshal([]byte(analysis), &p.Analysis); err != nil {
			return Provider{}, fmt.Errorf("decode analysis for provider %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func (s *SQLStore) ListProviders(ctx context.Context, requestID string) ([]Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers WHERE request_id = $1 ORDER BY position`
	rows, err := s.db.QueryContext(ctx, q, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetProvider(ctx context.Context, id string) (Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	return scanProvider(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) ProviderByCallID(ctx context.Context, callID string) (Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers WHERE call_id = $1`
	return scanProvider(s.db.QueryRowContext(ctx, q, callID))
}

// BindCall records the platform call id for a provider as soon as the call
// is created. The status moves to ringing unless a result got there first.
func (s *SQLStore) BindCall(ctx context.Context, providerID, callID, backend string) error {
	const q = `
UPDATE providers
SET call_id = $2,
    backend = $3,
    called_at = COALESCE(called_at, $4),
    updated_at = $4,
    call_status = CASE WHEN call_status_rank < $5 THEN $6 ELSE call_status END,
    call_status_rank = CASE WHEN call_status_rank < $5 THEN $5 ELSE call_status_rank END
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, providerID, callID, backend, s.now().UTC(), calls.StatusRinging.Rank(), string(calls.StatusRinging))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyResult writes a call result to its provider if the result's status
// outranks the stored one, or matches it below the final outcome rank. It
// reports whether the row changed. Status never regresses: a late partial
// update after a terminal result, or a synthetic timeout after a real
// outcome, is dropped here. A final outcome is written once; a second
// final outcome for the same provider is dropped.
func (s *SQLStore) ApplyResult(ctx context.Context, providerID string, r calls.CallResult) (bool, error) {
	rank := r.Status.Rank()
	if rank < 0 {
		return false, fmt.Errorf("store: unknown call status %q", r.Status)
	}
	analysis, err := json.Marshal(r.Analysis)
	if err != nil {
		return false, err
	}
	const q = `
UPDATE providers
SET call_id = COALESCE($2, call_id),
    call_status = $3,
    call_status_rank = $4,
    ended_reason = $5,
    transcript = $6,
    duration_seconds = $7,
    cost = $8,
    analysis = $9,
    backend = CASE WHEN $10 = '' THEN backend ELSE $10 END,
    called_at = COALESCE(called_at, $11),
    updated_at = $11
WHERE id = $1 AND (call_status_rank < $4 OR (call_status_rank = $4 AND $4 < $12))
`
	res, err := s.db.ExecContext(ctx, q,
		providerID,
		nullString(r.CallID),
		string(r.Status),
		rank,
		r.EndedReason,
		r.Transcript,
		r.DurationSeconds,
		r.Cost,
		string(analysis),
		r.Backend,
		s.now().UTC(),
		calls.StatusCompleted.Rank(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicate
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
