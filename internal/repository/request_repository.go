package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/database"
)

// RequestRepository manages request revisions and their funding and
// expenditure lines. A new revision and the superseding of the prior current
// revision are always written in one transaction.
type RequestRepository struct {
	db        *database.DB
	employees *EmployeeRepository
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB, employees *EmployeeRepository) *RequestRepository {
	return &RequestRepository{db: db, employees: employees}
}

// CreateRevision inserts a new revision with its funding and expenditure
// lines, upserts the submitting employee and flips any prior current revision
// of the same request to not-current — all in one transaction. Returns the
// generated revision id.
func (r *RequestRepository) CreateRevision(ctx context.Context, rev *RequestRevision) (int64, error) {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.employees.UpsertInTx(ctx, tx, rev.Employee); err != nil {
			return err
		}

		// At most one current revision per request.
		_, err := tx.Exec(ctx, `
			UPDATE request_revisions
			SET is_current = FALSE, updated_at = NOW()
			WHERE request_id = $1 AND is_current
		`, rev.RequestID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to supersede prior revision")
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO request_revisions
			    (request_id, employee_kerberos, approval_status,
			     is_current, no_expenditures)
			VALUES ($1, $2, $3::approval_status, TRUE, $4)
			RETURNING revision_id, created_at, updated_at
		`,
			rev.RequestID,
			rev.EmployeeKerberos,
			rev.Status,
			rev.NoExpenditures,
		).Scan(&rev.RevisionID, &rev.CreatedAt, &rev.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert revision")
		}

		for _, fs := range rev.FundingSources {
			fs.RevisionID = rev.RevisionID
			err := tx.QueryRow(ctx, `
				INSERT INTO revision_funding_sources
				    (revision_id, funding_source_id, amount_cents, description)
				VALUES ($1, $2, $3, $4)
				RETURNING revision_funding_source_id
			`,
				fs.RevisionID,
				fs.FundingSourceID,
				fs.AmountCents,
				fs.Description,
			).Scan(&fs.ID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert funding source line")
			}
		}

		for _, ex := range rev.Expenditures {
			ex.RevisionID = rev.RevisionID
			err := tx.QueryRow(ctx, `
				INSERT INTO revision_expenditures
				    (revision_id, expenditure_option_id, amount_cents)
				VALUES ($1, $2, $3)
				RETURNING revision_expenditure_id
			`,
				ex.RevisionID,
				ex.ExpenditureOptionID,
				ex.AmountCents,
			).Scan(&ex.ID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert expenditure line")
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev.RevisionID, nil
}

const revisionColumns = `
	revision_id, request_id, employee_kerberos, approval_status,
	is_current, no_expenditures, submitted_at, created_at, updated_at
`

// GetRevisionByID returns one revision hydrated with its funding sources,
// expenditures and employee record.
func (r *RequestRepository) GetRevisionByID(ctx context.Context, revisionID int64) (*RequestRevision, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM request_revisions WHERE revision_id = $1`,
		revisionID,
	)
	rev, err := r.scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeNotFound, "revision not found")
	}
	if err != nil {
		return nil, err
	}
	return rev, r.hydrate(ctx, rev)
}

// GetCurrentRevision returns the current revision of a request.
func (r *RequestRepository) GetCurrentRevision(ctx context.Context, requestID string) (*RequestRevision, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM request_revisions WHERE request_id = $1 AND is_current`,
		requestID,
	)
	rev, err := r.scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("request", requestID)
	}
	if err != nil {
		return nil, err
	}
	return rev, r.hydrate(ctx, rev)
}

// ListCurrentRevisions returns current revisions filtered by optional status
// and submitter, newest first.
func (r *RequestRepository) ListCurrentRevisions(ctx context.Context, status *Status, kerberos *string) ([]*RequestRevision, error) {
	conds := []database.Condition{database.Eq("is_current", true)}
	if status != nil {
		conds = append(conds, database.Eq("approval_status", string(*status)))
	}
	if kerberos != nil {
		conds = append(conds, database.Eq("employee_kerberos", *kerberos))
	}
	where, args := database.BuildClause(1, " AND ", conds...)

	rows, err := r.db.Query(ctx,
		`SELECT `+revisionColumns+` FROM request_revisions WHERE `+where+` ORDER BY created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list revisions")
	}
	defer rows.Close()

	var revs []*RequestRevision
	for rows.Next() {
		rev, err := r.scanRevision(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan revision")
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// ── hydration ────────────────────────────────────────────────────────────────

func (r *RequestRepository) hydrate(ctx context.Context, rev *RequestRevision) error {
	funding, err := r.fundingForRevision(ctx, rev.RevisionID)
	if err != nil {
		return err
	}
	rev.FundingSources = funding

	expenditures, err := r.expendituresForRevision(ctx, rev.RevisionID)
	if err != nil {
		return err
	}
	rev.Expenditures = expenditures

	emp, err := r.employees.GetByKerberos(ctx, rev.EmployeeKerberos)
	if err != nil {
		return err
	}
	rev.Employee = emp
	return nil
}

func (r *RequestRepository) fundingForRevision(ctx context.Context, revisionID int64) ([]*RevisionFundingSource, error) {
	rows, err := r.db.Query(ctx, `
		SELECT revision_funding_source_id, revision_id, funding_source_id,
		       amount_cents, description
		FROM revision_funding_sources
		WHERE revision_id = $1
		ORDER BY revision_funding_source_id ASC
	`, revisionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get funding source lines")
	}
	defer rows.Close()

	var lines []*RevisionFundingSource
	for rows.Next() {
		fs := &RevisionFundingSource{}
		if err := rows.Scan(&fs.ID, &fs.RevisionID, &fs.FundingSourceID, &fs.AmountCents, &fs.Description); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan funding source line")
		}
		lines = append(lines, fs)
	}
	return lines, nil
}

func (r *RequestRepository) expendituresForRevision(ctx context.Context, revisionID int64) ([]*RevisionExpenditure, error) {
	rows, err := r.db.Query(ctx, `
		SELECT revision_expenditure_id, revision_id, expenditure_option_id, amount_cents
		FROM revision_expenditures
		WHERE revision_id = $1
		ORDER BY revision_expenditure_id ASC
	`, revisionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get expenditure lines")
	}
	defer rows.Close()

	var lines []*RevisionExpenditure
	for rows.Next() {
		ex := &RevisionExpenditure{}
		if err := rows.Scan(&ex.ID, &ex.RevisionID, &ex.ExpenditureOptionID, &ex.AmountCents); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan expenditure line")
		}
		lines = append(lines, ex)
	}
	return lines, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type revisionScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRevision(row revisionScanner) (*RequestRevision, error) {
	rev := &RequestRevision{}
	err := row.Scan(
		&rev.RevisionID,
		&rev.RequestID,
		&rev.EmployeeKerberos,
		&rev.Status,
		&rev.IsCurrent,
		&rev.NoExpenditures,
		&rev.SubmittedAt,
		&rev.CreatedAt,
		&rev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rev, nil
}
