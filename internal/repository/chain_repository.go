package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/database"
)

// ChainRepository writes and reads approval chain link history. Every state
// transition is one transaction: link writes and the revision status update
// commit together or not at all.
type ChainRepository struct {
	db *database.DB
}

// NewChainRepository creates a new ChainRepository.
func NewChainRepository(db *database.DB) *ChainRepository {
	return &ChainRepository{db: db}
}

// ChainLinkInsert describes one link to create during a transition.
type ChainLinkInsert struct {
	ApproverOrder    int
	Action           Action
	EmployeeKerberos string
	Comments         *string
	ApproverTypeIDs  []int64
}

// ResolveLinkParams describes the in-place resolution of a pending link.
type ResolveLinkParams struct {
	LinkID      int64
	RevisionID  int64
	Action      Action // approve, approve-with-changes or deny
	Comments    *string
	FundChanges map[string]FundChange
	// AmountUpdates maps revision funding source row ids to their new
	// amounts; only rows whose amount actually changed appear here.
	AmountUpdates map[int64]int64
}

// PendingApproval is a pending chain link joined with its request context,
// used for approver work queues and reminder sweeps.
type PendingApproval struct {
	Link              *ChainLink
	RequestID         string
	SubmitterKerberos string
}

// WriteSubmission transitions a draft revision to finalStatus and records the
// full chain in one transaction: the submitter's order-0 submit link followed
// by one approval-needed link per chain position, each with its approver type
// mappings. Fails with a conflict, writing nothing, when the revision is no
// longer a draft.
func (r *ChainRepository) WriteSubmission(ctx context.Context, revisionID int64, links []ChainLinkInsert, finalStatus Status) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			UPDATE request_revisions
			SET approval_status = $2::approval_status,
			    submitted_at    = NOW(),
			    updated_at      = NOW()
			WHERE revision_id = $1
			  AND approval_status = 'draft'
			RETURNING revision_id
		`, revisionID, finalStatus).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Conflict("only a draft request can be submitted")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to mark revision submitted")
		}

		for _, link := range links {
			if err := r.insertLink(ctx, tx, revisionID, link); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteRequesterAction appends a cancel or recall link at the next approver
// order and moves the revision from one status to another, guarding against
// a concurrent transition having already changed it.
func (r *ChainRepository) WriteRequesterAction(ctx context.Context, revisionID int64, link ChainLinkInsert, from, to Status) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(approver_order), 0) + 1
			FROM approval_chain_links
			WHERE revision_id = $1
		`, revisionID).Scan(&link.ApproverOrder)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to compute approver order")
		}

		if err := r.insertLink(ctx, tx, revisionID, link); err != nil {
			return err
		}

		var id int64
		err = tx.QueryRow(ctx, `
			UPDATE request_revisions
			SET approval_status = $3::approval_status,
			    updated_at      = NOW()
			WHERE revision_id = $1
			  AND approval_status = $2::approval_status
			RETURNING revision_id
		`, revisionID, from, to).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Conflict("request status changed concurrently")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update request status")
		}
		return nil
	})
}

// ResolveLink mutates a pending link in place with the approver's action,
// applies any funding amount changes and advances the revision status in one
// transaction. Returns the resulting status: denied on deny, approved when
// this was the last pending link, submitted otherwise.
func (r *ChainRepository) ResolveLink(ctx context.Context, params ResolveLinkParams) (Status, error) {
	var final Status

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var changesJSON []byte
		if len(params.FundChanges) > 0 {
			var err error
			changesJSON, err = json.Marshal(params.FundChanges)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal fund changes")
			}
		}

		var id int64
		err := tx.QueryRow(ctx, `
			UPDATE approval_chain_links
			SET action       = $2::chain_action,
			    comments     = $3,
			    fund_changes = $4,
			    occurred     = NOW()
			WHERE chain_link_id = $1
			  AND action = 'approval-needed'
			RETURNING chain_link_id
		`, params.LinkID, params.Action, params.Comments, changesJSON).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Conflict("approval link was already resolved")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to resolve chain link")
		}

		for rowID, amount := range params.AmountUpdates {
			tag, err := tx.Exec(ctx, `
				UPDATE revision_funding_sources
				SET amount_cents = $3
				WHERE revision_funding_source_id = $1
				  AND revision_id = $2
			`, rowID, params.RevisionID, amount)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update funding amount")
			}
			if tag.RowsAffected() == 0 {
				return apperrors.InvalidInput("fundingSources", "funding source row does not belong to this revision")
			}
		}

		var remaining int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM approval_chain_links
			WHERE revision_id = $1
			  AND action = 'approval-needed'
		`, params.RevisionID).Scan(&remaining)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to count pending links")
		}

		switch {
		case params.Action == ActionDeny:
			final = StatusDenied
		case remaining > 0:
			final = StatusSubmitted
		default:
			final = StatusApproved
		}

		err = tx.QueryRow(ctx, `
			UPDATE request_revisions
			SET approval_status = $2::approval_status,
			    updated_at      = NOW()
			WHERE revision_id = $1
			  AND approval_status = 'submitted'
			RETURNING revision_id
		`, params.RevisionID, final).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Conflict("request is no longer awaiting approval")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update request status")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

func (r *ChainRepository) insertLink(ctx context.Context, tx pgx.Tx, revisionID int64, link ChainLinkInsert) error {
	var linkID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO approval_chain_links
		    (revision_id, approver_order, action, employee_kerberos, comments, occurred)
		VALUES ($1, $2, $3::chain_action, $4, $5, NOW())
		RETURNING chain_link_id
	`,
		revisionID,
		link.ApproverOrder,
		link.Action,
		link.EmployeeKerberos,
		link.Comments,
	).Scan(&linkID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert chain link")
	}

	for _, typeID := range link.ApproverTypeIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO chain_link_approver_types (chain_link_id, approver_type_id)
			VALUES ($1, $2)
		`, linkID, typeID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert chain link approver type")
		}
	}
	return nil
}

const linkColumns = `
	l.chain_link_id, l.revision_id, l.approver_order, l.action,
	l.employee_kerberos, l.comments, l.fund_changes, l.occurred, l.created_at,
	COALESCE(array_agg(m.approver_type_id) FILTER (WHERE m.approver_type_id IS NOT NULL), '{}')
`

// ListLinks returns every link of a revision in chain order with its approver
// type ids.
func (r *ChainRepository) ListLinks(ctx context.Context, revisionID int64) ([]*ChainLink, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+linkColumns+`
		FROM approval_chain_links l
		LEFT JOIN chain_link_approver_types m ON m.chain_link_id = l.chain_link_id
		WHERE l.revision_id = $1
		GROUP BY l.chain_link_id
		ORDER BY l.approver_order ASC
	`, revisionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list chain links")
	}
	defer rows.Close()

	return r.scanLinks(rows)
}

// ListPendingForApprover returns the pending links a person may act on right
// now: links still marked approval-needed on submitted current revisions,
// where no earlier link is also pending.
func (r *ChainRepository) ListPendingForApprover(ctx context.Context, kerberos string) ([]*PendingApproval, error) {
	return r.listPending(ctx, `
		  AND l.employee_kerberos = $1
	`, kerberos)
}

// ListStalePending returns actionable pending links created before cutoff,
// for the reminder sweep.
func (r *ChainRepository) ListStalePending(ctx context.Context, cutoff time.Time) ([]*PendingApproval, error) {
	return r.listPending(ctx, `
		  AND l.created_at < $1
	`, cutoff)
}

func (r *ChainRepository) listPending(ctx context.Context, extraFilter string, arg any) ([]*PendingApproval, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+linkColumns+`,
		       rr.request_id, rr.employee_kerberos
		FROM approval_chain_links l
		JOIN request_revisions rr ON rr.revision_id = l.revision_id
		LEFT JOIN chain_link_approver_types m ON m.chain_link_id = l.chain_link_id
		WHERE l.action = 'approval-needed'
		  AND rr.is_current
		  AND rr.approval_status = 'submitted'
		  AND l.approver_order = (
		      SELECT MIN(l2.approver_order)
		      FROM approval_chain_links l2
		      WHERE l2.revision_id = l.revision_id
		        AND l2.action = 'approval-needed'
		  )
		`+extraFilter+`
		GROUP BY l.chain_link_id, rr.request_id, rr.employee_kerberos
		ORDER BY l.created_at ASC
	`, arg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var pending []*PendingApproval
	for rows.Next() {
		link := &ChainLink{}
		var changesJSON []byte
		p := &PendingApproval{Link: link}
		err := rows.Scan(
			&link.ID,
			&link.RevisionID,
			&link.ApproverOrder,
			&link.Action,
			&link.EmployeeKerberos,
			&link.Comments,
			&changesJSON,
			&link.Occurred,
			&link.CreatedAt,
			&link.ApproverTypeIDs,
			&p.RequestID,
			&p.SubmitterKerberos,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan pending approval")
		}
		if err := unmarshalFundChanges(changesJSON, link); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *ChainRepository) scanLinks(rows pgx.Rows) ([]*ChainLink, error) {
	var links []*ChainLink
	for rows.Next() {
		link := &ChainLink{}
		var changesJSON []byte
		err := rows.Scan(
			&link.ID,
			&link.RevisionID,
			&link.ApproverOrder,
			&link.Action,
			&link.EmployeeKerberos,
			&link.Comments,
			&changesJSON,
			&link.Occurred,
			&link.CreatedAt,
			&link.ApproverTypeIDs,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan chain link")
		}
		if err := unmarshalFundChanges(changesJSON, link); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

func unmarshalFundChanges(data []byte, link *ChainLink) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, &link.FundChanges); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal fund changes")
	}
	return nil
}
