package repository

import "time"

// ── Request lifecycle enums ──────────────────────────────────────────────────

// Status is the approval status of a request revision.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
	StatusRecalled  Status = "recalled"
)

// Terminal reports whether no further transitions may apply.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusCancelled, StatusRecalled:
		return true
	}
	return false
}

// Action is a recorded workflow event on a chain link.
type Action string

const (
	ActionSubmit             Action = "submit"
	ActionApprovalNeeded     Action = "approval-needed"
	ActionApprove            Action = "approve"
	ActionApproveWithChanges Action = "approve-with-changes"
	ActionDeny               Action = "deny"
	ActionCancel             Action = "cancel"
	ActionRecall             Action = "recall"
)

// System-generated approver type ids resolved from organizational data rather
// than an explicit employee list.
const (
	ApproverTypeSupervisor     int64 = 1
	ApproverTypeDepartmentHead int64 = 2
	// ApproverTypeSubmitter tags the order-0 submit link.
	ApproverTypeSubmitter int64 = 3
)

// ── Request revision ─────────────────────────────────────────────────────────

// RequestRevision is one immutable snapshot of a request. A request's history
// is its sequence of revisions; exactly one revision per request is current.
type RequestRevision struct {
	RevisionID       int64
	RequestID        string // stable across revisions
	EmployeeKerberos string
	Status           Status
	IsCurrent        bool
	NoExpenditures   bool
	SubmittedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Employee       *Employee
	FundingSources []*RevisionFundingSource
	Expenditures   []*RevisionExpenditure
}

// RevisionFundingSource is one funding line on a revision.
type RevisionFundingSource struct {
	ID              int64
	RevisionID      int64
	FundingSourceID int64
	AmountCents     int64
	Description     *string
}

// RevisionExpenditure is one planned expenditure line on a revision.
type RevisionExpenditure struct {
	ID                  int64
	RevisionID          int64
	ExpenditureOptionID int64
	AmountCents         int64
}

// ── People ───────────────────────────────────────────────────────────────────

// Employee is the lightweight person record maintained by the upsert.
type Employee struct {
	Kerberos   string
	FirstName  string
	LastName   string
	Department *Department
}

// Department is a minimal department record.
type Department struct {
	ID    int64
	Label string
}

// ── Funding source catalog (read-only here) ──────────────────────────────────

// FundingSource is a catalog entry with its ordered approver types.
type FundingSource struct {
	ID            int64
	Label         string
	ApproverTypes []*ApproverType
}

// ApproverType is one approver role in a funding source's chain. System
// generated types carry no employee list; their approver is resolved from the
// submitter's organizational data.
type ApproverType struct {
	ID              int64
	Label           string
	ApprovalOrder   int
	SystemGenerated bool
	Employees       []*ApproverTypeEmployee
}

// ApproverTypeEmployee is one explicitly configured approver within a type.
type ApproverTypeEmployee struct {
	EmployeeID     string
	EmployeeIDType string // "kerberos" or "mitid"
	ApprovalOrder  int
}

// ── Chain links ──────────────────────────────────────────────────────────────

// FundChange records an amount adjustment made by approve-with-changes,
// keyed in ChainLink.FundChanges by the revision funding source row id.
type FundChange struct {
	NewAmountCents int64 `json:"new_amount_cents"`
	OldAmountCents int64 `json:"old_amount_cents"`
}

// ChainLink is one recorded workflow event tied to a revision. Pending links
// hold action "approval-needed" and are mutated exactly once when resolved;
// links are never deleted.
type ChainLink struct {
	ID               int64
	RevisionID       int64
	ApproverOrder    int // 0 = the submitter's own submit event
	Action           Action
	EmployeeKerberos string
	Comments         *string
	FundChanges      map[string]FundChange
	Occurred         time.Time
	CreatedAt        time.Time

	// ApproverTypeIDs lists every approver role this link represents; a
	// person appearing in several chains is collapsed into one link.
	ApproverTypeIDs []int64
}
