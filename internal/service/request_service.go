package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/repository"
)

// noFundingSourceID is the catalog's designated "no funding" source. Release
// time only requests carry a single zero-amount line on it so the supervisor
// approval chain still applies.
const noFundingSourceID int64 = 1

// RevisionStore persists and loads request revisions.
type RevisionStore interface {
	CreateRevision(ctx context.Context, rev *repository.RequestRevision) (int64, error)
	GetRevisionByID(ctx context.Context, revisionID int64) (*repository.RequestRevision, error)
	GetCurrentRevision(ctx context.Context, requestID string) (*repository.RequestRevision, error)
	ListCurrentRevisions(ctx context.Context, status *repository.Status, kerberos *string) ([]*repository.RequestRevision, error)
}

// CreateRevisionRequest is the boundary payload for creating a draft
// revision. System-owned fields (revision id, current flag, status,
// submission time) are deliberately absent; callers cannot set them.
type CreateRevisionRequest struct {
	RequestID      string               `json:"request_id"` // empty starts a new request
	Employee       *EmployeeInput       `json:"employee" validate:"required"`
	NoExpenditures bool                 `json:"no_expenditures"`
	FundingSources []FundingSourceInput `json:"funding_sources" validate:"dive"`
	Expenditures   []ExpenditureInput   `json:"expenditures" validate:"dive"`
}

// EmployeeInput is the embedded submitter record.
type EmployeeInput struct {
	Kerberos   string           `json:"kerberos" validate:"required"`
	FirstName  string           `json:"first_name"`
	LastName   string           `json:"last_name"`
	Department *DepartmentInput `json:"department"`
}

// DepartmentInput is the submitter's department, synchronized on write.
type DepartmentInput struct {
	DepartmentID int64  `json:"department_id" validate:"required"`
	Label        string `json:"label"`
}

// FundingSourceInput is one requested funding line.
type FundingSourceInput struct {
	FundingSourceID int64  `json:"funding_source_id"`
	AmountCents     int64  `json:"amount_cents"`
	Description     string `json:"description"`
}

// ExpenditureInput is one planned expenditure line.
type ExpenditureInput struct {
	ExpenditureOptionID int64 `json:"expenditure_option_id" validate:"required"`
	AmountCents         int64 `json:"amount_cents"`
}

// RequestService creates and reads request revisions.
type RequestService struct {
	requests RevisionStore
	log      *logger.Logger
}

// NewRequestService creates a new RequestService.
func NewRequestService(requests RevisionStore, log *logger.Logger) *RequestService {
	return &RequestService{requests: requests, log: log}
}

// CreateRevision builds a new draft revision from the boundary payload and
// persists it atomically, superseding any prior current revision of the same
// request. Returns the freshly created revision re-fetched by id.
func (s *RequestService) CreateRevision(ctx context.Context, req *CreateRevisionRequest) (*repository.RequestRevision, error) {
	if req.Employee == nil || req.Employee.Kerberos == "" {
		return nil, apperrors.InvalidInput("employee.kerberos", "submitting employee is required")
	}

	funding := make([]FundingSourceInput, len(req.FundingSources))
	copy(funding, req.FundingSources)
	expenditures := req.Expenditures

	if req.NoExpenditures {
		// Release-time-only requests skip funding and expenditure
		// bookkeeping but still route through the supervisor chain.
		funding = []FundingSourceInput{{FundingSourceID: noFundingSourceID, AmountCents: 0}}
		expenditures = nil
	} else {
		funding = filterFunding(funding)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	emp := &repository.Employee{
		Kerberos:  req.Employee.Kerberos,
		FirstName: req.Employee.FirstName,
		LastName:  req.Employee.LastName,
	}
	if req.Employee.Department != nil {
		emp.Department = &repository.Department{
			ID:    req.Employee.Department.DepartmentID,
			Label: req.Employee.Department.Label,
		}
	}

	rev := &repository.RequestRevision{
		RequestID:        requestID,
		EmployeeKerberos: req.Employee.Kerberos,
		Status:           repository.StatusDraft,
		IsCurrent:        true,
		NoExpenditures:   req.NoExpenditures,
		Employee:         emp,
	}
	for _, f := range funding {
		line := &repository.RevisionFundingSource{
			FundingSourceID: f.FundingSourceID,
			AmountCents:     f.AmountCents,
		}
		if f.Description != "" {
			desc := f.Description
			line.Description = &desc
		}
		rev.FundingSources = append(rev.FundingSources, line)
	}
	for _, e := range expenditures {
		rev.Expenditures = append(rev.Expenditures, &repository.RevisionExpenditure{
			ExpenditureOptionID: e.ExpenditureOptionID,
			AmountCents:         e.AmountCents,
		})
	}

	revisionID, err := s.requests.CreateRevision(ctx, rev)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", requestID).
		Int64("revision_id", revisionID).
		Str("kerberos", req.Employee.Kerberos).
		Bool("no_expenditures", req.NoExpenditures).
		Msg("Revision created")

	return s.requests.GetRevisionByID(ctx, revisionID)
}

// GetRequest returns the current revision of a request.
func (s *RequestService) GetRequest(ctx context.Context, requestID string) (*repository.RequestRevision, error) {
	return s.requests.GetCurrentRevision(ctx, requestID)
}

// ListRequests returns current revisions with optional status and submitter
// filters.
func (s *RequestService) ListRequests(ctx context.Context, status, kerberos string) ([]*repository.RequestRevision, error) {
	var statusPtr *repository.Status
	if status != "" {
		st := repository.Status(status)
		statusPtr = &st
	}
	var kerberosPtr *string
	if kerberos != "" {
		kerberosPtr = &kerberos
	}
	return s.requests.ListCurrentRevisions(ctx, statusPtr, kerberosPtr)
}

// filterFunding drops accidental empty rows: lines with a zero amount and no
// funding source id.
func filterFunding(lines []FundingSourceInput) []FundingSourceInput {
	out := lines[:0]
	for _, line := range lines {
		if line.AmountCents != 0 || line.FundingSourceID != 0 {
			out = append(out, line)
		}
	}
	return out
}
