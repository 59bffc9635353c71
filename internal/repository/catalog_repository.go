package repository

import (
	"context"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/database"
)

// CatalogRepository reads the funding source and approver type catalog. The
// catalog is maintained elsewhere; this repository never writes it.
type CatalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(db *database.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetByIDs returns the funding sources for the given ids with their approver
// types in approval order, each non-system type carrying its configured
// employee list.
func (r *CatalogRepository) GetByIDs(ctx context.Context, ids []int64) ([]*FundingSource, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	where, args := database.BuildClause(1, " AND ", database.In("fs.funding_source_id", idArgs...))

	rows, err := r.db.Query(ctx, `
		SELECT fs.funding_source_id, fs.label,
		       at.approver_type_id, at.label, at.system_generated,
		       fat.approval_order
		FROM funding_sources fs
		JOIN funding_source_approver_types fat ON fat.funding_source_id = fs.funding_source_id
		JOIN approver_types at ON at.approver_type_id = fat.approver_type_id
		WHERE `+where+`
		ORDER BY fs.funding_source_id ASC, fat.approval_order ASC
	`, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDependency, "failed to load funding source catalog")
	}
	defer rows.Close()

	byID := make(map[int64]*FundingSource)
	var sources []*FundingSource
	var typeIDs []int64

	for rows.Next() {
		var (
			fsID, atID int64
			fsLabel    string
			atLabel    string
			system     bool
			order      int
		)
		if err := rows.Scan(&fsID, &fsLabel, &atID, &atLabel, &system, &order); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan funding source")
		}

		fs, ok := byID[fsID]
		if !ok {
			fs = &FundingSource{ID: fsID, Label: fsLabel}
			byID[fsID] = fs
			sources = append(sources, fs)
		}
		fs.ApproverTypes = append(fs.ApproverTypes, &ApproverType{
			ID:              atID,
			Label:           atLabel,
			ApprovalOrder:   order,
			SystemGenerated: system,
		})
		if !system {
			typeIDs = append(typeIDs, atID)
		}
	}

	if len(typeIDs) > 0 {
		employees, err := r.employeesForTypes(ctx, typeIDs)
		if err != nil {
			return nil, err
		}
		for _, fs := range sources {
			for _, at := range fs.ApproverTypes {
				at.Employees = employees[at.ID]
			}
		}
	}

	return sources, nil
}

func (r *CatalogRepository) employeesForTypes(ctx context.Context, typeIDs []int64) (map[int64][]*ApproverTypeEmployee, error) {
	idArgs := make([]any, len(typeIDs))
	for i, id := range typeIDs {
		idArgs[i] = id
	}
	where, args := database.BuildClause(1, " AND ", database.In("approver_type_id", idArgs...))

	rows, err := r.db.Query(ctx, `
		SELECT approver_type_id, employee_id, employee_id_type, approval_order
		FROM approver_type_employees
		WHERE `+where+`
		ORDER BY approver_type_id ASC, approval_order ASC
	`, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDependency, "failed to load approver type employees")
	}
	defer rows.Close()

	byType := make(map[int64][]*ApproverTypeEmployee)
	for rows.Next() {
		var typeID int64
		emp := &ApproverTypeEmployee{}
		if err := rows.Scan(&typeID, &emp.EmployeeID, &emp.EmployeeIDType, &emp.ApprovalOrder); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approver type employee")
		}
		byType[typeID] = append(byType[typeID], emp)
	}
	return byType, nil
}
