package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/database"
)

// EmployeeRepository synchronizes lightweight person and department records.
// All writes run on a caller-owned transaction; this repository never begins,
// commits or rolls back on its own.
type EmployeeRepository struct {
	db *database.DB
}

// NewEmployeeRepository creates a new EmployeeRepository.
func NewEmployeeRepository(db *database.DB) *EmployeeRepository {
	return &EmployeeRepository{db: db}
}

// UpsertInTx idempotently synchronizes an employee, their department and the
// current department membership inside the caller's open transaction. Each
// step diffs against stored state to avoid needless writes. On failure the
// error propagates and the caller rolls the whole transaction back.
func (r *EmployeeRepository) UpsertInTx(ctx context.Context, tx pgx.Tx, emp *Employee) error {
	if emp == nil || emp.Kerberos == "" {
		return apperrors.InvalidInput("employee.kerberos", "employee kerberos is required")
	}

	if emp.Department != nil {
		if err := r.upsertDepartment(ctx, tx, emp.Department); err != nil {
			return err
		}
	}

	if err := r.upsertEmployee(ctx, tx, emp); err != nil {
		return err
	}

	if emp.Department != nil {
		if err := r.syncMembership(ctx, tx, emp.Kerberos, emp.Department.ID); err != nil {
			return err
		}
	}
	return nil
}

// upsertDepartment inserts the department when absent and updates its label
// only when a non-empty label is supplied and differs from the stored one.
func (r *EmployeeRepository) upsertDepartment(ctx context.Context, tx pgx.Tx, dept *Department) error {
	var stored string
	err := tx.QueryRow(ctx,
		`SELECT label FROM departments WHERE department_id = $1`,
		dept.ID,
	).Scan(&stored)

	if errors.Is(err, pgx.ErrNoRows) {
		_, err := tx.Exec(ctx,
			`INSERT INTO departments (department_id, label) VALUES ($1, $2)`,
			dept.ID, dept.Label,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert department")
		}
		return nil
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to look up department")
	}

	if dept.Label != "" && dept.Label != stored {
		_, err := tx.Exec(ctx,
			`UPDATE departments SET label = $2 WHERE department_id = $1`,
			dept.ID, dept.Label,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update department label")
		}
	}
	return nil
}

// upsertEmployee inserts the employee when absent and updates name fields
// only when both are present and differ from stored values.
func (r *EmployeeRepository) upsertEmployee(ctx context.Context, tx pgx.Tx, emp *Employee) error {
	var storedFirst, storedLast string
	err := tx.QueryRow(ctx,
		`SELECT first_name, last_name FROM employees WHERE kerberos = $1`,
		emp.Kerberos,
	).Scan(&storedFirst, &storedLast)

	if errors.Is(err, pgx.ErrNoRows) {
		_, err := tx.Exec(ctx,
			`INSERT INTO employees (kerberos, first_name, last_name) VALUES ($1, $2, $3)`,
			emp.Kerberos, emp.FirstName, emp.LastName,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert employee")
		}
		return nil
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to look up employee")
	}

	if emp.FirstName == "" || emp.LastName == "" {
		return nil
	}
	if emp.FirstName == storedFirst && emp.LastName == storedLast {
		return nil
	}

	set, args := database.BuildClause(2, ", ",
		database.Eq("first_name", emp.FirstName),
		database.Eq("last_name", emp.LastName),
	)
	args = append([]any{emp.Kerberos}, args...)
	_, err = tx.Exec(ctx, `UPDATE employees SET `+set+` WHERE kerberos = $1`, args...)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update employee name")
	}
	return nil
}

// syncMembership ensures the employee has exactly one open department
// membership. A membership already covering "now" is left untouched;
// otherwise a new interval opens and any other open interval is closed.
func (r *EmployeeRepository) syncMembership(ctx context.Context, tx pgx.Tx, kerberos string, departmentID int64) error {
	var existing int64
	err := tx.QueryRow(ctx, `
		SELECT membership_id
		FROM employee_departments
		WHERE employee_kerberos = $1
		  AND department_id = $2
		  AND start_date <= NOW()
		  AND (end_date IS NULL OR end_date >= NOW())
	`, kerberos, departmentID).Scan(&existing)

	if err == nil {
		return nil // current membership already covers now
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to look up department membership")
	}

	// Close out any other open membership before opening the new one.
	_, err = tx.Exec(ctx, `
		UPDATE employee_departments
		SET end_date = NOW()
		WHERE employee_kerberos = $1
		  AND end_date IS NULL
	`, kerberos)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to close department membership")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO employee_departments (employee_kerberos, department_id, start_date)
		VALUES ($1, $2, NOW())
	`, kerberos, departmentID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert department membership")
	}
	return nil
}

// GetByKerberos returns an employee with their current department, or nil
// when no record exists.
func (r *EmployeeRepository) GetByKerberos(ctx context.Context, kerberos string) (*Employee, error) {
	query := `
		SELECT e.kerberos, e.first_name, e.last_name,
		       d.department_id, d.label
		FROM employees e
		LEFT JOIN employee_departments ed
		       ON ed.employee_kerberos = e.kerberos
		      AND ed.start_date <= NOW()
		      AND (ed.end_date IS NULL OR ed.end_date >= NOW())
		LEFT JOIN departments d ON d.department_id = ed.department_id
		WHERE e.kerberos = $1
	`

	emp := &Employee{}
	var deptID *int64
	var deptLabel *string
	err := r.db.QueryRow(ctx, query, kerberos).Scan(
		&emp.Kerberos,
		&emp.FirstName,
		&emp.LastName,
		&deptID,
		&deptLabel,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get employee")
	}

	if deptID != nil {
		emp.Department = &Department{ID: *deptID}
		if deptLabel != nil {
			emp.Department.Label = *deptLabel
		}
	}
	return emp, nil
}
