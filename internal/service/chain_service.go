package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/repository"
	"github.com/campusworks/be-travel-requests/internal/telemetry"
)

// Identity id types understood by the resolver.
const (
	IDTypeKerberos = "kerberos"
	IDTypeMITID    = "mitid"
)

// departmentHeadsGroup marks submitters who are themselves a department head;
// their own department-head approval step is skipped.
const departmentHeadsGroup = "department-heads"

// Identity is the resolver's view of a person.
type Identity struct {
	Kerberos         string   `json:"kerberos"`
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	SupervisorID     string   `json:"supervisor_id,omitempty"`      // mitid
	DepartmentHeadID string   `json:"department_head_id,omitempty"` // mitid
	Groups           []string `json:"groups,omitempty"`
}

// InGroup reports membership in a named group.
func (i *Identity) InGroup(name string) bool {
	for _, g := range i.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// IdentityResolver resolves a person id to their identity record. It must be
// idempotent and side-effect free.
type IdentityResolver interface {
	Resolve(ctx context.Context, id, idType string) (*Identity, error)
}

// CatalogReader loads funding source catalog entries with their approver
// type definitions.
type CatalogReader interface {
	GetByIDs(ctx context.Context, ids []int64) ([]*repository.FundingSource, error)
}

// ChainEntry is one resolved position in an approval chain. Entries are
// unique per person; ApproverTypes collects every role the person acts for.
type ChainEntry struct {
	ApprovalTypeOrder int                        `json:"approval_type_order"`
	EmployeeOrder     int                        `json:"employee_order"`
	EmployeeKerberos  string                     `json:"employee_kerberos"`
	Employee          *Identity                  `json:"employee"`
	ApproverTypes     []*repository.ApproverType `json:"approver_types"`
}

// rawEntry is one (funding source, approver type) expansion before identity
// resolution and deduplication.
type rawEntry struct {
	approvalTypeOrder int
	employeeOrder     int
	approverType      *repository.ApproverType
	employeeID        string
	employeeIDType    string
}

// ChainService derives the ordered, deduplicated approver chain for a
// request from its funding sources' approver type definitions.
type ChainService struct {
	requests RevisionStore
	catalog  CatalogReader
	identity IdentityResolver
	log      *logger.Logger
}

// NewChainService creates a new ChainService.
func NewChainService(requests RevisionStore, catalog CatalogReader, identity IdentityResolver, log *logger.Logger) *ChainService {
	return &ChainService{
		requests: requests,
		catalog:  catalog,
		identity: identity,
		log:      log,
	}
}

// BuildChainForRequest builds the chain for a request's current revision.
func (s *ChainService) BuildChainForRequest(ctx context.Context, requestID string) ([]ChainEntry, error) {
	rev, err := s.requests.GetCurrentRevision(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.BuildChain(ctx, rev)
}

// BuildChain resolves the full approver chain for a revision. Chain
// construction is all or nothing: any failing step returns an error and no
// partial chain. The result is deterministic for a given catalog and
// submitter: entries are sorted by (approvalTypeOrder, employeeOrder) with
// kerberos as the tie-breaker.
func (s *ChainService) BuildChain(ctx context.Context, rev *repository.RequestRevision) ([]ChainEntry, error) {
	start := time.Now()

	ids := distinctFundingSourceIDs(rev)
	if len(ids) == 0 {
		return []ChainEntry{}, nil // no funding, no approvers needed
	}

	sources, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDependency, "failed to load funding source catalog")
	}
	if len(sources) != len(ids) {
		return nil, apperrors.New(apperrors.CodeDependency,
			fmt.Sprintf("catalog returned %d of %d funding sources", len(sources), len(ids)))
	}

	submitter, err := s.identity.Resolve(ctx, rev.EmployeeKerberos, IDTypeKerberos)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDependency,
			fmt.Sprintf("failed to resolve submitter %q", rev.EmployeeKerberos))
	}

	raw, err := s.expand(sources, submitter)
	if err != nil {
		return nil, err
	}

	identities, err := s.resolveAll(ctx, raw)
	if err != nil {
		return nil, err
	}

	chain := mergeEntries(raw, identities)
	sort.Slice(chain, func(i, j int) bool {
		a, b := chain[i], chain[j]
		if a.ApprovalTypeOrder != b.ApprovalTypeOrder {
			return a.ApprovalTypeOrder < b.ApprovalTypeOrder
		}
		if a.EmployeeOrder != b.EmployeeOrder {
			return a.EmployeeOrder < b.EmployeeOrder
		}
		return a.EmployeeKerberos < b.EmployeeKerberos
	})

	telemetry.ChainBuildSeconds.Observe(time.Since(start).Seconds())
	return chain, nil
}

// expand turns every (funding source, approver type) pair into zero or more
// raw approver entries.
func (s *ChainService) expand(sources []*repository.FundingSource, submitter *Identity) ([]rawEntry, error) {
	var raw []rawEntry

	for _, fs := range sources {
		for _, at := range fs.ApproverTypes {
			if !at.SystemGenerated {
				for _, emp := range at.Employees {
					raw = append(raw, rawEntry{
						approvalTypeOrder: at.ApprovalOrder,
						employeeOrder:     emp.ApprovalOrder,
						approverType:      at,
						employeeID:        emp.EmployeeID,
						employeeIDType:    emp.EmployeeIDType,
					})
				}
				continue
			}

			switch at.ID {
			case repository.ApproverTypeSupervisor:
				if submitter.SupervisorID == "" {
					return nil, apperrors.New(apperrors.CodeDependency,
						fmt.Sprintf("submitter %q has no supervisor on record", submitter.Kerberos))
				}
				raw = append(raw, rawEntry{
					approvalTypeOrder: at.ApprovalOrder,
					approverType:      at,
					employeeID:        submitter.SupervisorID,
					employeeIDType:    IDTypeMITID,
				})

			case repository.ApproverTypeDepartmentHead:
				if submitter.DepartmentHeadID != "" {
					raw = append(raw, rawEntry{
						approvalTypeOrder: at.ApprovalOrder,
						approverType:      at,
						employeeID:        submitter.DepartmentHeadID,
						employeeIDType:    IDTypeMITID,
					})
					continue
				}
				if submitter.InGroup(departmentHeadsGroup) {
					continue // a department head does not approve their own request
				}
				return nil, apperrors.New(apperrors.CodeDependency,
					fmt.Sprintf("submitter %q has no department head on record", submitter.Kerberos))

			default:
				return nil, apperrors.New(apperrors.CodeConfiguration,
					fmt.Sprintf("unrecognized system-generated approver type %d (%s)", at.ID, at.Label))
			}
		}
	}
	return raw, nil
}

// resolveAll resolves every distinct (idType, id) pair exactly once,
// concurrently. Any single failure aborts the whole build.
func (s *ChainService) resolveAll(ctx context.Context, raw []rawEntry) (map[string]*Identity, error) {
	type lookup struct {
		id     string
		idType string
	}

	seen := make(map[string]struct{})
	var lookups []lookup
	for _, entry := range raw {
		key := entry.employeeIDType + ":" + entry.employeeID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		lookups = append(lookups, lookup{id: entry.employeeID, idType: entry.employeeIDType})
	}

	results := make([]*Identity, len(lookups))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range lookups {
		i, l := i, l
		g.Go(func() error {
			identity, err := s.identity.Resolve(gctx, l.id, l.idType)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeDependency,
					fmt.Sprintf("failed to resolve approver %s:%s", l.idType, l.id))
			}
			results[i] = identity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	identities := make(map[string]*Identity, len(lookups))
	for i, l := range lookups {
		identities[l.idType+":"+l.id] = results[i]
	}
	return identities, nil
}

// mergeEntries collapses raw entries into one chain entry per resolved
// kerberos. A person appearing via several approver types keeps the minimum
// of each order component, scheduling them at their earliest obligation.
func mergeEntries(raw []rawEntry, identities map[string]*Identity) []ChainEntry {
	byKerberos := make(map[string]*ChainEntry)
	var chain []*ChainEntry

	for _, entry := range raw {
		identity := identities[entry.employeeIDType+":"+entry.employeeID]

		merged, ok := byKerberos[identity.Kerberos]
		if !ok {
			merged = &ChainEntry{
				ApprovalTypeOrder: entry.approvalTypeOrder,
				EmployeeOrder:     entry.employeeOrder,
				EmployeeKerberos:  identity.Kerberos,
				Employee:          identity,
			}
			byKerberos[identity.Kerberos] = merged
			chain = append(chain, merged)
		}
		if entry.approvalTypeOrder < merged.ApprovalTypeOrder {
			merged.ApprovalTypeOrder = entry.approvalTypeOrder
		}
		if entry.employeeOrder < merged.EmployeeOrder {
			merged.EmployeeOrder = entry.employeeOrder
		}
		if !hasApproverType(merged.ApproverTypes, entry.approverType.ID) {
			merged.ApproverTypes = append(merged.ApproverTypes, entry.approverType)
		}
	}

	out := make([]ChainEntry, len(chain))
	for i, entry := range chain {
		out[i] = *entry
	}
	return out
}

func hasApproverType(types []*repository.ApproverType, id int64) bool {
	for _, t := range types {
		if t.ID == id {
			return true
		}
	}
	return false
}

func distinctFundingSourceIDs(rev *repository.RequestRevision) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, fs := range rev.FundingSources {
		if fs.FundingSourceID == 0 {
			continue
		}
		if _, ok := seen[fs.FundingSourceID]; ok {
			continue
		}
		seen[fs.FundingSourceID] = struct{}{}
		ids = append(ids, fs.FundingSourceID)
	}
	return ids
}
