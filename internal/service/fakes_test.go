package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/repository"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// ── Revision store fake ──────────────────────────────────────────────────────

type fakeRevisionStore struct {
	revisions map[int64]*repository.RequestRevision
	nextID    int64
	createErr error
}

func newFakeRevisionStore() *fakeRevisionStore {
	return &fakeRevisionStore{revisions: make(map[int64]*repository.RequestRevision)}
}

func (f *fakeRevisionStore) add(rev *repository.RequestRevision) *repository.RequestRevision {
	if rev.RevisionID == 0 {
		f.nextID++
		rev.RevisionID = f.nextID
	} else if rev.RevisionID > f.nextID {
		f.nextID = rev.RevisionID
	}
	f.revisions[rev.RevisionID] = rev
	return rev
}

func (f *fakeRevisionStore) CreateRevision(ctx context.Context, rev *repository.RequestRevision) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	for _, existing := range f.revisions {
		if existing.RequestID == rev.RequestID {
			existing.IsCurrent = false
		}
	}
	f.add(rev)
	var seq int64 = 1
	for _, line := range rev.FundingSources {
		line.ID = rev.RevisionID*100 + seq
		line.RevisionID = rev.RevisionID
		seq++
	}
	for _, exp := range rev.Expenditures {
		exp.ID = rev.RevisionID*100 + seq
		exp.RevisionID = rev.RevisionID
		seq++
	}
	return rev.RevisionID, nil
}

func (f *fakeRevisionStore) GetRevisionByID(ctx context.Context, revisionID int64) (*repository.RequestRevision, error) {
	rev, ok := f.revisions[revisionID]
	if !ok {
		return nil, apperrors.NotFound("revision", strconv.FormatInt(revisionID, 10))
	}
	return rev, nil
}

func (f *fakeRevisionStore) GetCurrentRevision(ctx context.Context, requestID string) (*repository.RequestRevision, error) {
	for _, rev := range f.revisions {
		if rev.RequestID == requestID && rev.IsCurrent {
			return rev, nil
		}
	}
	return nil, apperrors.NotFound("request", requestID)
}

func (f *fakeRevisionStore) ListCurrentRevisions(ctx context.Context, status *repository.Status, kerberos *string) ([]*repository.RequestRevision, error) {
	var out []*repository.RequestRevision
	for _, rev := range f.revisions {
		if !rev.IsCurrent {
			continue
		}
		if status != nil && rev.Status != *status {
			continue
		}
		if kerberos != nil && rev.EmployeeKerberos != *kerberos {
			continue
		}
		out = append(out, rev)
	}
	return out, nil
}

// ── Chain store fake ─────────────────────────────────────────────────────────

// fakeChainStore mirrors the repository's transition semantics in memory:
// status guards, in-place link resolution and final status derivation.
type fakeChainStore struct {
	store *fakeRevisionStore
	links map[int64][]*repository.ChainLink // by revision id
	next  int64

	submissions      int
	requesterActions int
	resolutions      int
}

func newFakeChainStore(store *fakeRevisionStore) *fakeChainStore {
	return &fakeChainStore{store: store, links: make(map[int64][]*repository.ChainLink)}
}

func (f *fakeChainStore) WriteSubmission(ctx context.Context, revisionID int64, inserts []repository.ChainLinkInsert, finalStatus repository.Status) error {
	rev := f.store.revisions[revisionID]
	if rev == nil || rev.Status != repository.StatusDraft {
		return apperrors.Conflict("revision is no longer a draft")
	}
	for _, in := range inserts {
		f.appendLink(revisionID, in)
	}
	rev.Status = finalStatus
	now := time.Now()
	rev.SubmittedAt = &now
	f.submissions++
	return nil
}

func (f *fakeChainStore) WriteRequesterAction(ctx context.Context, revisionID int64, link repository.ChainLinkInsert, from, to repository.Status) error {
	rev := f.store.revisions[revisionID]
	if rev == nil || rev.Status != from {
		return apperrors.Conflict("revision status changed")
	}
	maxOrder := -1
	for _, l := range f.links[revisionID] {
		if l.ApproverOrder > maxOrder {
			maxOrder = l.ApproverOrder
		}
	}
	link.ApproverOrder = maxOrder + 1
	f.appendLink(revisionID, link)
	rev.Status = to
	f.requesterActions++
	return nil
}

func (f *fakeChainStore) ResolveLink(ctx context.Context, params repository.ResolveLinkParams) (repository.Status, error) {
	var target *repository.ChainLink
	for _, l := range f.links[params.RevisionID] {
		if l.ID == params.LinkID {
			target = l
			break
		}
	}
	if target == nil || target.Action != repository.ActionApprovalNeeded {
		return "", apperrors.Conflict("link is no longer pending")
	}

	target.Action = params.Action
	target.Comments = params.Comments
	target.FundChanges = params.FundChanges
	target.Occurred = time.Now()

	rev := f.store.revisions[params.RevisionID]
	for id, amount := range params.AmountUpdates {
		for _, line := range rev.FundingSources {
			if line.ID == id {
				line.AmountCents = amount
			}
		}
	}

	final := repository.StatusApproved
	if params.Action == repository.ActionDeny {
		final = repository.StatusDenied
	} else {
		for _, l := range f.links[params.RevisionID] {
			if l.Action == repository.ActionApprovalNeeded {
				final = repository.StatusSubmitted
				break
			}
		}
	}
	if final != repository.StatusSubmitted {
		rev.Status = final
	}
	f.resolutions++
	return final, nil
}

func (f *fakeChainStore) ListLinks(ctx context.Context, revisionID int64) ([]*repository.ChainLink, error) {
	return f.links[revisionID], nil
}

func (f *fakeChainStore) ListPendingForApprover(ctx context.Context, kerberos string) ([]*repository.PendingApproval, error) {
	var out []*repository.PendingApproval
	for revID, links := range f.links {
		for _, l := range links {
			if l.Action != repository.ActionApprovalNeeded {
				continue
			}
			if l.EmployeeKerberos != kerberos {
				break
			}
			rev := f.store.revisions[revID]
			out = append(out, &repository.PendingApproval{
				Link:              l,
				RequestID:         rev.RequestID,
				SubmitterKerberos: rev.EmployeeKerberos,
			})
			break
		}
	}
	return out, nil
}

func (f *fakeChainStore) appendLink(revisionID int64, in repository.ChainLinkInsert) {
	f.next++
	f.links[revisionID] = append(f.links[revisionID], &repository.ChainLink{
		ID:               f.next,
		RevisionID:       revisionID,
		ApproverOrder:    in.ApproverOrder,
		Action:           in.Action,
		EmployeeKerberos: in.EmployeeKerberos,
		Comments:         in.Comments,
		ApproverTypeIDs:  in.ApproverTypeIDs,
		Occurred:         time.Now(),
		CreatedAt:        time.Now(),
	})
}

// ── Chain builder fake ───────────────────────────────────────────────────────

type fakeChainBuilder struct {
	chain []ChainEntry
	err   error
}

func (f *fakeChainBuilder) BuildChain(ctx context.Context, rev *repository.RequestRevision) ([]ChainEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chain, nil
}

// ── Catalog fake ─────────────────────────────────────────────────────────────

type fakeCatalog struct {
	sources map[int64]*repository.FundingSource
	err     error
}

func (f *fakeCatalog) GetByIDs(ctx context.Context, ids []int64) ([]*repository.FundingSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*repository.FundingSource
	for _, id := range ids {
		if fs, ok := f.sources[id]; ok {
			out = append(out, fs)
		}
	}
	return out, nil
}

// ── Identity resolver fake ───────────────────────────────────────────────────

type fakeIdentity struct {
	people map[string]*Identity // keyed idType:id
	calls  int
}

func (f *fakeIdentity) Resolve(ctx context.Context, id, idType string) (*Identity, error) {
	f.calls++
	person, ok := f.people[idType+":"+id]
	if !ok {
		return nil, fmt.Errorf("identity %s:%s not found", idType, id)
	}
	return person, nil
}

// ── Notifier fake ────────────────────────────────────────────────────────────

type publishedEvent struct {
	eventType  string
	requestID  string
	actor      string
	recipients []string
}

type fakeNotifier struct {
	events []publishedEvent
}

func (f *fakeNotifier) PublishRequestEvent(ctx context.Context, eventType, requestID, actorKerberos string, recipients []string, payload map[string]any) {
	f.events = append(f.events, publishedEvent{
		eventType:  eventType,
		requestID:  requestID,
		actor:      actorKerberos,
		recipients: recipients,
	})
}
