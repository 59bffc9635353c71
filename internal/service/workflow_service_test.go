package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/repository"
)

type workflowFixture struct {
	store    *fakeRevisionStore
	links    *fakeChainStore
	builder  *fakeChainBuilder
	notifier *fakeNotifier
	svc      *WorkflowService
}

func newWorkflowFixture(chain []ChainEntry) *workflowFixture {
	store := newFakeRevisionStore()
	links := newFakeChainStore(store)
	builder := &fakeChainBuilder{chain: chain}
	notifier := &fakeNotifier{}
	return &workflowFixture{
		store:    store,
		links:    links,
		builder:  builder,
		notifier: notifier,
		svc:      NewWorkflowService(store, links, builder, notifier, testLogger()),
	}
}

func (f *workflowFixture) draft(requestID, kerberos string, lineAmounts ...int64) *repository.RequestRevision {
	rev := &repository.RequestRevision{
		RequestID:        requestID,
		EmployeeKerberos: kerberos,
		Status:           repository.StatusDraft,
		IsCurrent:        true,
	}
	f.store.add(rev)
	for i, amount := range lineAmounts {
		rev.FundingSources = append(rev.FundingSources, &repository.RevisionFundingSource{
			ID:          rev.RevisionID*100 + int64(i) + 1,
			RevisionID:  rev.RevisionID,
			AmountCents: amount,
		})
	}
	return rev
}

func entry(kerberos string) ChainEntry {
	return ChainEntry{
		EmployeeKerberos: kerberos,
		Employee:         &Identity{Kerberos: kerberos},
		ApproverTypes:    []*repository.ApproverType{{ID: 7, Label: "Travel Committee"}},
	}
}

// ── Submit ───────────────────────────────────────────────────────────────────

func TestSubmitDraft_WritesChainAndTransitions(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture([]ChainEntry{entry("ssmith"), entry("dhead")})
	f.draft("req-1", "jdoe", 5000)

	rev, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSubmitted, rev.Status)

	links := f.links.links[rev.RevisionID]
	require.Len(t, links, 3)

	assert.Equal(t, 0, links[0].ApproverOrder)
	assert.Equal(t, repository.ActionSubmit, links[0].Action)
	assert.Equal(t, "jdoe", links[0].EmployeeKerberos)
	assert.Equal(t, []int64{repository.ApproverTypeSubmitter}, links[0].ApproverTypeIDs)

	assert.Equal(t, 1, links[1].ApproverOrder)
	assert.Equal(t, repository.ActionApprovalNeeded, links[1].Action)
	assert.Equal(t, "ssmith", links[1].EmployeeKerberos)

	assert.Equal(t, 2, links[2].ApproverOrder)
	assert.Equal(t, "dhead", links[2].EmployeeKerberos)

	// First approver is notified.
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, EventApprovalRequired, f.notifier.events[0].eventType)
	assert.Equal(t, []string{"ssmith"}, f.notifier.events[0].recipients)
}

func TestSubmitDraft_EmptyChainApprovesImmediately(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture(nil)
	f.draft("req-1", "jdoe")

	rev, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, rev.Status)

	// Only the submit link, no approval steps.
	links := f.links.links[rev.RevisionID]
	require.Len(t, links, 1)
	assert.Equal(t, repository.ActionSubmit, links[0].Action)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, EventApproved, f.notifier.events[0].eventType)
}

func TestSubmitDraft_OnlySubmitterMaySubmit(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture([]ChainEntry{entry("ssmith")})
	rev := f.draft("req-1", "jdoe")

	_, err := f.svc.SubmitDraft(context.Background(), "req-1", "intruder")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	// Nothing written, nothing published.
	assert.Equal(t, repository.StatusDraft, rev.Status)
	assert.Empty(t, f.links.links[rev.RevisionID])
	assert.Empty(t, f.notifier.events)
}

func TestSubmitDraft_RejectsNonDraft(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture([]ChainEntry{entry("ssmith")})
	rev := f.draft("req-1", "jdoe")
	rev.Status = repository.StatusSubmitted

	_, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
	assert.Zero(t, f.links.submissions)
}

func TestSubmitDraft_ChainBuildFailureWritesNothing(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture(nil)
	f.builder.err = apperrors.New(apperrors.CodeDependency, "identity service unavailable")
	rev := f.draft("req-1", "jdoe", 5000)

	_, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDependency, apperrors.CodeOf(err))
	assert.Equal(t, repository.StatusDraft, rev.Status)
	assert.Empty(t, f.links.links[rev.RevisionID])
}

// ── Requester actions ────────────────────────────────────────────────────────

func TestDoRequesterAction_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		action   string
		from     repository.Status
		want     repository.Status
		wantCode apperrors.Code // empty means success
	}{
		{"cancel draft", "cancel", repository.StatusDraft, repository.StatusCancelled, ""},
		{"cancel submitted", "cancel", repository.StatusSubmitted, repository.StatusCancelled, ""},
		{"recall submitted", "recall", repository.StatusSubmitted, repository.StatusRecalled, ""},
		{"recall draft", "recall", repository.StatusDraft, "", apperrors.CodeConflict},
		{"cancel approved", "cancel", repository.StatusApproved, "", apperrors.CodeConflict},
		{"cancel cancelled", "cancel", repository.StatusCancelled, "", apperrors.CodeConflict},
		{"unknown action", "approve", repository.StatusDraft, "", apperrors.CodeValidation},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newWorkflowFixture(nil)
			rev := f.draft("req-1", "jdoe")
			rev.Status = tc.from

			got, err := f.svc.DoRequesterAction(context.Background(), &RequesterActionRequest{
				RequestID:     "req-1",
				Action:        tc.action,
				ActorKerberos: "jdoe",
			})

			if tc.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, apperrors.CodeOf(err))
				assert.Equal(t, tc.from, rev.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
		})
	}
}

func TestDoRequesterAction_OnlySubmitterMayAct(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture(nil)
	rev := f.draft("req-1", "jdoe")

	_, err := f.svc.DoRequesterAction(context.Background(), &RequesterActionRequest{
		RequestID:     "req-1",
		Action:        "cancel",
		ActorKerberos: "intruder",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
	assert.Equal(t, repository.StatusDraft, rev.Status)
}

func TestDoRequesterAction_RecallNotifiesPendingApprover(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture([]ChainEntry{entry("ssmith")})
	f.draft("req-1", "jdoe", 5000)

	_, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.NoError(t, err)

	got, err := f.svc.DoRequesterAction(context.Background(), &RequesterActionRequest{
		RequestID:     "req-1",
		Action:        "recall",
		ActorKerberos: "jdoe",
		Comments:      "dates changed",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRecalled, got.Status)

	// Recall link lands after the chain with the submitter's comment.
	links := f.links.links[got.RevisionID]
	last := links[len(links)-1]
	assert.Equal(t, repository.ActionRecall, last.Action)
	assert.Equal(t, "jdoe", last.EmployeeKerberos)
	require.NotNil(t, last.Comments)
	assert.Equal(t, "dates changed", *last.Comments)

	// submit notification + recall notification to the stranded approver
	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, EventRecalled, f.notifier.events[1].eventType)
	assert.Equal(t, []string{"ssmith"}, f.notifier.events[1].recipients)
}

// ── Approver actions ─────────────────────────────────────────────────────────

func submittedFixture(t *testing.T, approvers ...string) (*workflowFixture, *repository.RequestRevision) {
	t.Helper()

	chain := make([]ChainEntry, len(approvers))
	for i, k := range approvers {
		chain[i] = entry(k)
	}
	f := newWorkflowFixture(chain)
	f.draft("req-1", "jdoe", 30000, 20000)

	rev, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.NoError(t, err)
	f.notifier.events = nil
	return f, rev
}

func TestDoApproverAction_ApproveAdvancesChain(t *testing.T) {
	t.Parallel()

	f, rev := submittedFixture(t, "ssmith", "dhead")

	got, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve",
		ActorKerberos: "ssmith",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSubmitted, got.Status)

	links := f.links.links[rev.RevisionID]
	assert.Equal(t, repository.ActionApprove, links[1].Action)
	assert.Equal(t, repository.ActionApprovalNeeded, links[2].Action)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, EventApprovalRequired, f.notifier.events[0].eventType)
	assert.Equal(t, []string{"dhead"}, f.notifier.events[0].recipients)
}

func TestDoApproverAction_LastApprovalCompletesRequest(t *testing.T) {
	t.Parallel()

	f, _ := submittedFixture(t, "ssmith")

	got, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve",
		ActorKerberos: "ssmith",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, EventApproved, f.notifier.events[0].eventType)
	assert.Equal(t, []string{"jdoe"}, f.notifier.events[0].recipients)
}

func TestDoApproverAction_DenyTerminatesChain(t *testing.T) {
	t.Parallel()

	f, rev := submittedFixture(t, "ssmith", "dhead")

	got, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "deny",
		ActorKerberos: "ssmith",
		Comments:      "budget exhausted",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDenied, got.Status)

	// dhead's link stays approval-needed but the request is terminal.
	links := f.links.links[rev.RevisionID]
	assert.Equal(t, repository.ActionDeny, links[1].Action)
	assert.Equal(t, repository.ActionApprovalNeeded, links[2].Action)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, EventDenied, f.notifier.events[0].eventType)
}

func TestDoApproverAction_OutOfTurnForbidden(t *testing.T) {
	t.Parallel()

	f, rev := submittedFixture(t, "ssmith", "dhead")

	// dhead's turn comes after ssmith; acting early changes nothing.
	_, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve",
		ActorKerberos: "dhead",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
	assert.Zero(t, f.links.resolutions)
	assert.Equal(t, repository.StatusSubmitted, rev.Status)
}

func TestDoApproverAction_RequiresSubmittedStatus(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture(nil)
	f.draft("req-1", "jdoe")

	_, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve",
		ActorKerberos: "ssmith",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestDoApproverAction_ApproveWithChangesRedistributes(t *testing.T) {
	t.Parallel()

	f, rev := submittedFixture(t, "ssmith")
	lineA := rev.FundingSources[0].ID
	lineB := rev.FundingSources[1].ID

	got, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve-with-changes",
		ActorKerberos: "ssmith",
		FundingSources: []FundingAmount{
			{RevisionFundingSourceID: lineA, AmountCents: 25000},
			{RevisionFundingSourceID: lineB, AmountCents: 25000},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	assert.Equal(t, int64(25000), got.FundingSources[0].AmountCents)
	assert.Equal(t, int64(25000), got.FundingSources[1].AmountCents)

	// The resolved link records the audit trail of both adjustments.
	links := f.links.links[rev.RevisionID]
	assert.Equal(t, repository.ActionApproveWithChanges, links[1].Action)
	require.Len(t, links[1].FundChanges, 2)
}

func TestDoApproverAction_ApproveWithChangesValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		amounts func(lineA, lineB int64) []FundingAmount
	}{
		{
			name: "total changed",
			amounts: func(lineA, lineB int64) []FundingAmount {
				return []FundingAmount{
					{RevisionFundingSourceID: lineA, AmountCents: 30000},
					{RevisionFundingSourceID: lineB, AmountCents: 30000},
				}
			},
		},
		{
			name: "row missing",
			amounts: func(lineA, _ int64) []FundingAmount {
				return []FundingAmount{{RevisionFundingSourceID: lineA, AmountCents: 50000}}
			},
		},
		{
			name: "unknown row",
			amounts: func(lineA, lineB int64) []FundingAmount {
				return []FundingAmount{
					{RevisionFundingSourceID: lineA, AmountCents: 30000},
					{RevisionFundingSourceID: 9999, AmountCents: 20000},
				}
			},
		},
		{
			name: "duplicate row",
			amounts: func(lineA, _ int64) []FundingAmount {
				return []FundingAmount{
					{RevisionFundingSourceID: lineA, AmountCents: 25000},
					{RevisionFundingSourceID: lineA, AmountCents: 25000},
				}
			},
		},
		{
			name:    "empty list",
			amounts: func(_, _ int64) []FundingAmount { return nil },
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f, rev := submittedFixture(t, "ssmith")

			_, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
				RequestID:      "req-1",
				Action:         "approve-with-changes",
				ActorKerberos:  "ssmith",
				FundingSources: tc.amounts(rev.FundingSources[0].ID, rev.FundingSources[1].ID),
			})
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
			assert.Zero(t, f.links.resolutions)
			assert.Equal(t, int64(30000), rev.FundingSources[0].AmountCents)
		})
	}
}

func TestDoApproverAction_IdenticalChangesDowngradeToApprove(t *testing.T) {
	t.Parallel()

	f, rev := submittedFixture(t, "ssmith")

	got, err := f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve-with-changes",
		ActorKerberos: "ssmith",
		FundingSources: []FundingAmount{
			{RevisionFundingSourceID: rev.FundingSources[0].ID, AmountCents: 30000},
			{RevisionFundingSourceID: rev.FundingSources[1].ID, AmountCents: 20000},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)

	links := f.links.links[rev.RevisionID]
	assert.Equal(t, repository.ActionApprove, links[1].Action)
	assert.Empty(t, links[1].FundChanges)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestWorkflow_FullLifecycle(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture([]ChainEntry{entry("ssmith"), entry("dhead")})
	f.draft("req-1", "jdoe", 10000)

	rev, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.NoError(t, err)
	require.Equal(t, repository.StatusSubmitted, rev.Status)

	for _, approver := range []string{"ssmith", "dhead"} {
		rev, err = f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
			RequestID:     "req-1",
			Action:        "approve",
			ActorKerberos: approver,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, repository.StatusApproved, rev.Status)

	history, err := f.svc.GetHistory(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, repository.ActionSubmit, history[0].Action)
	assert.Equal(t, repository.ActionApprove, history[1].Action)
	assert.Equal(t, repository.ActionApprove, history[2].Action)

	// Terminal: no further approver action is possible.
	_, err = f.svc.DoApproverAction(context.Background(), &ApproverActionRequest{
		RequestID:     "req-1",
		Action:        "approve",
		ActorKerberos: "dhead",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestGetPendingApprovals(t *testing.T) {
	t.Parallel()

	f := newWorkflowFixture([]ChainEntry{entry("ssmith"), entry("dhead")})
	f.draft("req-1", "jdoe", 10000)

	_, err := f.svc.SubmitDraft(context.Background(), "req-1", "jdoe")
	require.NoError(t, err)

	pending, err := f.svc.GetPendingApprovals(context.Background(), "ssmith")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-1", pending[0].RequestID)
	assert.Equal(t, "jdoe", pending[0].SubmitterKerberos)

	// dhead is in the chain but not yet actionable.
	pending, err = f.svc.GetPendingApprovals(context.Background(), "dhead")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
