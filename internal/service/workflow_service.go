package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/repository"
	"github.com/campusworks/be-travel-requests/internal/telemetry"
)

// Notification event types published on workflow transitions.
const (
	EventApprovalRequired = "approval_required"
	EventApproved         = "request_approved"
	EventDenied           = "request_denied"
	EventCancelled        = "request_cancelled"
	EventRecalled         = "request_recalled"
	EventReminder         = "approval_reminder"
)

// ChainStore writes and reads chain link history. Each write method is one
// atomic transaction covering the links and the revision status.
type ChainStore interface {
	WriteSubmission(ctx context.Context, revisionID int64, links []repository.ChainLinkInsert, finalStatus repository.Status) error
	WriteRequesterAction(ctx context.Context, revisionID int64, link repository.ChainLinkInsert, from, to repository.Status) error
	ResolveLink(ctx context.Context, params repository.ResolveLinkParams) (repository.Status, error)
	ListLinks(ctx context.Context, revisionID int64) ([]*repository.ChainLink, error)
	ListPendingForApprover(ctx context.Context, kerberos string) ([]*repository.PendingApproval, error)
}

// ChainBuilder derives the approver chain for a revision.
type ChainBuilder interface {
	BuildChain(ctx context.Context, rev *repository.RequestRevision) ([]ChainEntry, error)
}

// Notifier publishes workflow events for the notification dispatcher.
// Publishing is fire-and-forget; failures never affect the transition.
type Notifier interface {
	PublishRequestEvent(ctx context.Context, eventType, requestID, actorKerberos string, recipients []string, payload map[string]any)
}

// requesterTransitions maps (action, current status) to the resulting
// status. A missing entry means the transition is not legal from there.
var requesterTransitions = map[repository.Action]map[repository.Status]repository.Status{
	repository.ActionCancel: {
		repository.StatusDraft:     repository.StatusCancelled,
		repository.StatusSubmitted: repository.StatusCancelled,
	},
	repository.ActionRecall: {
		repository.StatusSubmitted: repository.StatusRecalled,
	},
}

// RequesterActionRequest is a cancel or recall by the submitter.
type RequesterActionRequest struct {
	RequestID     string `json:"request_id" validate:"required"`
	Action        string `json:"action" validate:"required,oneof=cancel recall"`
	ActorKerberos string `json:"actor_kerberos" validate:"required"`
	Comments      string `json:"comments"`
}

// FundingAmount is one funding line amount in an approve-with-changes.
type FundingAmount struct {
	RevisionFundingSourceID int64 `json:"revision_funding_source_id" validate:"required"`
	AmountCents             int64 `json:"amount_cents"`
}

// ApproverActionRequest is an approve, approve-with-changes or deny by the
// approver whose link is next in chain order.
type ApproverActionRequest struct {
	RequestID      string          `json:"request_id" validate:"required"`
	Action         string          `json:"action" validate:"required,oneof=approve approve-with-changes deny"`
	ActorKerberos  string          `json:"actor_kerberos" validate:"required"`
	Comments       string          `json:"comments"`
	FundingSources []FundingAmount `json:"funding_sources" validate:"dive"`
}

// WorkflowService advances requests through the approval lifecycle. Every
// transition re-reads the current revision fresh, validates workflow
// position, and applies its writes in a single transaction.
type WorkflowService struct {
	requests RevisionStore
	links    ChainStore
	chains   ChainBuilder
	notifier Notifier
	log      *logger.Logger
}

// NewWorkflowService creates a new WorkflowService. notifier may be nil when
// no event bus is configured.
func NewWorkflowService(requests RevisionStore, links ChainStore, chains ChainBuilder, notifier Notifier, log *logger.Logger) *WorkflowService {
	return &WorkflowService{
		requests: requests,
		links:    links,
		chains:   chains,
		notifier: notifier,
		log:      log,
	}
}

// ── Submit ───────────────────────────────────────────────────────────────────

// SubmitDraft builds the approval chain for a draft request and, in one
// transaction, writes the submitter's submit link, one approval-needed link
// per chain position and the status change to submitted. An empty chain
// (no funding sources) approves the request immediately.
func (s *WorkflowService) SubmitDraft(ctx context.Context, requestID, actorKerberos string) (*repository.RequestRevision, error) {
	rev, err := s.requests.GetCurrentRevision(ctx, requestID)
	if err != nil {
		return nil, s.recordOutcome("submit", err)
	}
	if rev.EmployeeKerberos != actorKerberos {
		return nil, s.recordOutcome("submit", apperrors.Forbidden("only the submitter can submit this request"))
	}
	if rev.Status != repository.StatusDraft {
		return nil, s.recordOutcome("submit", apperrors.Conflict(
			fmt.Sprintf("request cannot be submitted from status %q", rev.Status)))
	}

	chain, err := s.chains.BuildChain(ctx, rev)
	if err != nil {
		return nil, s.recordOutcome("submit", err)
	}

	inserts := make([]repository.ChainLinkInsert, 0, len(chain)+1)
	inserts = append(inserts, repository.ChainLinkInsert{
		ApproverOrder:    0,
		Action:           repository.ActionSubmit,
		EmployeeKerberos: rev.EmployeeKerberos,
		ApproverTypeIDs:  []int64{repository.ApproverTypeSubmitter},
	})
	for i, entry := range chain {
		typeIDs := make([]int64, len(entry.ApproverTypes))
		for j, at := range entry.ApproverTypes {
			typeIDs[j] = at.ID
		}
		inserts = append(inserts, repository.ChainLinkInsert{
			ApproverOrder:    i + 1,
			Action:           repository.ActionApprovalNeeded,
			EmployeeKerberos: entry.EmployeeKerberos,
			ApproverTypeIDs:  typeIDs,
		})
	}

	finalStatus := repository.StatusSubmitted
	if len(chain) == 0 {
		finalStatus = repository.StatusApproved
	}

	if err := s.links.WriteSubmission(ctx, rev.RevisionID, inserts, finalStatus); err != nil {
		return nil, s.recordOutcome("submit", err)
	}

	s.log.Info().
		Str("request_id", requestID).
		Int64("revision_id", rev.RevisionID).
		Int("chain_length", len(chain)).
		Str("status", string(finalStatus)).
		Msg("Request submitted")

	if len(chain) > 0 {
		s.publish(ctx, EventApprovalRequired, requestID, actorKerberos,
			[]string{chain[0].EmployeeKerberos},
			map[string]any{"approver_order": 1, "chain_length": len(chain)})
	} else {
		s.publish(ctx, EventApproved, requestID, actorKerberos,
			[]string{rev.EmployeeKerberos}, nil)
	}

	telemetry.TransitionsTotal.WithLabelValues("submit", "success").Inc()
	return s.requests.GetRevisionByID(ctx, rev.RevisionID)
}

// ── Requester actions ────────────────────────────────────────────────────────

// DoRequesterAction records a cancel or recall by the submitter. The action
// appends a new chain link after the last existing one and moves the request
// to its terminal status.
func (s *WorkflowService) DoRequesterAction(ctx context.Context, req *RequesterActionRequest) (*repository.RequestRevision, error) {
	action := repository.Action(req.Action)
	transitions, ok := requesterTransitions[action]
	if !ok {
		return nil, s.recordOutcome(req.Action, apperrors.InvalidInput("action",
			fmt.Sprintf("%q is not a requester action", req.Action)))
	}

	rev, err := s.requests.GetCurrentRevision(ctx, req.RequestID)
	if err != nil {
		return nil, s.recordOutcome(req.Action, err)
	}
	if rev.EmployeeKerberos != req.ActorKerberos {
		return nil, s.recordOutcome(req.Action, apperrors.Forbidden("only the submitter can act on this request"))
	}
	if rev.Status.Terminal() {
		return nil, s.recordOutcome(req.Action, apperrors.Conflict(
			fmt.Sprintf("request is already %s", rev.Status)))
	}

	next, ok := transitions[rev.Status]
	if !ok || next == rev.Status {
		return nil, s.recordOutcome(req.Action, apperrors.Conflict(
			fmt.Sprintf("cannot %s a request in status %q", req.Action, rev.Status)))
	}

	// Capture the pending approver before the transition resolves nothing
	// for them to act on anymore.
	recipients := s.pendingApproverOf(ctx, rev.RevisionID)

	link := repository.ChainLinkInsert{
		Action:           action,
		EmployeeKerberos: req.ActorKerberos,
		ApproverTypeIDs:  []int64{repository.ApproverTypeSubmitter},
	}
	if req.Comments != "" {
		comments := req.Comments
		link.Comments = &comments
	}

	if err := s.links.WriteRequesterAction(ctx, rev.RevisionID, link, rev.Status, next); err != nil {
		return nil, s.recordOutcome(req.Action, err)
	}

	s.log.Info().
		Str("request_id", req.RequestID).
		Int64("revision_id", rev.RevisionID).
		Str("action", req.Action).
		Str("status", string(next)).
		Msg("Requester action recorded")

	event := EventCancelled
	if action == repository.ActionRecall {
		event = EventRecalled
	}
	s.publish(ctx, event, req.RequestID, req.ActorKerberos, recipients, nil)

	telemetry.TransitionsTotal.WithLabelValues(req.Action, "success").Inc()
	return s.requests.GetRevisionByID(ctx, rev.RevisionID)
}

// ── Approver actions ─────────────────────────────────────────────────────────

// DoApproverAction resolves the next pending chain link with the approver's
// decision. Only the kerberos on the first link still marked approval-needed
// may act; anyone else is rejected without state change.
func (s *WorkflowService) DoApproverAction(ctx context.Context, req *ApproverActionRequest) (*repository.RequestRevision, error) {
	action := repository.Action(req.Action)
	switch action {
	case repository.ActionApprove, repository.ActionApproveWithChanges, repository.ActionDeny:
	default:
		return nil, s.recordOutcome(req.Action, apperrors.InvalidInput("action",
			fmt.Sprintf("%q is not an approver action", req.Action)))
	}

	rev, err := s.requests.GetCurrentRevision(ctx, req.RequestID)
	if err != nil {
		return nil, s.recordOutcome(req.Action, err)
	}
	if rev.Status != repository.StatusSubmitted {
		return nil, s.recordOutcome(req.Action, apperrors.Conflict(
			fmt.Sprintf("request is not awaiting approval (status %q)", rev.Status)))
	}

	links, err := s.links.ListLinks(ctx, rev.RevisionID)
	if err != nil {
		return nil, s.recordOutcome(req.Action, err)
	}
	pending := firstPending(links)
	if pending == nil {
		return nil, s.recordOutcome(req.Action, apperrors.Conflict("no approval is pending on this request"))
	}
	if pending.EmployeeKerberos != req.ActorKerberos {
		return nil, s.recordOutcome(req.Action, apperrors.Forbidden(
			fmt.Sprintf("it is not %q's turn to act on this request", req.ActorKerberos)))
	}

	params := repository.ResolveLinkParams{
		LinkID:     pending.ID,
		RevisionID: rev.RevisionID,
		Action:     action,
	}
	if req.Comments != "" {
		comments := req.Comments
		params.Comments = &comments
	}

	if action == repository.ActionApproveWithChanges {
		changes, updates, err := diffFundingChanges(rev, req.FundingSources)
		if err != nil {
			return nil, s.recordOutcome(req.Action, err)
		}
		if len(updates) == 0 {
			// Identical amounts: record a plain approval.
			params.Action = repository.ActionApprove
		} else {
			params.FundChanges = changes
			params.AmountUpdates = updates
		}
	}

	finalStatus, err := s.links.ResolveLink(ctx, params)
	if err != nil {
		return nil, s.recordOutcome(req.Action, err)
	}

	s.log.Info().
		Str("request_id", req.RequestID).
		Int64("revision_id", rev.RevisionID).
		Str("action", string(params.Action)).
		Str("actor", req.ActorKerberos).
		Str("status", string(finalStatus)).
		Msg("Approver action recorded")

	switch finalStatus {
	case repository.StatusSubmitted:
		if next := nextPendingAfter(links, pending.ApproverOrder); next != nil {
			s.publish(ctx, EventApprovalRequired, req.RequestID, req.ActorKerberos,
				[]string{next.EmployeeKerberos},
				map[string]any{"approver_order": next.ApproverOrder})
		}
	case repository.StatusApproved:
		s.publish(ctx, EventApproved, req.RequestID, req.ActorKerberos,
			[]string{rev.EmployeeKerberos}, nil)
	case repository.StatusDenied:
		s.publish(ctx, EventDenied, req.RequestID, req.ActorKerberos,
			[]string{rev.EmployeeKerberos}, nil)
	}

	telemetry.TransitionsTotal.WithLabelValues(string(params.Action), "success").Inc()
	return s.requests.GetRevisionByID(ctx, rev.RevisionID)
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetHistory returns the full chain link history of a request's current
// revision in chain order.
func (s *WorkflowService) GetHistory(ctx context.Context, requestID string) ([]*repository.ChainLink, error) {
	rev, err := s.requests.GetCurrentRevision(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.links.ListLinks(ctx, rev.RevisionID)
}

// GetPendingApprovals returns the requests currently awaiting action from
// one approver.
func (s *WorkflowService) GetPendingApprovals(ctx context.Context, kerberos string) ([]*repository.PendingApproval, error) {
	return s.links.ListPendingForApprover(ctx, kerberos)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// diffFundingChanges validates an approve-with-changes funding set against
// the revision's current lines. The key set must match exactly and the grand
// total must not change; amounts may only be redistributed.
func diffFundingChanges(rev *repository.RequestRevision, proposed []FundingAmount) (map[string]repository.FundChange, map[int64]int64, error) {
	if len(proposed) == 0 {
		return nil, nil, apperrors.InvalidInput("fundingSources",
			"approve-with-changes requires the full funding source list")
	}

	original := make(map[int64]int64, len(rev.FundingSources))
	for _, line := range rev.FundingSources {
		original[line.ID] = line.AmountCents
	}

	if len(proposed) != len(original) {
		return nil, nil, apperrors.InvalidInput("fundingSources",
			"funding source rows may not be added or removed during approval")
	}

	changes := make(map[string]repository.FundChange)
	updates := make(map[int64]int64)
	var oldTotal, newTotal int64

	seen := make(map[int64]struct{}, len(proposed))
	for _, p := range proposed {
		oldAmount, ok := original[p.RevisionFundingSourceID]
		if !ok {
			return nil, nil, apperrors.InvalidInput("fundingSources",
				fmt.Sprintf("funding source row %d is not part of this request", p.RevisionFundingSourceID))
		}
		if _, dup := seen[p.RevisionFundingSourceID]; dup {
			return nil, nil, apperrors.InvalidInput("fundingSources",
				fmt.Sprintf("funding source row %d appears more than once", p.RevisionFundingSourceID))
		}
		seen[p.RevisionFundingSourceID] = struct{}{}

		oldTotal += oldAmount
		newTotal += p.AmountCents

		if p.AmountCents != oldAmount {
			changes[strconv.FormatInt(p.RevisionFundingSourceID, 10)] = repository.FundChange{
				NewAmountCents: p.AmountCents,
				OldAmountCents: oldAmount,
			}
			updates[p.RevisionFundingSourceID] = p.AmountCents
		}
	}

	if len(updates) > 0 && newTotal != oldTotal {
		return nil, nil, apperrors.InvalidInput("fundingSources",
			fmt.Sprintf("funding total must stay %d cents, got %d", oldTotal, newTotal))
	}

	return changes, updates, nil
}

// firstPending returns the lowest-order link still awaiting approval.
func firstPending(links []*repository.ChainLink) *repository.ChainLink {
	for _, link := range links {
		if link.Action == repository.ActionApprovalNeeded {
			return link
		}
	}
	return nil
}

// nextPendingAfter returns the first pending link after the given order.
func nextPendingAfter(links []*repository.ChainLink, order int) *repository.ChainLink {
	for _, link := range links {
		if link.ApproverOrder > order && link.Action == repository.ActionApprovalNeeded {
			return link
		}
	}
	return nil
}

// pendingApproverOf returns the current pending approver as a recipient
// list, or nil. Used for courtesy notifications only; lookup failures are
// logged and ignored.
func (s *WorkflowService) pendingApproverOf(ctx context.Context, revisionID int64) []string {
	links, err := s.links.ListLinks(ctx, revisionID)
	if err != nil {
		s.log.Warn().Err(err).Int64("revision_id", revisionID).Msg("Could not load links for notification")
		return nil
	}
	if pending := firstPending(links); pending != nil {
		return []string{pending.EmployeeKerberos}
	}
	return nil
}

func (s *WorkflowService) publish(ctx context.Context, event, requestID, actor string, recipients []string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishRequestEvent(ctx, event, requestID, actor, recipients, payload)
}

// recordOutcome counts a failed transition and passes the error through.
func (s *WorkflowService) recordOutcome(action string, err error) error {
	telemetry.TransitionsTotal.WithLabelValues(action, string(apperrors.CodeOf(err))).Inc()
	return err
}
