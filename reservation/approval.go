/*
approval.go - Approval workflow engine

PURPOSE:
  Runs one ApprovalRequest through the steps of an ApprovalFlow. Steps are
  evaluated group by group in Order; steps sharing an Order are a parallel
  group and may be decided in any arrival order.

STATE MACHINE:
  PENDING --decisions--> APPROVED | REJECTED
  PENDING | APPROVED --cancel--> CANCELLED
  REJECTED and CANCELLED are terminal.

GROUP RULES:
  - A required rejection rejects the whole request at once.
  - An optional rejection only matters when it makes the group quorum
    unreachable.
  - A group completes when every required member approved and, if the flow
    sets a quorum for it, at least that many members approved.
  - Optional members left undecided when their group completes stay open
    alongside later groups until the request resolves. An all-optional
    group completes as soon as it is reached.

CONCURRENCY:
  Decisions for one request are serialized through KeyedLocks so the
  read-modify-write of the decision log never loses an entry. Whatever
  decision is applied first wins; a later decision on a rejected request
  fails with InvalidStateError.

SEE ALSO:
  - flow.go: ApprovalFlow, FlowRegistry
  - orchestrator.go: applies approval outcomes to reservations
*/
package reservation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalRejected || s == ApprovalCancelled
}

type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

const (
	AutoApproveStep  = "auto-approve"
	SystemApproverID = "system"
)

// DecisionEntry is one line of the decision log.
type DecisionEntry struct {
	Step       string
	ApproverID string
	Decision   Decision
	Comment    string
	Timestamp  time.Time
	Synthetic  bool
}

type ApprovalRequest struct {
	ID            string
	ReservationID string
	SeriesID      string
	ResourceID    string
	FlowID        string
	RequesterID   string
	Status        ApprovalStatus
	Decisions     []DecisionEntry
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

func (r ApprovalRequest) decisionFor(step string) (DecisionEntry, bool) {
	for _, d := range r.Decisions {
		if d.Step == step && !d.Synthetic {
			return d, true
		}
	}
	return DecisionEntry{}, false
}

// evaluate derives the request status from the flow and the decision log.
// While pending it also returns the steps that can be decided now: the
// undecided members of the active group, plus undecided optional members of
// groups already satisfied. Those stay open until the request resolves.
func evaluate(flow ApprovalFlow, req ApprovalRequest) (ApprovalStatus, []ApprovalStep) {
	var carried []ApprovalStep
	for _, group := range flow.Groups() {
		approvals, undecided := 0, 0
		requiredDone := true
		var open []ApprovalStep
		for _, step := range group {
			d, ok := req.decisionFor(step.Name)
			switch {
			case !ok:
				undecided++
				open = append(open, step)
				if step.Required {
					requiredDone = false
				}
			case d.Decision == DecisionRejected:
				if step.Required {
					return ApprovalRejected, nil
				}
			default:
				approvals++
			}
		}
		quorum := flow.Quorums[group[0].Order]
		if quorum > 0 && approvals+undecided < quorum {
			return ApprovalRejected, nil
		}
		if requiredDone && (quorum == 0 || approvals >= quorum) {
			carried = append(carried, open...)
			continue
		}
		return ApprovalPending, append(carried, open...)
	}
	return ApprovalApproved, nil
}

// ApprovalEngine owns the approval request state machine.
type ApprovalEngine struct {
	Store    ApprovalStore
	Flows    FlowRegistry
	Roles    RoleResolver
	Notifier Notifier
	Audit    AuditLog
	Locks    *KeyedLocks
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

func NewApprovalEngine(store ApprovalStore, flows FlowRegistry, roles RoleResolver, audit AuditLog, notifier Notifier, logger *zap.Logger) *ApprovalEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalEngine{
		Store:    store,
		Flows:    flows,
		Roles:    roles,
		Notifier: notifier,
		Audit:    audit,
		Locks:    NewKeyedLocks(),
		Logger:   logger,
		Now:      time.Now,
		NewID:    newUUID,
	}
}

// ResolveFlow picks flowID when given, otherwise the flow registered for the resource type.
func (e *ApprovalEngine) ResolveFlow(ctx context.Context, flowID, resourceType string) (ApprovalFlow, error) {
	if flowID != "" {
		return e.Flows.Flow(ctx, flowID)
	}
	return e.Flows.FlowFor(ctx, resourceType)
}

// Start opens a request for actx under flow. The auto-approve predicate is
// evaluated before any manual step is offered.
func (e *ApprovalEngine) Start(ctx context.Context, flow ApprovalFlow, actx ApprovalContext) (ApprovalRequest, error) {
	if actx.RequesterID == "" {
		return ApprovalRequest{}, invalidArgument("requester_id", "requester id is required")
	}
	if len(actx.RequesterRoles) == 0 && e.Roles != nil {
		roles, err := e.Roles.RolesOf(ctx, actx.RequesterID)
		if err != nil {
			return ApprovalRequest{}, fmt.Errorf("failed to resolve requester roles: %w", err)
		}
		actx.RequesterRoles = roles
	}

	now := e.Now()
	req := ApprovalRequest{
		ID:            e.NewID(),
		ReservationID: actx.ReservationID,
		SeriesID:      actx.SeriesID,
		ResourceID:    actx.ResourceID,
		FlowID:        flow.ID,
		RequesterID:   actx.RequesterID,
		Status:        ApprovalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	action := "created"
	var open []ApprovalStep
	if flow.AutoApprove != nil && flow.AutoApprove(actx) {
		comment := "auto-approved"
		if flow.AutoApproveDescription != "" {
			comment += ": " + flow.AutoApproveDescription
		}
		req.Decisions = append(req.Decisions, DecisionEntry{
			Step:       AutoApproveStep,
			ApproverID: SystemApproverID,
			Decision:   DecisionApproved,
			Comment:    comment,
			Timestamp:  now,
			Synthetic:  true,
		})
		req.Status = ApprovalApproved
		action = "auto_approved"
	} else if len(flow.Steps) == 0 {
		return ApprovalRequest{}, &InvalidStateError{Entity: "approval_flow", ID: flow.ID, State: "auto_approve_only",
			Action: "start", Reason: "booking does not meet " + flow.AutoApproveDescription}
	} else {
		req.Status, open = evaluate(flow, req)
	}
	if req.Status != ApprovalPending {
		req.ResolvedAt = &now
	}

	if err := e.Store.SaveApprovalRequest(ctx, req); err != nil {
		return ApprovalRequest{}, fmt.Errorf("failed to save approval request: %w", err)
	}
	e.audit(ctx, req, action, SystemApproverID, "", string(req.Status))
	e.notifySteps(ctx, req, open)

	e.Logger.Info("approval request started",
		zap.String("approval_request_id", req.ID),
		zap.String("flow_id", flow.ID),
		zap.String("status", string(req.Status)))
	return req, nil
}

func (e *ApprovalEngine) ApproveStep(ctx context.Context, requestID, step, approverID, comment string) (ApprovalRequest, error) {
	return e.Decide(ctx, requestID, step, approverID, DecisionApproved, comment)
}

func (e *ApprovalEngine) RejectStep(ctx context.Context, requestID, step, approverID, comment string) (ApprovalRequest, error) {
	return e.Decide(ctx, requestID, step, approverID, DecisionRejected, comment)
}

// Decide appends one step decision and re-evaluates the request.
func (e *ApprovalEngine) Decide(ctx context.Context, requestID, stepName, approverID string, decision Decision, comment string) (ApprovalRequest, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return ApprovalRequest{}, invalidArgument("decision", fmt.Sprintf("unknown decision %q", decision))
	}
	if approverID == "" {
		return ApprovalRequest{}, invalidArgument("approver_id", "approver id is required")
	}

	unlock, err := e.Locks.Lock(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	defer unlock()

	req, err := e.Store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	stateErr := func(reason string) error {
		return &InvalidStateError{Entity: "approval_request", ID: req.ID, State: string(req.Status),
			Action: "decide step " + stepName, Reason: reason}
	}
	if req.Status != ApprovalPending {
		return ApprovalRequest{}, stateErr("request is no longer pending")
	}

	flow, err := e.Flows.Flow(ctx, req.FlowID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	step, ok := flow.Step(stepName)
	if !ok {
		return ApprovalRequest{}, notFound("approval_step", stepName)
	}
	if prev, decided := req.decisionFor(stepName); decided {
		if prev.ApproverID == approverID {
			return ApprovalRequest{}, stateErr("approver already decided this step")
		}
		return ApprovalRequest{}, stateErr("step already decided by " + prev.ApproverID)
	}

	_, open := evaluate(flow, req)
	if !containsStep(open, stepName) {
		return ApprovalRequest{}, stateErr("step is not currently eligible")
	}

	if approverID == req.RequesterID {
		return ApprovalRequest{}, &ForbiddenError{ActorID: approverID, Action: "approve own request", Target: req.ID}
	}
	if err := e.checkRole(ctx, approverID, step); err != nil {
		return ApprovalRequest{}, err
	}

	now := e.Now()
	before := req.Status
	req.Decisions = append(req.Decisions, DecisionEntry{
		Step:       stepName,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		Timestamp:  now,
	})
	var next []ApprovalStep
	req.Status, next = evaluate(flow, req)
	req.UpdatedAt = now
	if req.Status != ApprovalPending {
		req.ResolvedAt = &now
	}

	if err := e.Store.SaveApprovalRequest(ctx, req); err != nil {
		return ApprovalRequest{}, fmt.Errorf("failed to save approval request: %w", err)
	}

	action := "step_approved"
	if decision == DecisionRejected {
		action = "step_rejected"
	}
	e.audit(ctx, req, action+":"+stepName, approverID, string(before), string(req.Status))

	if req.Status == ApprovalPending {
		var fresh []ApprovalStep
		for _, s := range next {
			if !containsStep(open, s.Name) {
				fresh = append(fresh, s)
			}
		}
		e.notifySteps(ctx, req, fresh)
	} else {
		e.Notifier.Notify(ctx, NotificationIntent{
			RecipientID: req.RequesterID,
			Template:    TemplateApprovalOutcome,
			Data: map[string]string{
				"approval_request_id": req.ID,
				"reservation_id":      req.ReservationID,
				"series_id":           req.SeriesID,
				"status":              string(req.Status),
				"comment":             comment,
			},
		})
	}

	e.Logger.Info("approval decision recorded",
		zap.String("approval_request_id", req.ID),
		zap.String("step", stepName),
		zap.String("approver_id", approverID),
		zap.String("decision", string(decision)),
		zap.String("status", string(req.Status)))
	return req, nil
}

// Cancel withdraws a pending or approved request.
func (e *ApprovalEngine) Cancel(ctx context.Context, requestID, actorID string) (ApprovalRequest, error) {
	unlock, err := e.Locks.Lock(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	defer unlock()

	req, err := e.Store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status != ApprovalPending && req.Status != ApprovalApproved {
		return ApprovalRequest{}, &InvalidStateError{Entity: "approval_request", ID: req.ID,
			State: string(req.Status), Action: "cancel"}
	}

	now := e.Now()
	before := req.Status
	req.Status = ApprovalCancelled
	req.UpdatedAt = now
	req.ResolvedAt = &now
	if err := e.Store.SaveApprovalRequest(ctx, req); err != nil {
		return ApprovalRequest{}, fmt.Errorf("failed to save approval request: %w", err)
	}
	e.audit(ctx, req, "cancelled", actorID, string(before), string(req.Status))
	return req, nil
}

func (e *ApprovalEngine) Get(ctx context.Context, requestID string) (ApprovalRequest, error) {
	return e.Store.GetApprovalRequest(ctx, requestID)
}

// PendingSteps lists the steps that can be decided right now.
func (e *ApprovalEngine) PendingSteps(ctx context.Context, requestID string) ([]ApprovalStep, error) {
	req, err := e.Store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != ApprovalPending {
		return nil, nil
	}
	flow, err := e.Flows.Flow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	_, open := evaluate(flow, req)
	return open, nil
}

func (e *ApprovalEngine) checkRole(ctx context.Context, approverID string, step ApprovalStep) error {
	if e.Roles == nil {
		return nil
	}
	roles, err := e.Roles.RolesOf(ctx, approverID)
	if err != nil {
		return fmt.Errorf("failed to resolve approver roles: %w", err)
	}
	for _, have := range roles {
		for _, want := range step.Roles {
			if have == want {
				return nil
			}
		}
	}
	return &ForbiddenError{ActorID: approverID, Action: "decide step", Target: step.Name}
}

func (e *ApprovalEngine) notifySteps(ctx context.Context, req ApprovalRequest, steps []ApprovalStep) {
	for _, s := range steps {
		for _, role := range s.Roles {
			e.Notifier.Notify(ctx, NotificationIntent{
				RecipientID: RoleRecipient(role),
				Template:    TemplateApprovalStepPending,
				Data: map[string]string{
					"approval_request_id": req.ID,
					"reservation_id":      req.ReservationID,
					"series_id":           req.SeriesID,
					"step":                s.Name,
				},
			})
		}
	}
}

func (e *ApprovalEngine) audit(ctx context.Context, req ApprovalRequest, action, actorID, before, after string) {
	ev := AuditEvent{
		ID:         e.NewID(),
		EntityID:   req.ID,
		EntityType: "approval_request",
		Action:     action,
		ActorID:    actorID,
		Before:     before,
		After:      after,
		Timestamp:  e.Now(),
	}
	recordAudit(ctx, e.Audit, e.Logger, ev)
}

func containsStep(steps []ApprovalStep, name string) bool {
	for _, s := range steps {
		if s.Name == name {
			return true
		}
	}
	return false
}
