package reservation

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ApprovalStep is one stage of a flow. Steps sharing an Order form a parallel group.
type ApprovalStep struct {
	Name     string
	Roles    []string
	Order    int
	Required bool
	Parallel bool
}

// ApprovalContext is what auto-approve predicates see.
type ApprovalContext struct {
	ReservationID  string
	SeriesID       string
	ResourceID     string
	ResourceType   string
	RequesterID    string
	RequesterRoles []string
	Window         Window
	Occurrences    int
}

func (c ApprovalContext) Duration() time.Duration { return c.Window.Duration() }

// AutoApprovePredicate decides whether manual steps can be skipped.
type AutoApprovePredicate func(ApprovalContext) bool

// ApprovalFlow is externally managed configuration read by the engine.
type ApprovalFlow struct {
	ID            string
	Name          string
	Steps         []ApprovalStep
	ResourceTypes []string

	AutoApprove            AutoApprovePredicate
	AutoApproveDescription string

	// Quorums maps a parallel group's Order to the approvals it needs.
	// Zero or missing means every required member must approve.
	Quorums map[int]int

	IsDefault bool
}

func (f ApprovalFlow) Validate() error {
	v := &ValidationError{}
	if f.ID == "" {
		v.Add("flow.id", "flow id is required")
	}
	if len(f.Steps) == 0 && f.AutoApprove == nil {
		v.Add("flow.steps", "a flow needs at least one step or an auto-approve condition")
	}
	names := make(map[string]bool, len(f.Steps))
	orders := make(map[int][]ApprovalStep)
	for _, s := range f.Steps {
		if s.Name == "" {
			v.Add("flow.steps", "every step needs a name")
			continue
		}
		if names[s.Name] {
			v.Add("flow.steps."+s.Name, "duplicate step name")
		}
		names[s.Name] = true
		if len(s.Roles) == 0 {
			v.Add("flow.steps."+s.Name, "at least one approver role is required")
		}
		orders[s.Order] = append(orders[s.Order], s)
	}
	for order, group := range orders {
		if len(group) < 2 {
			continue
		}
		for _, s := range group {
			if !s.Parallel {
				v.Add("flow.steps."+s.Name, fmt.Sprintf("shares order %d with other steps but is not parallel", order))
			}
		}
		if q := f.Quorums[order]; q > len(group) {
			v.Add(fmt.Sprintf("flow.quorums.%d", order), "quorum exceeds group size")
		}
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

// Groups returns the steps bucketed by Order, ascending.
func (f ApprovalFlow) Groups() [][]ApprovalStep {
	steps := append([]ApprovalStep(nil), f.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	var groups [][]ApprovalStep
	for i, s := range steps {
		if i == 0 || s.Order != steps[i-1].Order {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], s)
	}
	return groups
}

func (f ApprovalFlow) Step(name string) (ApprovalStep, bool) {
	for _, s := range f.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return ApprovalStep{}, false
}

func (f ApprovalFlow) appliesTo(resourceType string) bool {
	for _, t := range f.ResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// FlowRegistry resolves approval flows by id or by resource type.
type FlowRegistry interface {
	Flow(ctx context.Context, id string) (ApprovalFlow, error)
	FlowFor(ctx context.Context, resourceType string) (ApprovalFlow, error)
}

// StaticFlows is a FlowRegistry over a fixed set of flows.
type StaticFlows struct {
	flows map[string]ApprovalFlow
	order []string
}

func NewStaticFlows(flows ...ApprovalFlow) (*StaticFlows, error) {
	s := &StaticFlows{flows: make(map[string]ApprovalFlow, len(flows))}
	defaults := 0
	for _, f := range flows {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("flow %s: %w", f.ID, err)
		}
		if _, dup := s.flows[f.ID]; dup {
			return nil, invalidArgument("flow.id", "duplicate flow id "+f.ID)
		}
		if f.IsDefault {
			defaults++
		}
		s.flows[f.ID] = f
		s.order = append(s.order, f.ID)
	}
	if defaults > 1 {
		return nil, invalidArgument("flow.default", "only one default flow is allowed")
	}
	return s, nil
}

func (s *StaticFlows) Flow(_ context.Context, id string) (ApprovalFlow, error) {
	f, ok := s.flows[id]
	if !ok {
		return ApprovalFlow{}, notFound("flow", id)
	}
	return f, nil
}

// FlowFor prefers a flow listing the resource type, then the default flow.
func (s *StaticFlows) FlowFor(_ context.Context, resourceType string) (ApprovalFlow, error) {
	var fallback *ApprovalFlow
	for _, id := range s.order {
		f := s.flows[id]
		if f.appliesTo(resourceType) {
			return f, nil
		}
		if f.IsDefault && fallback == nil {
			fallback = &f
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return ApprovalFlow{}, notFound("flow", "resource_type:"+resourceType)
}

func (s *StaticFlows) IDs() []string { return append([]string(nil), s.order...) }
