/*
Package factory provides JSON to Go approval flow conversion.

PURPOSE:
  Converts JSON flow definitions into reservation.ApprovalFlow values.
  Flows are externally managed configuration: facility managers define
  them in JSON files and the factory builds the step list and the
  auto-approve predicate the engine evaluates.

JSON SCHEMA:
  {
    "id": "lab-equipment",
    "name": "Lab equipment",
    "resource_types": ["lab", "equipment"],
    "default": false,
    "steps": [
      {"name": "lab-manager", "roles": ["lab_manager"], "order": 1},
      {"name": "safety", "roles": ["safety_officer"], "order": 2, "parallel": true},
      {"name": "finance", "roles": ["finance"], "order": 2, "parallel": true, "required": false}
    ],
    "quorums": {"2": 1},
    "auto_approve": {
      "max_duration": "2h",
      "requester_roles": ["lab_staff"],
      "resource_types": ["lab"],
      "max_occurrences": 1
    }
  }

AUTO-APPROVE:
  Every condition present must hold. max_duration is strict: a booking of
  exactly max_duration is not auto-approved. A flow with no steps needs an
  auto_approve block.

USAGE:
  f := factory.NewFlowFactory()
  flow, err := f.ParseFlow(jsonString)

  // From a preset
  flow, err := f.ParseFlow(factory.StandardRoomJSON("room-standard", 4*time.Hour))

SEE ALSO:
  - reservation/flow.go: ApprovalFlow and StaticFlows
  - factory/presets.go: preset flow definitions
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/warp/reservation-engine/reservation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FlowJSON is the JSON representation of an approval flow.
type FlowJSON struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	ResourceTypes []string         `json:"resource_types,omitempty"`
	Default       bool             `json:"default,omitempty"`
	Steps         []StepJSON       `json:"steps"`
	Quorums       map[int]int      `json:"quorums,omitempty"` // group order -> approvals needed
	AutoApprove   *AutoApproveJSON `json:"auto_approve,omitempty"`
}

// StepJSON represents one approval step.
type StepJSON struct {
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	Order    int      `json:"order"`
	Required *bool    `json:"required,omitempty"` // Default true
	Parallel bool     `json:"parallel,omitempty"`
}

// AutoApproveJSON represents the conditions under which manual steps are skipped.
type AutoApproveJSON struct {
	MaxDuration    string   `json:"max_duration,omitempty"` // Go duration, e.g. "2h"
	RequesterRoles []string `json:"requester_roles,omitempty"`
	ResourceTypes  []string `json:"resource_types,omitempty"`
	MaxOccurrences int      `json:"max_occurrences,omitempty"`
}

// =============================================================================
// FLOW FACTORY
// =============================================================================

// FlowFactory converts JSON flows to reservation.ApprovalFlow.
type FlowFactory struct{}

// NewFlowFactory creates a new flow factory.
func NewFlowFactory() *FlowFactory {
	return &FlowFactory{}
}

// ParseFlow parses a JSON string into an ApprovalFlow.
func (f *FlowFactory) ParseFlow(jsonStr string) (reservation.ApprovalFlow, error) {
	var fj FlowJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return reservation.ApprovalFlow{}, fmt.Errorf("failed to parse flow JSON: %w", err)
	}
	return f.FromJSON(fj)
}

// LoadFile reads one flow definition from disk.
func (f *FlowFactory) LoadFile(path string) (reservation.ApprovalFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return reservation.ApprovalFlow{}, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}
	flow, err := f.ParseFlow(string(data))
	if err != nil {
		return reservation.ApprovalFlow{}, fmt.Errorf("flow file %s: %w", path, err)
	}
	return flow, nil
}

// FromJSON converts FlowJSON to an ApprovalFlow and validates it.
func (f *FlowFactory) FromJSON(fj FlowJSON) (reservation.ApprovalFlow, error) {
	flow := reservation.ApprovalFlow{
		ID:            fj.ID,
		Name:          fj.Name,
		ResourceTypes: append([]string(nil), fj.ResourceTypes...),
		IsDefault:     fj.Default,
	}
	if flow.Name == "" {
		flow.Name = fj.ID
	}

	for _, sj := range fj.Steps {
		required := true
		if sj.Required != nil {
			required = *sj.Required
		}
		flow.Steps = append(flow.Steps, reservation.ApprovalStep{
			Name:     sj.Name,
			Roles:    append([]string(nil), sj.Roles...),
			Order:    sj.Order,
			Required: required,
			Parallel: sj.Parallel,
		})
	}

	if len(fj.Quorums) > 0 {
		flow.Quorums = make(map[int]int, len(fj.Quorums))
		for order, q := range fj.Quorums {
			if q < 0 {
				return reservation.ApprovalFlow{}, fmt.Errorf("flow %s: quorum for order %d must not be negative", fj.ID, order)
			}
			flow.Quorums[order] = q
		}
	}

	if fj.AutoApprove != nil {
		pred, desc, err := parseAutoApprove(*fj.AutoApprove)
		if err != nil {
			return reservation.ApprovalFlow{}, fmt.Errorf("flow %s: %w", fj.ID, err)
		}
		flow.AutoApprove = pred
		flow.AutoApproveDescription = desc
	}

	if err := flow.Validate(); err != nil {
		return reservation.ApprovalFlow{}, err
	}
	return flow, nil
}

// ToJSON converts an ApprovalFlow back to FlowJSON. Auto-approve predicates
// are code and cannot be serialized; pass the source conditions if known.
func (f *FlowFactory) ToJSON(flow reservation.ApprovalFlow, auto *AutoApproveJSON) FlowJSON {
	fj := FlowJSON{
		ID:            flow.ID,
		Name:          flow.Name,
		ResourceTypes: append([]string(nil), flow.ResourceTypes...),
		Default:       flow.IsDefault,
		AutoApprove:   auto,
	}
	for _, s := range flow.Steps {
		required := s.Required
		fj.Steps = append(fj.Steps, StepJSON{
			Name:     s.Name,
			Roles:    append([]string(nil), s.Roles...),
			Order:    s.Order,
			Required: &required,
			Parallel: s.Parallel,
		})
	}
	if len(flow.Quorums) > 0 {
		fj.Quorums = make(map[int]int, len(flow.Quorums))
		for k, v := range flow.Quorums {
			fj.Quorums[k] = v
		}
	}
	return fj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseAutoApprove(aj AutoApproveJSON) (reservation.AutoApprovePredicate, string, error) {
	var (
		conds []func(reservation.ApprovalContext) bool
		desc  []string
	)

	if aj.MaxDuration != "" {
		max, err := time.ParseDuration(aj.MaxDuration)
		if err != nil {
			return nil, "", fmt.Errorf("invalid auto_approve.max_duration: %w", err)
		}
		if max <= 0 {
			return nil, "", fmt.Errorf("auto_approve.max_duration must be positive")
		}
		conds = append(conds, func(c reservation.ApprovalContext) bool { return c.Duration() < max })
		desc = append(desc, "duration under "+max.String())
	}

	if len(aj.RequesterRoles) > 0 {
		roles := toSet(aj.RequesterRoles)
		conds = append(conds, func(c reservation.ApprovalContext) bool {
			for _, r := range c.RequesterRoles {
				if roles[r] {
					return true
				}
			}
			return false
		})
		desc = append(desc, "requester role in "+joinSorted(roles))
	}

	if len(aj.ResourceTypes) > 0 {
		types := toSet(aj.ResourceTypes)
		conds = append(conds, func(c reservation.ApprovalContext) bool { return types[c.ResourceType] })
		desc = append(desc, "resource type in "+joinSorted(types))
	}

	if aj.MaxOccurrences > 0 {
		max := aj.MaxOccurrences
		conds = append(conds, func(c reservation.ApprovalContext) bool {
			n := c.Occurrences
			if n == 0 {
				n = 1
			}
			return n <= max
		})
		desc = append(desc, fmt.Sprintf("at most %d occurrences", max))
	}

	if len(conds) == 0 {
		return nil, "", fmt.Errorf("auto_approve needs at least one condition")
	}

	pred := func(c reservation.ApprovalContext) bool {
		for _, cond := range conds {
			if !cond(c) {
				return false
			}
		}
		return true
	}
	return pred, strings.Join(desc, " and "), nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func joinSorted(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "[" + strings.Join(keys, ", ") + "]"
}
