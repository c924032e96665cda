package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/reservation-engine/reservation"
)

// StandardRoomJSON returns JSON for the default meeting-room flow: one
// facilities approval, skipped for bookings shorter than autoUnder.
func StandardRoomJSON(id string, autoUnder time.Duration) string {
	fj := map[string]interface{}{
		"id":             id,
		"name":           "Standard room",
		"resource_types": []string{"room"},
		"default":        true,
		"steps": []map[string]interface{}{
			{"name": "facilities", "roles": []string{"facilities"}, "order": 1},
		},
		"auto_approve": map[string]interface{}{
			"max_duration": autoUnder.String(),
		},
	}
	b, _ := json.MarshalIndent(fj, "", "  ")
	return string(b)
}

// LabEquipmentJSON returns JSON for a two-stage lab flow: the lab manager
// first, then safety and finance in parallel where one approval suffices.
func LabEquipmentJSON(id string) string {
	fj := map[string]interface{}{
		"id":             id,
		"name":           "Lab equipment",
		"resource_types": []string{"lab", "equipment"},
		"steps": []map[string]interface{}{
			{"name": "lab-manager", "roles": []string{"lab_manager"}, "order": 1},
			{"name": "safety", "roles": []string{"safety_officer"}, "order": 2, "parallel": true, "required": false},
			{"name": "finance", "roles": []string{"finance"}, "order": 2, "parallel": true, "required": false},
		},
		"quorums": map[string]int{"2": 1},
		"auto_approve": map[string]interface{}{
			"requester_roles": []string{"lab_manager"},
			"max_duration":    "1h",
		},
	}
	b, _ := json.MarshalIndent(fj, "", "  ")
	return string(b)
}

// SelfServiceJSON returns JSON for a flow with no manual steps: bookings of
// the given resource types are approved as long as they are shorter than maxDuration.
func SelfServiceJSON(id string, maxDuration time.Duration, resourceTypes ...string) string {
	fj := map[string]interface{}{
		"id":             id,
		"name":           "Self service",
		"resource_types": resourceTypes,
		"steps":          []map[string]interface{}{},
		"auto_approve": map[string]interface{}{
			"max_duration": maxDuration.String(),
		},
	}
	b, _ := json.MarshalIndent(fj, "", "  ")
	return string(b)
}

// Preset builds a named preset flow with its default parameters.
func (f *FlowFactory) Preset(name string) (reservation.ApprovalFlow, error) {
	switch name {
	case "standard-room":
		return f.ParseFlow(StandardRoomJSON(name, 4*time.Hour))
	case "lab-equipment":
		return f.ParseFlow(LabEquipmentJSON(name))
	case "self-service":
		return f.ParseFlow(SelfServiceJSON(name, 2*time.Hour, "desk", "locker"))
	default:
		return reservation.ApprovalFlow{}, fmt.Errorf("unknown preset flow: %s", name)
	}
}

// PresetNames lists the presets accepted by Preset.
func PresetNames() []string {
	return []string{"standard-room", "lab-equipment", "self-service"}
}
