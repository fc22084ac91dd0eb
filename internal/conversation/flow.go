// Package conversation manages resumable multi-step dialogue state:
// flow definitions, the persistent state store, and the expiry sweeper.
package conversation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fixwise/fixwise/internal/fault"
)

// Flow types.
const (
	FlowEquipmentIntake = "equipment_intake"
	FlowIssueReport     = "issue_report"
)

// Step is one field-collecting turn of a flow.
type Step struct {
	// Field is the key the answer is stored under.
	Field string
	// Prompt is what the assistant asks to elicit the field.
	Prompt string
	// Optional steps accept "skip" and store an empty value.
	Optional bool
	// Validate rejects unusable answers. nil accepts anything non-empty.
	Validate func(input string) error
}

// Flow is an ordered sequence of steps.
type Flow struct {
	Type  string
	Steps []Step
}

// Registry holds the known flows. Built once at startup and read-only
// afterward.
type Registry struct {
	flows map[string]Flow
}

// NewRegistry validates and indexes the given flows.
func NewRegistry(flows ...Flow) (*Registry, error) {
	r := &Registry{flows: make(map[string]Flow, len(flows))}
	for _, f := range flows {
		if f.Type == "" || len(f.Steps) == 0 {
			return nil, fault.Config(fmt.Errorf("flow %q has no steps", f.Type))
		}
		if _, dup := r.flows[f.Type]; dup {
			return nil, fault.Config(fmt.Errorf("duplicate flow type %q", f.Type))
		}
		seen := make(map[string]bool, len(f.Steps))
		for _, s := range f.Steps {
			if s.Field == "" || s.Prompt == "" {
				return nil, fault.Config(fmt.Errorf("flow %q has a step without field or prompt", f.Type))
			}
			if seen[s.Field] {
				return nil, fault.Config(fmt.Errorf("flow %q collects field %q twice", f.Type, s.Field))
			}
			seen[s.Field] = true
		}
		r.flows[f.Type] = f
	}
	return r, nil
}

// Lookup returns the flow for flowType.
func (r *Registry) Lookup(flowType string) (Flow, bool) {
	f, ok := r.flows[flowType]
	return f, ok
}

var serialRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-/. ]{2,63}$`)

// DefaultFlows returns the built-in flow set.
func DefaultFlows() []Flow {
	return []Flow{
		{
			Type: FlowEquipmentIntake,
			Steps: []Step{
				{Field: "nickname", Prompt: "What would you like to call this piece of equipment?"},
				{Field: "manufacturer", Prompt: "Who manufactures it?"},
				{Field: "model", Prompt: "What is the model number?"},
				{
					Field:    "serial",
					Prompt:   "What is the serial number? (say \"skip\" if you can't find it)",
					Optional: true,
					Validate: func(input string) error {
						if !serialRe.MatchString(strings.TrimSpace(input)) {
							return fmt.Errorf("serial numbers are 3-64 letters, digits, dashes or slashes")
						}
						return nil
					},
				},
				{Field: "location", Prompt: "Where is it located?", Optional: true},
			},
		},
		{
			Type: FlowIssueReport,
			Steps: []Step{
				{Field: "equipment", Prompt: "Which piece of equipment is having the issue?"},
				{Field: "symptom", Prompt: "What is it doing (or failing to do)?"},
				{Field: "onset", Prompt: "When did the problem start, and was anything changed around then?", Optional: true},
			},
		},
	}
}
