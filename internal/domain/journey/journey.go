// Package journey models multi-step usage scenarios. A template names an
// ordered list of steps; a session instantiates a template and walks it
// step by step, feeding the current step's description into prompts so
// consecutive mock responses tell a coherent story.
package journey

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one stage of a journey.
type Step struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Shape       string            `yaml:"shape,omitempty" json:"shape,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Template is a named, ordered scenario definition.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Validate checks the template is usable.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("journey template needs a name")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("journey template %q has no steps", t.Name)
	}
	seen := map[string]bool{}
	for i, s := range t.Steps {
		if s.Name == "" {
			return fmt.Errorf("journey template %q: step %d has no name", t.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("journey template %q: duplicate step %q", t.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// ParseTemplates decodes a YAML document of the form
// "journeys: [{name, steps: [...]}, ...]".
func ParseTemplates(data []byte) ([]Template, error) {
	var doc struct {
		Journeys []Template `yaml:"journeys"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse journey templates: %w", err)
	}
	for _, t := range doc.Journeys {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Journeys, nil
}

// Instance is a session's position in a journey. Instances are values:
// AdvanceStep returns a new Instance and never mutates the receiver.
type Instance struct {
	SessionID string            `json:"sessionId"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
	Steps     []Step            `json:"steps"`
	StepIndex int               `json:"stepIndex"`
	Completed bool              `json:"completed"`
}

// CurrentStep returns the active step, or false when the journey has
// completed.
func (in Instance) CurrentStep() (Step, bool) {
	if in.Completed || in.StepIndex < 0 || in.StepIndex >= len(in.Steps) {
		return Step{}, false
	}
	return in.Steps[in.StepIndex], true
}

// AdvanceStep returns a copy positioned at the next step. Advancing past
// the last step marks the copy completed.
func (in Instance) AdvanceStep() Instance {
	next := in
	if next.Completed {
		return next
	}
	next.StepIndex++
	if next.StepIndex >= len(next.Steps) {
		next.StepIndex = len(next.Steps) - 1
		next.Completed = true
	}
	return next
}

// Hint renders the current step as a prompt influence line.
func (in Instance) Hint() string {
	step, ok := in.CurrentStep()
	if !ok {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "journey %q step %d/%d (%s)", in.Template, in.StepIndex+1, len(in.Steps), step.Name)
	if step.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(step.Description)
	}
	return sb.String()
}

// resolve substitutes {{var}} placeholders in step text from the merged
// template and session variables.
func resolve(steps []Step, vars map[string]string) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		merged := map[string]string{}
		for k, v := range s.Variables {
			merged[k] = v
		}
		for k, v := range vars {
			merged[k] = v
		}
		s.Description = substitute(s.Description, merged)
		s.Shape = substitute(s.Shape, merged)
		out[i] = s
	}
	return out
}

func substitute(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}
