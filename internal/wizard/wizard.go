// Package wizard defines the ordered steps of the listing wizard and
// maps them to and from the ?step= query parameter.
package wizard

import (
	_ "embed"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/cyruslayo/buildr/internal/models"
	"gopkg.in/yaml.v3"
)

// QueryParam addresses the current step in a URL.
const QueryParam = "step"

//go:embed preset.yaml
var defaultPreset []byte

// Step is one page of the wizard.
type Step struct {
	ID     string   `yaml:"id"`
	Title  string   `yaml:"title"`
	Fields []string `yaml:"fields"`
}

type preset struct {
	Name     string         `yaml:"name"`
	Defaults map[string]any `yaml:"defaults"`
	Steps    []Step         `yaml:"steps"`
}

// Sequencer walks a fixed list of steps. Unknown tokens resolve to the
// first step and movement clamps at both ends.
type Sequencer struct {
	name     string
	defaults models.Fields
	steps    []Step
	index    map[string]int
}

// Default returns the built-in property listing wizard.
func Default() *Sequencer {
	s, err := Load(defaultPreset)
	if err != nil {
		panic(fmt.Sprintf("embedded wizard preset: %v", err))
	}

	return s
}

// Load parses a YAML preset.
func Load(data []byte) (*Sequencer, error) {
	var p preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing wizard preset: %w", err)
	}

	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("wizard preset %q has no steps", p.Name)
	}

	s := &Sequencer{
		name:     p.Name,
		defaults: models.Fields(p.Defaults).Clone(),
		steps:    p.Steps,
		index:    make(map[string]int, len(p.Steps)),
	}

	for i, step := range p.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("wizard step %d has no id", i+1)
		}

		if _, dup := s.index[step.ID]; dup {
			return nil, fmt.Errorf("duplicate wizard step %q", step.ID)
		}

		s.index[step.ID] = i
	}

	return s, nil
}

// Name returns the preset name.
func (s *Sequencer) Name() string { return s.name }

// Defaults returns the initial draft fields.
func (s *Sequencer) Defaults() models.Fields { return s.defaults.Clone() }

// Steps returns the steps in order.
func (s *Sequencer) Steps() []Step {
	return append([]Step(nil), s.steps...)
}

// FieldNames lists every field collected by any step, in step order.
func (s *Sequencer) FieldNames() []string {
	seen := make(map[string]bool)

	var out []string

	for _, step := range s.steps {
		for _, f := range step.Fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}

	for _, f := range slices.Sorted(maps.Keys(s.defaults)) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	return out
}

// Resolve returns the step named by token, or the first step.
func (s *Sequencer) Resolve(token string) Step {
	return s.steps[s.indexOf(token)]
}

// Next returns the step after token, staying on the last step.
func (s *Sequencer) Next(token string) Step {
	return s.steps[min(s.indexOf(token)+1, len(s.steps)-1)]
}

// Previous returns the step before token, staying on the first step.
func (s *Sequencer) Previous(token string) Step {
	return s.steps[max(s.indexOf(token)-1, 0)]
}

// Position returns the 1-based position of token and the step count.
func (s *Sequencer) Position(token string) (pos, total int) {
	return s.indexOf(token) + 1, len(s.steps)
}

// IsFirst reports whether token resolves to the first step.
func (s *Sequencer) IsFirst(token string) bool { return s.indexOf(token) == 0 }

// IsLast reports whether token resolves to the last step.
func (s *Sequencer) IsLast(token string) bool { return s.indexOf(token) == len(s.steps)-1 }

// FromQuery resolves the step named in the query string.
func (s *Sequencer) FromQuery(q url.Values) Step {
	return s.Resolve(q.Get(QueryParam))
}

// Location returns u with its step parameter set to step. Other query
// parameters are kept.
func (s *Sequencer) Location(u *url.URL, step Step) string {
	next := *u
	q := next.Query()
	q.Set(QueryParam, s.Resolve(step.ID).ID)
	next.RawQuery = q.Encode()

	return next.String()
}

func (s *Sequencer) indexOf(token string) int {
	if i, ok := s.index[token]; ok {
		return i
	}

	return 0
}
