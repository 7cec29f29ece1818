// Package trace implements the requirements-traceability gate: every
// registered requirement must map to at least one plan step, and every
// referenced requirement must exist in the registry. The check runs over
// the ungated plan, before the first DUT call.
package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mtaplabs/mtap/internal/plan"
)

// Sentinel causes of a gate failure.
var (
	ErrUncovered          = errors.New("requirement not covered by any step")
	ErrUnknownRequirement = errors.New("step references unknown requirement")
)

// Requirement is one registry entry.
type Requirement struct {
	Title string `yaml:"title"`
	Owner string `yaml:"owner"`
}

// Registry maps req_id to its requirement record.
type Registry map[string]Requirement

// LoadRegistry reads the requirements document, a mapping under the
// top-level "requirements" key.
func LoadRegistry(path string) (Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(raw)
}

// ParseRegistry parses a registry document from raw YAML.
func ParseRegistry(raw []byte) (Registry, error) {
	var doc struct {
		Requirements Registry `yaml:"requirements"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Requirements == nil {
		return Registry{}, nil
	}
	return doc.Requirements, nil
}

// Coverage is the resolved req-to-steps mapping for one plan.
type Coverage struct {
	registry Registry
	// mappedSteps[reqID] holds step ids in plan declaration order.
	mappedSteps map[string][]string
}

// Check validates both directions of the mapping over the ungated step
// list and returns the coverage on success. Violations report every
// offending requirement, not just the first.
func Check(reg Registry, steps []plan.Step) (*Coverage, error) {
	mapped := make(map[string][]string, len(reg))

	var unknown []string
	for _, s := range steps {
		for _, r := range s.ReqIDs {
			if _, ok := reg[r]; !ok {
				unknown = append(unknown, fmt.Sprintf("%s (step %s)", r, s.ID))
				continue
			}
			mapped[r] = append(mapped[r], s.ID)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequirement, strings.Join(unknown, ", "))
	}

	var uncovered []string
	for r := range reg {
		if len(mapped[r]) == 0 {
			uncovered = append(uncovered, r)
		}
	}
	if len(uncovered) > 0 {
		sort.Strings(uncovered)
		return nil, fmt.Errorf("%w: %s", ErrUncovered, strings.Join(uncovered, ", "))
	}

	return &Coverage{registry: reg, mappedSteps: mapped}, nil
}

// WriteMatrix emits the coverage matrix CSV, one row per requirement,
// sorted by req_id.
func (c *Coverage) WriteMatrix(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"req_id", "title", "covered", "mapped_steps"}); err != nil {
		return err
	}

	ids := make([]string, 0, len(c.registry))
	for r := range c.registry {
		ids = append(ids, r)
	}
	sort.Strings(ids)

	for _, r := range ids {
		covered := "N"
		if len(c.mappedSteps[r]) > 0 {
			covered = "Y"
		}
		row := []string{r, c.registry[r].Title, covered, strings.Join(c.mappedSteps[r], ";")}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
