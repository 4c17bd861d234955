// Package rules loads the declarative mapping rule set: which output table
// and column comes from which section, candidate labels, and aggregation
// behavior. Engine behavior for a new field changes here, not in code.
package rules

import (
	"embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
)

// Set EUCTR_MAPPING_RULES_YAML to load a rule set from disk instead of the
// compiled-in default. A broken override is fatal, never silently ignored.
const rulesPathEnv = "EUCTR_MAPPING_RULES_YAML"

//go:embed euctr.yaml
var embeddedRules embed.FS

// Candidate is one label alternative: either an exact label (compared after
// normalization and section-code stripping) or a regular expression matched
// against the canonical label. Exactly one of the two must be set.
type Candidate struct {
	Label   string `yaml:"label,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
	// Section overrides the owning spec's section for this candidate only.
	// Ignored inside sub-block resolution, where the block bounds the scope.
	Section string `yaml:"section,omitempty"`

	re   *regexp.Regexp
	want string
}

// Match reports whether a field label satisfies this candidate. The raw
// canonical form and the code-stripped form are both tried, so "Trade name"
// matches "D.2.1.1.1 Trade name:" as well as "Trade name".
func (c *Candidate) Match(label string) bool {
	canon := htmldoc.CanonicalLabel(label)
	stripped := htmldoc.StripSectionCode(canon)
	if c.re != nil {
		return c.re.MatchString(canon) || c.re.MatchString(stripped)
	}
	return canon == c.want || stripped == c.want
}

func (c *Candidate) compile() error {
	switch {
	case c.Label != "" && c.Pattern != "":
		return fmt.Errorf("candidate declares both label %q and pattern %q", c.Label, c.Pattern)
	case c.Label != "":
		c.want = htmldoc.StripSectionCode(htmldoc.CanonicalLabel(c.Label))
	case c.Pattern != "":
		re, err := regexp.Compile("(?i)" + c.Pattern)
		if err != nil {
			return fmt.Errorf("candidate pattern %q: %w", c.Pattern, err)
		}
		c.re = re
	default:
		return fmt.Errorf("candidate declares neither label nor pattern")
	}
	return nil
}

// FieldSpec maps one output column to an ordered candidate list. Earlier
// candidates win over later ones.
type FieldSpec struct {
	Column     string      `yaml:"column"`
	Section    string      `yaml:"section,omitempty"`
	Candidates []Candidate `yaml:"candidates"`
	Transform  string      `yaml:"transform,omitempty"` // "" or "date"
	Required   bool        `yaml:"required,omitempty"`
}

// CheckboxOption names one checkbox label and the set member it contributes
// when the detected state is affirmative.
type CheckboxOption struct {
	Label Candidate `yaml:"label"`
	Value string    `yaml:"value"`
}

// CheckboxSet aggregates a group of checkboxes into one ordered set column.
// Output order is declaration order, never source order.
type CheckboxSet struct {
	Column  string           `yaml:"column"`
	Section string           `yaml:"section"`
	Options []CheckboxOption `yaml:"options"`
}

// CompoundSpec joins the present sub-parts with Separator. No part present
// means the column is absent; a partial join is fine.
type CompoundSpec struct {
	Column    string      `yaml:"column"`
	Separator string      `yaml:"separator"`
	Parts     []FieldSpec `yaml:"parts"`
}

// Segmentation describes how a section splits into repeated sub-blocks.
// Mode "table" groups fields by their innermost enclosing table (a table
// qualifies when any marker matches inside it); mode "label" starts a new
// block at every marker occurrence, greedily closing the previous one.
type Segmentation struct {
	Mode    string      `yaml:"mode"`
	Markers []Candidate `yaml:"markers"`
}

// RelatedTable is one one-to-many output table fed by segmented sub-blocks.
type RelatedTable struct {
	Table        string         `yaml:"table"`
	Section      string         `yaml:"section"`
	Segmentation Segmentation   `yaml:"segmentation"`
	Fields       []FieldSpec    `yaml:"fields"`
	Compounds    []CompoundSpec `yaml:"compounds,omitempty"`
}

// Set is the full versioned rule set for one registry page layout.
type Set struct {
	Version      int            `yaml:"version"`
	Identifier   FieldSpec      `yaml:"identifier"`
	Core         []FieldSpec    `yaml:"core"`
	CheckboxSets []CheckboxSet  `yaml:"checkbox_sets,omitempty"`
	Related      []RelatedTable `yaml:"related,omitempty"`
}

// Load reads the rule set (embedded default or env override), compiles every
// candidate, and validates the whole set. Any failure here is fatal to the
// batch: no document is processed against a broken rule set.
func Load(log *logger.Logger) (*Set, error) {
	data, origin, err := readRules()
	if err != nil {
		return nil, err
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse mapping rules (%s): %w", origin, err)
	}
	if err := s.Compile(); err != nil {
		return nil, fmt.Errorf("invalid mapping rules (%s): %w", origin, err)
	}
	if log != nil {
		log.Info("Mapping rule set loaded",
			"origin", origin,
			"version", s.Version,
			"core_fields", len(s.Core),
			"related_tables", len(s.Related),
		)
	}
	return &s, nil
}

func readRules() ([]byte, string, error) {
	if path := strings.TrimSpace(os.Getenv(rulesPathEnv)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read mapping rules override %s: %w", path, err)
		}
		return data, path, nil
	}
	data, err := embeddedRules.ReadFile("euctr.yaml")
	if err != nil {
		return nil, "", fmt.Errorf("read embedded mapping rules: %w", err)
	}
	return data, "embedded", nil
}

// Compile validates the set and compiles every candidate matcher. Load
// calls it; tests building sets programmatically call it directly.
func (s *Set) Compile() error {
	if s.Version <= 0 {
		return fmt.Errorf("version must be positive, got %d", s.Version)
	}
	if !s.Identifier.Required {
		return fmt.Errorf("identifier spec must be declared required")
	}
	if err := compileField(&s.Identifier, "identifier"); err != nil {
		return err
	}
	for i := range s.Core {
		if err := compileField(&s.Core[i], "core"); err != nil {
			return err
		}
	}
	for i := range s.CheckboxSets {
		cs := &s.CheckboxSets[i]
		if cs.Column == "" {
			return fmt.Errorf("checkbox set %d: missing column", i)
		}
		if len(cs.Options) == 0 {
			return fmt.Errorf("checkbox set %q: no options", cs.Column)
		}
		for j := range cs.Options {
			opt := &cs.Options[j]
			if opt.Value == "" {
				return fmt.Errorf("checkbox set %q option %d: missing value", cs.Column, j)
			}
			if err := opt.Label.compile(); err != nil {
				return fmt.Errorf("checkbox set %q: %w", cs.Column, err)
			}
		}
	}
	for i := range s.Related {
		rt := &s.Related[i]
		if rt.Table == "" {
			return fmt.Errorf("related table %d: missing table name", i)
		}
		seg := &rt.Segmentation
		if seg.Mode != "table" && seg.Mode != "label" {
			return fmt.Errorf("related table %q: segmentation mode must be table or label, got %q", rt.Table, seg.Mode)
		}
		if len(seg.Markers) == 0 {
			return fmt.Errorf("related table %q: no segmentation markers", rt.Table)
		}
		for j := range seg.Markers {
			if err := seg.Markers[j].compile(); err != nil {
				return fmt.Errorf("related table %q marker: %w", rt.Table, err)
			}
		}
		for j := range rt.Fields {
			if err := compileField(&rt.Fields[j], rt.Table); err != nil {
				return err
			}
		}
		for j := range rt.Compounds {
			cp := &rt.Compounds[j]
			if cp.Column == "" {
				return fmt.Errorf("related table %q compound %d: missing column", rt.Table, j)
			}
			for k := range cp.Parts {
				if err := compileField(&cp.Parts[k], rt.Table+"/"+cp.Column); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func compileField(f *FieldSpec, scope string) error {
	if f.Column == "" {
		return fmt.Errorf("%s: field spec missing column", scope)
	}
	if len(f.Candidates) == 0 {
		return fmt.Errorf("%s: field %q has no candidate labels", scope, f.Column)
	}
	if f.Transform != "" && f.Transform != "date" {
		return fmt.Errorf("%s: field %q has unknown transform %q", scope, f.Column, f.Transform)
	}
	for i := range f.Candidates {
		if err := f.Candidates[i].compile(); err != nil {
			return fmt.Errorf("%s: field %q: %w", scope, f.Column, err)
		}
	}
	return nil
}
