// Package extract implements the section-aware extraction engine: label
// resolution with fallback precedence, sub-block segmentation, and
// multi-value aggregation, all driven by the mapping rule set.
package extract

import (
	"fmt"
	"time"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
)

// Value is a resolved field. Present is false when no candidate matched or
// a transform degraded the value; Absent is normal, never an error.
type Value struct {
	Text    string
	Date    *time.Time
	Present bool
}

// Absent is the zero resolution.
var Absent = Value{}

// ResolveInDoc resolves a core field against a whole document: each
// candidate searches its own section (the candidate's override or the
// spec's), in declared order, first match wins. A missing section simply
// means that candidate cannot match.
func ResolveInDoc(doc *htmldoc.Document, spec rules.FieldSpec) (Value, []domain.Diagnostic) {
	var warns []domain.Diagnostic
	for i := range spec.Candidates {
		cand := &spec.Candidates[i]
		sec := cand.Section
		if sec == "" {
			sec = spec.Section
		}
		view := doc.Section(sec)
		if view == nil {
			continue
		}
		if v, w := resolveCandidate(cand, view, spec); v.Present || w != nil {
			warns = append(warns, w...)
			if v.Present {
				return v, warns
			}
			// transform degraded the matched value; stop the fallback
			// walk, the label itself did resolve
			return Absent, warns
		}
	}
	warns = append(warns, domain.Diagnostic{
		Field:  spec.Column,
		Kind:   domain.DiagFieldNotFound,
		Detail: fmt.Sprintf("no candidate label matched in section %q", spec.Section),
	})
	return Absent, warns
}

// ResolveInView resolves a field inside one bounded view (a sub-block).
// Candidate section overrides do not apply: the block is the whole scope.
// Absent fields inside blocks are routine and produce no diagnostic.
func ResolveInView(view *htmldoc.SectionView, spec rules.FieldSpec) (Value, []domain.Diagnostic) {
	for i := range spec.Candidates {
		if v, w := resolveCandidate(&spec.Candidates[i], view, spec); v.Present || w != nil {
			if v.Present {
				return v, w
			}
			return Absent, w
		}
	}
	return Absent, nil
}

// resolveCandidate finds the candidate's occurrences within the view. Two
// equally-qualifying occurrences of the same label is true ambiguity, not
// fallback: the first occurrence wins and a warning records the tie.
func resolveCandidate(cand *rules.Candidate, view *htmldoc.SectionView, spec rules.FieldSpec) (Value, []domain.Diagnostic) {
	hits := view.Lookup(cand.Match)
	if len(hits) == 0 {
		return Absent, nil
	}
	var warns []domain.Diagnostic
	if len(hits) > 1 {
		warns = append(warns, domain.Diagnostic{
			Field:  spec.Column,
			Kind:   domain.DiagAmbiguousLabel,
			Detail: fmt.Sprintf("%d occurrences of the same label in section %q, using the first", len(hits), view.ID()),
		})
	}
	raw := hits[0].Value
	switch spec.Transform {
	case "date":
		d, err := ParseFlexibleDate(raw)
		if err != nil {
			warns = append(warns, domain.Diagnostic{
				Field:  spec.Column,
				Kind:   domain.DiagDateParseFailure,
				Detail: err.Error(),
			})
			return Absent, warns
		}
		return Value{Text: raw, Date: &d, Present: true}, warns
	default:
		return Value{Text: raw, Present: true}, warns
	}
}

// The registry emits ISO dates in recent revisions, slash dates in older
// ones, and dotted dates on some national pages.
var dateLayouts = []string{"2006-01-02", "02/01/2006", "02.01.2006"}

// ParseFlexibleDate normalizes an observed date string to a calendar date.
func ParseFlexibleDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date %q", s)
}
