package extract

import (
	"strings"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
)

// AggregateCheckboxSet collects every option whose detected state is
// affirmative, in declaration order regardless of where the checkboxes sit
// in the source. Duplicates cannot occur: each option names one label.
func AggregateCheckboxSet(doc *htmldoc.Document, set rules.CheckboxSet) []string {
	view := doc.Section(set.Section)
	if view == nil {
		return nil
	}
	var out []string
	for i := range set.Options {
		opt := &set.Options[i]
		hits := view.Lookup(opt.Label.Match)
		if len(hits) > 0 && affirmative(hits[0].Value) {
			out = append(out, opt.Value)
		}
	}
	return out
}

// Combine joins the present parts with the separator. All parts absent
// yields Absent; a partial join is allowed, not an error.
func Combine(parts []Value, separator string) Value {
	var present []string
	for _, p := range parts {
		if p.Present && p.Text != "" {
			present = append(present, p.Text)
		}
	}
	if len(present) == 0 {
		return Absent
	}
	return Value{Text: strings.Join(present, separator), Present: true}
}

func affirmative(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true", "checked", "x":
		return true
	}
	return false
}
