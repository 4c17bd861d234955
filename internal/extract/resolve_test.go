package extract

import (
	"testing"
	"time"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
)

func mustParse(t *testing.T, raw string) *htmldoc.Document {
	t.Helper()
	doc, err := htmldoc.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return doc
}

func labelSpec(column, section string, labels ...string) rules.FieldSpec {
	spec := rules.FieldSpec{Column: column, Section: section}
	for _, l := range labels {
		spec.Candidates = append(spec.Candidates, rules.Candidate{Label: l})
	}
	return spec
}

func compileSpec(t *testing.T, spec *rules.FieldSpec) {
	t.Helper()
	set := rules.Set{
		Version:    1,
		Identifier: rules.FieldSpec{Column: "id", Required: true, Candidates: []rules.Candidate{{Label: "x"}}},
		Core:       []rules.FieldSpec{*spec},
	}
	if err := set.Compile(); err != nil {
		t.Fatalf("compile spec: %v", err)
	}
	*spec = set.Core[0]
}

func TestFallbackPrecedence(t *testing.T) {
	doc := mustParse(t, `<table>
<tr><td>A. Protocol Information</td></tr>
<tr><td>A.3 Full title of the trial</td><td>Full Title</td></tr>
<tr><td>A.3.1 Title of the trial for lay people</td><td>Lay Title</td></tr>
</table>`)
	spec := labelSpec("trial_title", "A", "Full title of the trial", "Title of the trial for lay people")
	compileSpec(t, &spec)

	v, _ := ResolveInDoc(doc, spec)
	if !v.Present || v.Text != "Full Title" {
		t.Fatalf("fallback precedence: want=%q got=%q present=%v", "Full Title", v.Text, v.Present)
	}
}

func TestFallbackWhenPrimaryAbsent(t *testing.T) {
	doc := mustParse(t, `<table>
<tr><td>A. Protocol Information</td></tr>
<tr><td>A.3.1 Title of the trial for lay people</td><td>Lay Title</td></tr>
</table>`)
	spec := labelSpec("trial_title", "A", "Full title of the trial", "Title of the trial for lay people")
	compileSpec(t, &spec)

	v, _ := ResolveInDoc(doc, spec)
	if !v.Present || v.Text != "Lay Title" {
		t.Fatalf("fallback: want=%q got=%q present=%v", "Lay Title", v.Text, v.Present)
	}
}

func TestResolveAbsentIsNotAnError(t *testing.T) {
	doc := mustParse(t, `<table><tr><td>A. Protocol Information</td></tr></table>`)
	spec := labelSpec("trial_title", "A", "Full title of the trial")
	compileSpec(t, &spec)

	v, warns := ResolveInDoc(doc, spec)
	if v.Present {
		t.Fatalf("want Absent, got %q", v.Text)
	}
	if len(warns) != 1 || warns[0].Kind != domain.DiagFieldNotFound {
		t.Fatalf("want one field_not_found warning, got %v", warns)
	}
}

func TestResolveAmbiguousLabelUsesFirst(t *testing.T) {
	doc := mustParse(t, `<table>
<tr><td>Trial Status</td><td>Ongoing</td></tr>
<tr><td>Trial Status</td><td>Completed</td></tr>
</table>`)
	spec := labelSpec("trial_status", htmldoc.SectionHeader, "Trial Status")
	compileSpec(t, &spec)

	v, warns := ResolveInDoc(doc, spec)
	if !v.Present || v.Text != "Ongoing" {
		t.Fatalf("ambiguous resolution: want first occurrence %q, got %q", "Ongoing", v.Text)
	}
	found := false
	for _, w := range warns {
		if w.Kind == domain.DiagAmbiguousLabel {
			found = true
		}
	}
	if !found {
		t.Fatalf("want ambiguous_label warning, got %v", warns)
	}
}

func TestCandidateSectionOverride(t *testing.T) {
	doc := mustParse(t, `<table>
<tr><td>Date record first entered</td><td>2020-03-15</td></tr>
</table>
<table>
<tr><td>N. Competent Authority Decision</td></tr>
<tr><td>N.3.2 Date of Competent Authority Decision</td><td>2020-04-01</td></tr>
</table>`)
	spec := rules.FieldSpec{
		Column:    "start_date",
		Section:   htmldoc.SectionHeader,
		Transform: "date",
		Candidates: []rules.Candidate{
			{Label: "Date of Competent Authority Decision", Section: "N"},
			{Label: "Date record first entered"},
		},
	}
	compileSpec(t, &spec)

	v, _ := ResolveInDoc(doc, spec)
	if !v.Present || v.Date == nil {
		t.Fatalf("want resolved date, got present=%v", v.Present)
	}
	if want := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC); !v.Date.Equal(want) {
		t.Fatalf("section override precedence: want=%v got=%v", want, v.Date)
	}
}

func TestDateTransformDegradesToAbsent(t *testing.T) {
	doc := mustParse(t, `<table><tr><td>Date record first entered</td><td>sometime in march</td></tr></table>`)
	spec := labelSpec("start_date", htmldoc.SectionHeader, "Date record first entered")
	spec.Transform = "date"
	compileSpec(t, &spec)

	v, warns := ResolveInDoc(doc, spec)
	if v.Present {
		t.Fatalf("unparseable date must degrade to Absent, got %q", v.Text)
	}
	if len(warns) != 1 || warns[0].Kind != domain.DiagDateParseFailure {
		t.Fatalf("want one date_parse_failure warning, got %v", warns)
	}
}

func TestParseFlexibleDate(t *testing.T) {
	want := time.Date(2019, 11, 2, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"2019-11-02", "02/11/2019", "02.11.2019"} {
		got, err := ParseFlexibleDate(s)
		if err != nil {
			t.Fatalf("ParseFlexibleDate(%q): %v", s, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseFlexibleDate(%q): want=%v got=%v", s, want, got)
		}
	}
	if _, err := ParseFlexibleDate("11/31/2019"); err == nil {
		t.Fatalf("ParseFlexibleDate: want error for US-style date")
	}
}
