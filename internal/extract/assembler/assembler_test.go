package assembler

import (
	"errors"
	"testing"
	"time"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
)

func newAssembler(t *testing.T) *Assembler {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(log.Sync)
	rs, err := rules.Load(nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return New(rs, log)
}

func page(id, body string) string {
	return `<html><body><table>
<tr><td>EudraCT Number:</td><td>` + id + `</td></tr>
<tr><td>Trial Status:</td><td>Ongoing</td></tr>
<tr><td>Date of Competent Authority Decision</td><td>2012-04-17</td></tr>
</table>` + body + `</body></html>`
}

const protocolSections = `<table>
<tr><td>A. Protocol Information</td></tr>
<tr><td>A.3 Full title of the trial</td><td>A Phase III Study of Something</td></tr>
</table>
<table>
<tr><td>B. Sponsor Information</td></tr>
<tr><td>B.1.1 Name of Sponsor</td><td>Acme Pharma</td></tr>
</table>`

func TestAssembleSingleDrugBlock(t *testing.T) {
	raw := page("2011-000001-01", protocolSections+`<table>
<tr><td>D. IMP Identification</td></tr>
</table>
<table>
<tr><td>D.2.1.1.1 Trade name</td><td>DrugA</td></tr>
<tr><td>D.3.8 Name of Active Substance</td><td>CompoundA</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "2011-000001-01.html", "http://example/1")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.State != StateEmitted {
		t.Fatalf("state: want=Emitted got=%s", res.State)
	}
	b := res.Batch
	if b.Trial.EudractNumber != "2011-000001-01" {
		t.Fatalf("eudract: got=%q", b.Trial.EudractNumber)
	}
	if b.Trial.TrialTitle != "A Phase III Study of Something" {
		t.Fatalf("title: got=%q", b.Trial.TrialTitle)
	}
	if b.Trial.SponsorName != "Acme Pharma" {
		t.Fatalf("sponsor: got=%q", b.Trial.SponsorName)
	}
	if b.Trial.TrialStatus != "Ongoing" {
		t.Fatalf("status: got=%q", b.Trial.TrialStatus)
	}
	want := time.Date(2012, 4, 17, 0, 0, 0, 0, time.UTC)
	if b.Trial.StartDate == nil || !b.Trial.StartDate.Equal(want) {
		t.Fatalf("start date: want=%v got=%v", want, b.Trial.StartDate)
	}
	if len(b.Drugs) != 1 {
		t.Fatalf("drugs: want=1 got=%d", len(b.Drugs))
	}
	d := b.Drugs[0]
	if d.DrugName != "DrugA" || d.ActiveIngredient != "CompoundA" {
		t.Fatalf("drug row: got=%+v", d)
	}
	if d.EudractNumber != b.Trial.EudractNumber {
		t.Fatalf("drug fk: got=%q", d.EudractNumber)
	}
}

func TestAssembleThreeDrugBlocksSourceOrder(t *testing.T) {
	raw := page("2011-000002-02", `<table>
<tr><td>D. IMP Identification</td></tr>
</table>
<table>
<tr><td>Trade name</td><td>DrugA</td></tr>
</table>
<table>
<tr><td>Trade name</td><td>DrugB</td></tr>
</table>
<table>
<tr><td>Trade name</td><td>DrugC</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "k", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.State != StateEmitted {
		t.Fatalf("state: want=Emitted got=%s", res.State)
	}
	if len(res.Batch.Drugs) != 3 {
		t.Fatalf("drugs: want=3 got=%d", len(res.Batch.Drugs))
	}
	for i, want := range []string{"DrugA", "DrugB", "DrugC"} {
		d := res.Batch.Drugs[i]
		if d.DrugName != want {
			t.Fatalf("drug %d: want=%q got=%q", i, want, d.DrugName)
		}
		if d.EudractNumber != "2011-000002-02" {
			t.Fatalf("drug %d fk: got=%q", i, d.EudractNumber)
		}
		if d.ID == res.Batch.Drugs[(i+1)%3].ID {
			t.Fatalf("drug rows must carry distinct ids")
		}
	}
}

func TestAssembleLayTitleFallback(t *testing.T) {
	raw := page("2011-000003-03", `<table>
<tr><td>A. Protocol Information</td></tr>
<tr><td>A.3.1 Title of the trial for lay people</td><td>A study of a new asthma medicine</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "k", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := res.Batch.Trial.TrialTitle; got != "A study of a new asthma medicine" {
		t.Fatalf("title fallback: got=%q", got)
	}
}

func TestAssembleAgeGroups(t *testing.T) {
	raw := page("2011-000004-04", `<table>
<tr><td>F. Population of Trial Subjects</td></tr>
<tr><td>F.1.1 Adults</td><td>Yes</td></tr>
<tr><td>F.1.2 Children</td><td>No</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "k", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := string(res.Batch.Trial.AgeGroups); got != `["Adults"]` {
		t.Fatalf("age groups: want=[\"Adults\"] got=%s", got)
	}
}

func TestAssembleConditionCompound(t *testing.T) {
	raw := page("2011-000005-05", `<table>
<tr><td>E. General Information on the Trial</td></tr>
</table>
<table>
<tr><td>E.1.1 Medical condition(s) being investigated</td><td>Severe asthma</td></tr>
<tr><td>E.1.2 MedDRA version</td><td>21.1</td></tr>
<tr><td>E.1.2.1 MedDRA level</td><td>PT</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "k", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(res.Batch.Conditions) != 1 {
		t.Fatalf("conditions: want=1 got=%d", len(res.Batch.Conditions))
	}
	c := res.Batch.Conditions[0]
	if c.ConditionName != "Severe asthma" {
		t.Fatalf("condition name: got=%q", c.ConditionName)
	}
	if c.MeddraCode != "21.1 / PT" {
		t.Fatalf("meddra code: want=\"21.1 / PT\" got=%q", c.MeddraCode)
	}
}

func TestAssembleMissingIdentifierRejects(t *testing.T) {
	raw := `<html><body><table>
<tr><td>Trial Status:</td><td>Ongoing</td></tr>
</table>` + protocolSections + `</body></html>`

	res, err := newAssembler(t).Assemble(raw, "no-id.html", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("state: want=Rejected got=%s", res.State)
	}
	if res.Batch != nil {
		t.Fatalf("rejected document must emit zero records")
	}
	if res.Rejection == nil || res.Rejection.Kind != domain.DiagRequiredFieldMissing {
		t.Fatalf("rejection: got=%+v", res.Rejection)
	}
}

func TestAssembleDuplicateIdentifierRejects(t *testing.T) {
	a := newAssembler(t)
	raw := page("2011-000006-06", protocolSections)

	first, err := a.Assemble(raw, "first.html", "u")
	if err != nil {
		t.Fatalf("assemble first: %v", err)
	}
	if first.State != StateEmitted {
		t.Fatalf("first: want=Emitted got=%s", first.State)
	}

	second, err := a.Assemble(raw, "second.html", "u")
	if err != nil {
		t.Fatalf("assemble second: %v", err)
	}
	if second.State != StateRejected {
		t.Fatalf("second: want=Rejected got=%s", second.State)
	}
	if second.Rejection.Kind != domain.DiagDuplicateIdentifier {
		t.Fatalf("rejection kind: got=%q", second.Rejection.Kind)
	}
	if second.Batch != nil {
		t.Fatalf("duplicate must emit zero records")
	}
}

func TestAssembleZeroDrugBlocks(t *testing.T) {
	// section D exists but carries no marker at all: zero rows, no warning
	raw := page("2011-000007-07", `<table>
<tr><td>D. IMP Identification</td></tr>
<tr><td>D.1.2 EU number</td><td>EU/1/1/1</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "k", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.State != StateEmitted {
		t.Fatalf("state: want=Emitted got=%s", res.State)
	}
	if len(res.Batch.Drugs) != 0 {
		t.Fatalf("drugs: want=0 got=%d", len(res.Batch.Drugs))
	}
	for _, w := range res.Batch.Warnings {
		if w.Kind == domain.DiagAmbiguousSegmentation {
			t.Fatalf("no ambiguity warning expected: %+v", w)
		}
	}
}

func TestAssembleAmbiguousSegmentationWarning(t *testing.T) {
	// the marker label appears but with no value cell, so nothing segments
	raw := page("2011-000008-08", `<table>
<tr><td>D. IMP Identification</td></tr>
<tr><td>Trade name</td></tr>
</table>`)

	res, err := newAssembler(t).Assemble(raw, "k", "u")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.State != StateEmitted {
		t.Fatalf("state: want=Emitted got=%s", res.State)
	}
	found := false
	for _, w := range res.Batch.Warnings {
		if w.Kind == domain.DiagAmbiguousSegmentation && w.Field == domain.TableDrugs {
			found = true
			if w.EudractNumber != "2011-000008-08" {
				t.Fatalf("warning id: got=%q", w.EudractNumber)
			}
		}
	}
	if !found {
		t.Fatalf("want ambiguous segmentation warning, warnings=%+v", res.Batch.Warnings)
	}
}

func TestAssembleMalformedDocument(t *testing.T) {
	_, err := newAssembler(t).Assemble("   ", "blank.html", "u")
	if err == nil {
		t.Fatalf("blank input must fail to parse")
	}
	if !errors.Is(err, htmldoc.ErrMalformedDocument) {
		t.Fatalf("error: want ErrMalformedDocument got %v", err)
	}
}
