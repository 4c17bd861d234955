// Package assembler orchestrates extraction for one document: core fields,
// segmented related sections, aggregation, and the emit/reject decision.
package assembler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
)

// State tracks one document through assembly. Terminal states are Emitted
// and Rejected; everything in between is internal bookkeeping.
type State int

const (
	StateStart State = iota
	StateCoreFieldsResolved
	StateRelatedSectionsProcessed
	StateEmitted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateCoreFieldsResolved:
		return "CoreFieldsResolved"
	case StateRelatedSectionsProcessed:
		return "RelatedSectionsProcessed"
	case StateEmitted:
		return "Emitted"
	case StateRejected:
		return "Rejected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the terminal outcome for one document. Emitted carries exactly
// one batch; Rejected carries exactly one rejection diagnostic and no
// records. Partial records are never produced.
type Result struct {
	State     State
	Batch     *domain.RecordBatch
	Rejection *domain.Diagnostic
}

// Assembler turns parsed documents into record batches. Safe for concurrent
// use; the only shared state is the batch-level identifier dedup set.
type Assembler struct {
	rules *rules.Set
	log   *logger.Logger

	mu   sync.Mutex
	seen map[string]string // identifier -> source key that claimed it
}

func New(rs *rules.Set, log *logger.Logger) *Assembler {
	return &Assembler{
		rules: rs,
		log:   log.With("component", "Assembler"),
		seen:  map[string]string{},
	}
}

// Assemble parses raw markup and assembles it. The returned error is
// non-nil only for markup that cannot be tokenized (ErrMalformedDocument);
// every other failure is a Rejected result, local to this document.
func (a *Assembler) Assemble(raw, sourceKey, urlSource string) (Result, error) {
	doc, err := htmldoc.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", sourceKey, err)
	}
	return a.AssembleDocument(doc, sourceKey, urlSource), nil
}

// AssembleDocument runs the per-document state machine over an already
// parsed document.
func (a *Assembler) AssembleDocument(doc *htmldoc.Document, sourceKey, urlSource string) Result {
	st := StateStart
	var warns []domain.Diagnostic

	// identifier first: without it nothing can be linked
	idVal, idWarns := extract.ResolveInDoc(doc, a.rules.Identifier)
	if !idVal.Present {
		return a.reject(sourceKey, "", domain.Diagnostic{
			SourceKey: sourceKey,
			Field:     a.rules.Identifier.Column,
			Kind:      domain.DiagRequiredFieldMissing,
			Detail:    "document has no resolvable identifier",
		})
	}
	id := idVal.Text
	warns = append(warns, idWarns...)

	if prev, dup := a.claim(id, sourceKey); dup {
		return a.reject(sourceKey, id, domain.Diagnostic{
			EudractNumber: id,
			SourceKey:     sourceKey,
			Field:         a.rules.Identifier.Column,
			Kind:          domain.DiagDuplicateIdentifier,
			Detail:        fmt.Sprintf("identifier already assembled from %s in this batch", prev),
		})
	}

	trial := domain.EuTrial{
		EudractNumber: id,
		URLSource:     urlSource,
		LastUpdated:   time.Now().UTC(),
	}

	for _, spec := range a.rules.Core {
		v, w := extract.ResolveInDoc(doc, spec)
		warns = append(warns, w...)
		if !v.Present {
			if spec.Required {
				return a.reject(sourceKey, id, domain.Diagnostic{
					EudractNumber: id,
					SourceKey:     sourceKey,
					Field:         spec.Column,
					Kind:          domain.DiagRequiredFieldMissing,
					Detail:        "declared-required field did not resolve",
				})
			}
			continue
		}
		switch spec.Column {
		case "trial_title":
			trial.TrialTitle = v.Text
		case "sponsor_name":
			trial.SponsorName = v.Text
		case "start_date":
			trial.StartDate = v.Date
		case "trial_status":
			trial.TrialStatus = v.Text
		default:
			a.log.Warn("Rule set names a core column the assembler does not map", "column", spec.Column)
		}
	}

	for _, set := range a.rules.CheckboxSets {
		members := extract.AggregateCheckboxSet(doc, set)
		if len(members) == 0 {
			continue
		}
		switch set.Column {
		case "age_groups":
			if b, err := json.Marshal(members); err == nil {
				trial.AgeGroups = datatypes.JSON(b)
			}
		default:
			a.log.Warn("Rule set names a checkbox column the assembler does not map", "column", set.Column)
		}
	}
	st = StateCoreFieldsResolved

	batch := domain.RecordBatch{Trial: trial, AssembledAt: time.Now().UTC()}
	for _, rt := range a.rules.Related {
		rows, w := a.assembleRelated(doc, rt, id)
		warns = append(warns, w...)
		switch rt.Table {
		case domain.TableDrugs:
			batch.Drugs = append(batch.Drugs, rowsToDrugs(rows, id)...)
		case domain.TableConditions:
			batch.Conditions = append(batch.Conditions, rowsToConditions(rows, id)...)
		default:
			a.log.Warn("Rule set names a related table the assembler does not map", "table", rt.Table)
		}
	}
	st = StateRelatedSectionsProcessed

	for i := range warns {
		warns[i].EudractNumber = id
		if warns[i].SourceKey == "" {
			warns[i].SourceKey = sourceKey
		}
	}
	batch.Warnings = warns

	st = StateEmitted
	return Result{State: st, Batch: &batch}
}

// assembleRelated segments one section and resolves every declared field
// and compound per sub-block. Zero sub-blocks yields zero rows; a warning
// fires only when marker text was present yet nothing segmented.
func (a *Assembler) assembleRelated(doc *htmldoc.Document, rt rules.RelatedTable, id string) ([]map[string]extract.Value, []domain.Diagnostic) {
	var warns []domain.Diagnostic

	view := doc.Section(rt.Section)
	if view == nil {
		return nil, nil
	}

	blocks := extract.Segment(view, rt.Segmentation)
	if len(blocks) == 0 {
		if extract.MarkersPresent(view, rt.Segmentation) {
			warns = append(warns, domain.Diagnostic{
				EudractNumber: id,
				Field:         rt.Table,
				Kind:          domain.DiagAmbiguousSegmentation,
				Detail:        fmt.Sprintf("section %q mentions a marker but yielded no sub-blocks", rt.Section),
			})
		}
		return nil, warns
	}

	var rows []map[string]extract.Value
	for _, block := range blocks {
		row := map[string]extract.Value{}
		any := false
		for _, spec := range rt.Fields {
			v, w := extract.ResolveInView(block, spec)
			warns = append(warns, w...)
			if v.Present {
				any = true
			}
			row[spec.Column] = v
		}
		for _, cp := range rt.Compounds {
			parts := make([]extract.Value, 0, len(cp.Parts))
			for _, part := range cp.Parts {
				v, w := extract.ResolveInView(block, part)
				warns = append(warns, w...)
				parts = append(parts, v)
			}
			v := extract.Combine(parts, cp.Separator)
			if v.Present {
				any = true
			}
			row[cp.Column] = v
		}
		// a qualifying block with nothing resolvable is a false positive,
		// not a row
		if any {
			rows = append(rows, row)
		}
	}
	return rows, warns
}

func rowsToDrugs(rows []map[string]extract.Value, id string) []domain.EuTrialDrug {
	out := make([]domain.EuTrialDrug, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.EuTrialDrug{
			ID:                 uuid.New(),
			EudractNumber:      id,
			DrugName:           row["drug_name"].Text,
			ActiveIngredient:   row["active_ingredient"].Text,
			CASNumber:          row["cas_number"].Text,
			PharmaceuticalForm: row["pharmaceutical_form"].Text,
		})
	}
	return out
}

func rowsToConditions(rows []map[string]extract.Value, id string) []domain.EuTrialCondition {
	out := make([]domain.EuTrialCondition, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.EuTrialCondition{
			ID:            uuid.New(),
			EudractNumber: id,
			ConditionName: row["condition_name"].Text,
			MeddraCode:    row["meddra_code"].Text,
		})
	}
	return out
}

func (a *Assembler) claim(id, sourceKey string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.seen[id]; ok {
		return prev, true
	}
	a.seen[id] = sourceKey
	return "", false
}

func (a *Assembler) reject(sourceKey, id string, diag domain.Diagnostic) Result {
	a.log.Warn("Document rejected",
		"source_key", sourceKey,
		"eudract_number", id,
		"kind", diag.Kind,
		"field", diag.Field,
	)
	return Result{State: StateRejected, Rejection: &diag}
}
