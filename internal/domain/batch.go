package domain

import "time"

const (
	TableTrials     = "eu_trials"
	TableDrugs      = "eu_trial_drugs"
	TableConditions = "eu_trial_conditions"
)

// Diagnostic is one structured warning or rejection, keyed by the document it
// belongs to. Rejections name the field that sank the document; warnings name
// the field that degraded.
type Diagnostic struct {
	EudractNumber string `json:"eudract_number,omitempty"`
	SourceKey     string `json:"source_key,omitempty"`
	Field         string `json:"field,omitempty"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail,omitempty"`
}

const (
	DiagFieldNotFound         = "field_not_found"
	DiagDateParseFailure      = "date_parse_failure"
	DiagAmbiguousLabel        = "ambiguous_label"
	DiagAmbiguousSegmentation = "ambiguous_segmentation"
	DiagRequiredFieldMissing  = "required_field_missing"
	DiagDuplicateIdentifier   = "duplicate_identifier"
	DiagMalformedDocument     = "malformed_document"
)

// RecordBatch is the atomic emission unit for one document: the core record
// plus every related row, already stamped with the trial identifier, plus the
// warnings accumulated while resolving it. A rejected document produces no
// batch, only diagnostics.
type RecordBatch struct {
	Trial       EuTrial            `json:"trial"`
	Drugs       []EuTrialDrug      `json:"drugs,omitempty"`
	Conditions  []EuTrialCondition `json:"conditions,omitempty"`
	Warnings    []Diagnostic       `json:"warnings,omitempty"`
	AssembledAt time.Time          `json:"assembled_at"`
}
