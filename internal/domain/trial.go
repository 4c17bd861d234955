package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EuTrial is the core record for one registry protocol page. The EudraCT
// number is the natural primary key; child rows reference it by value.
type EuTrial struct {
	EudractNumber string         `gorm:"column:eudract_number;type:varchar(20);primaryKey" json:"eudract_number"`
	SponsorName   string         `gorm:"column:sponsor_name;type:varchar(500)" json:"sponsor_name,omitempty"`
	TrialTitle    string         `gorm:"column:trial_title;type:text" json:"trial_title,omitempty"`
	StartDate     *time.Time     `gorm:"column:start_date;type:date" json:"start_date,omitempty"`
	TrialStatus   string         `gorm:"column:trial_status;type:varchar(50)" json:"trial_status,omitempty"`
	AgeGroups     datatypes.JSON `gorm:"column:age_groups;type:jsonb" json:"age_groups,omitempty"`
	URLSource     string         `gorm:"column:url_source;type:text" json:"url_source,omitempty"`
	LastUpdated   time.Time      `gorm:"column:last_updated;not null;default:now()" json:"last_updated"`
}

func (EuTrial) TableName() string { return "eu_trials" }

// EuTrialDrug is one investigational product block from section D.
type EuTrialDrug struct {
	ID                 uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EudractNumber      string    `gorm:"column:eudract_number;type:varchar(20);not null;index" json:"eudract_number"`
	DrugName           string    `gorm:"column:drug_name;type:varchar(255)" json:"drug_name,omitempty"`
	ActiveIngredient   string    `gorm:"column:active_ingredient;type:varchar(255)" json:"active_ingredient,omitempty"`
	CASNumber          string    `gorm:"column:cas_number;type:varchar(50)" json:"cas_number,omitempty"`
	PharmaceuticalForm string    `gorm:"column:pharmaceutical_form;type:varchar(255)" json:"pharmaceutical_form,omitempty"`
}

func (EuTrialDrug) TableName() string { return "eu_trial_drugs" }

// EuTrialCondition is one investigated medical condition block from section E.
type EuTrialCondition struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EudractNumber string    `gorm:"column:eudract_number;type:varchar(20);not null;index" json:"eudract_number"`
	ConditionName string    `gorm:"column:condition_name;type:text" json:"condition_name,omitempty"`
	MeddraCode    string    `gorm:"column:meddra_code;type:varchar(50)" json:"meddra_code,omitempty"`
}

func (EuTrialCondition) TableName() string { return "eu_trial_conditions" }
