package models

import "time"

// Procedure status values. Transitions are forward-only:
// SCHEDULED -> IN_PROGRESS -> COMPLETED | DISCONTINUED.
const (
	ProcedureScheduled    = "SCHEDULED"
	ProcedureInProgress   = "IN_PROGRESS"
	ProcedureCompleted    = "COMPLETED"
	ProcedureDiscontinued = "DISCONTINUED"
)

// ProcedureItem is a scheduled imaging procedure, created from a cloud action
// and mutated only by modality-reported status events. Rows are retained for
// audit; the retention sweep is the sole, operator-configured exception.
type ProcedureItem struct {
	AccessionNumber  string `gorm:"primaryKey;size:64;column:accession_number"`
	PatientID        string `gorm:"size:64;index;not null"`
	PatientName      string `gorm:"size:128"`
	PatientBirthDate string `gorm:"size:8"`
	PatientSex       string `gorm:"size:1"`
	ScheduledDate    string `gorm:"size:8;index;not null"`
	ScheduledTime    string `gorm:"size:6"`
	Modality         string `gorm:"size:16;index;not null"`
	StudyDescription string `gorm:"size:256"`
	ProcedureCode    string `gorm:"size:32"`
	Status           string `gorm:"size:16;default:SCHEDULED;index"`
	StudyInstanceUID string `gorm:"size:64;column:study_instance_uid"`
	// PerformedStepUID links the in-progress procedure to the instance
	// identifier reported by the modality on start.
	PerformedStepUID string `gorm:"size:64;column:performed_step_uid"`
	SourceMessageID  string `gorm:"size:64;column:source_message_id"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName pins the table to the schema contract other tooling queries.
func (ProcedureItem) TableName() string { return "procedure_items" }
