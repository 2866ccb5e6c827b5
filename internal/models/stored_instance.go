package models

import "time"

// Instance storage status values.
const (
	InstanceStored   = "STORED"
	InstanceArchived = "ARCHIVED"
	InstanceDeleted  = "DELETED"
)

// Thumbnail pipeline status values.
const (
	ThumbnailPending   = "PENDING"
	ThumbnailGenerated = "GENERATED"
	ThumbnailFailed    = "FAILED"
	ThumbnailSkip      = "SKIP"
)

// StoredInstance indexes one received image object. StoragePath is a pure
// function of the SOP instance UID, so a retransmitted instance lands on the
// same path and is detected rather than duplicated.
type StoredInstance struct {
	SOPInstanceUID    string `gorm:"primaryKey;size:64;column:sop_instance_uid"`
	StoragePath       string `gorm:"size:256;uniqueIndex;not null"`
	StorageHash       string `gorm:"size:64;not null"`
	PatientID         string `gorm:"size:64;index"`
	PatientName       string `gorm:"size:128"`
	StudyInstanceUID  string `gorm:"size:64;index;column:study_instance_uid"`
	SeriesInstanceUID string `gorm:"size:64;column:series_instance_uid"`
	AccessionNumber   string `gorm:"size:64;index;column:accession_number"`
	Modality          string `gorm:"size:16"`
	StudyDate         string `gorm:"size:8"`
	StudyTime         string `gorm:"size:16"`
	StudyDescription  string `gorm:"size:256"`
	SeriesNumber      string `gorm:"size:16"`
	SeriesDescription string `gorm:"size:256"`
	InstanceNumber    string `gorm:"size:16"`
	ViewPosition      string `gorm:"size:16"`
	Laterality        string `gorm:"size:4"`
	Rows              int
	Columns           int
	Status            string `gorm:"size:16;default:STORED;index"`
	ThumbnailStatus   string `gorm:"size:16;default:PENDING;index"`
	ThumbnailError    string `gorm:"size:500"`
	ThumbnailAt       *time.Time
	ReceivedAt        time.Time `gorm:"autoCreateTime;index"`
	SourceAET         string    `gorm:"size:16;column:source_aet"`
	SizeBytes         int64
}

func (StoredInstance) TableName() string { return "stored_instances" }
