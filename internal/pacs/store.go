// Package pacs owns the content-addressed image store and the storage
// protocol handlers.
package pacs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fenland-imaging/gateway/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIntegrityConflict is returned when a retransmitted instance carries
// bytes that differ from the copy already on disk. The original copy is
// retained and the new bytes are rejected.
var ErrIntegrityConflict = errors.New("pacs: instance bytes conflict with stored copy")

// ErrNotFound is returned when the SOP instance UID is unknown.
var ErrNotFound = errors.New("pacs: instance not found")

// StoragePath derives the on-disk location for a SOP instance UID. It is a
// pure function of the UID: sha256 hex split into two nested two-character
// directories, remainder as filename. Re-deriving for the same UID always
// yields the same path, which is what makes retransfer detection work.
func StoragePath(sopInstanceUID string) string {
	h := sha256.Sum256([]byte(sopInstanceUID))
	hh := hex.EncodeToString(h[:])
	return filepath.Join(hh[0:2], hh[2:4], hh[4:]+".dcm")
}

// ThumbnailPath derives the thumbnail location for a SOP instance UID,
// using the same two-level split with a shortened filename.
func ThumbnailPath(sopInstanceUID string) string {
	h := sha256.Sum256([]byte(sopInstanceUID))
	hh := hex.EncodeToString(h[:])
	return filepath.Join(hh[0:2], hh[2:4], hh[:16]+".jpg")
}

// InstanceMeta carries the self-describing header of a transfer into the
// store, decoupled from the wire representation.
type InstanceMeta struct {
	SOPInstanceUID    string
	PatientID         string
	PatientName       string
	StudyInstanceUID  string
	SeriesInstanceUID string
	AccessionNumber   string
	Modality          string
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	SeriesNumber      string
	SeriesDescription string
	InstanceNumber    string
	ViewPosition      string
	Laterality        string
	Rows              int
	Columns           int
}

// Store writes image bytes under a root directory and indexes them in the
// stored_instances table.
type Store struct {
	db   *gorm.DB
	root string

	mu      sync.Mutex
	writers map[string]*instanceLock
}

// NewStore wraps a GORM handle and the storage root path.
func NewStore(db *gorm.DB, root string) *Store {
	return &Store{db: db, root: root, writers: make(map[string]*instanceLock)}
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// lockInstance serializes writers per SOP instance UID. Transfers of
// different instances proceed in parallel; transfers of the same instance
// take turns, so the first writer's index row is visible to the second
// before it touches the canonical file.
func (s *Store) lockInstance(uid string) func() {
	s.mu.Lock()
	l, ok := s.writers[uid]
	if !ok {
		l = &instanceLock{}
		s.writers[uid] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.writers, uid)
		}
		s.mu.Unlock()
	}
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// StoreInstance writes the instance bytes to their derived path and upserts
// the index row with thumbnail_status PENDING.
//
// Retransfers are idempotent: the same UID with identical bytes rewrites the
// file and refreshes the metadata. Differing bytes fail ErrIntegrityConflict
// and leave the original copy untouched.
func (s *Store) StoreInstance(meta *InstanceMeta, body []byte, sourceAET string) (*models.StoredInstance, error) {
	if meta == nil || meta.SOPInstanceUID == "" {
		return nil, fmt.Errorf("pacs: sop instance uid is required")
	}
	defer s.lockInstance(meta.SOPInstanceUID)()

	rel := StoragePath(meta.SOPInstanceUID)
	abs := filepath.Join(s.root, rel)

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	var existing models.StoredInstance
	err := s.db.First(&existing, "sop_instance_uid = ?", meta.SOPInstanceUID).Error
	switch {
	case err == nil:
		if existing.StorageHash != digest {
			return nil, fmt.Errorf("%w: %s", ErrIntegrityConflict, meta.SOPInstanceUID)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First transfer.
	default:
		return nil, fmt.Errorf("pacs: lookup %s: %w", meta.SOPInstanceUID, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("pacs: mkdir for %s: %w", meta.SOPInstanceUID, err)
	}
	// Write-then-rename so a crashed transfer never leaves a torn file at
	// the canonical path.
	tmp := abs + ".part"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return nil, fmt.Errorf("pacs: write %s: %w", meta.SOPInstanceUID, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("pacs: store %s: %w", meta.SOPInstanceUID, err)
	}

	row := models.StoredInstance{
		SOPInstanceUID:    meta.SOPInstanceUID,
		StoragePath:       rel,
		StorageHash:       digest,
		PatientID:         meta.PatientID,
		PatientName:       meta.PatientName,
		StudyInstanceUID:  meta.StudyInstanceUID,
		SeriesInstanceUID: meta.SeriesInstanceUID,
		AccessionNumber:   meta.AccessionNumber,
		Modality:          meta.Modality,
		StudyDate:         meta.StudyDate,
		StudyTime:         meta.StudyTime,
		StudyDescription:  meta.StudyDescription,
		SeriesNumber:      meta.SeriesNumber,
		SeriesDescription: meta.SeriesDescription,
		InstanceNumber:    meta.InstanceNumber,
		ViewPosition:      meta.ViewPosition,
		Laterality:        meta.Laterality,
		Rows:              meta.Rows,
		Columns:           meta.Columns,
		Status:            models.InstanceStored,
		ThumbnailStatus:   models.ThumbnailPending,
		ReceivedAt:        time.Now(),
		SourceAET:         sourceAET,
		SizeBytes:         int64(len(body)),
	}

	res := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sop_instance_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"patient_id", "patient_name", "study_instance_uid", "series_instance_uid",
			"accession_number", "modality", "study_date", "study_time",
			"study_description", "series_number", "series_description",
			"instance_number", "view_position", "laterality", "rows", "columns",
			"received_at", "source_aet", "size_bytes",
		}),
	}).Create(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("pacs: index %s: %w", meta.SOPInstanceUID, res.Error)
	}

	return &row, nil
}

// Get returns the index row for a SOP instance UID.
func (s *Store) Get(sopInstanceUID string) (*models.StoredInstance, error) {
	var row models.StoredInstance
	err := s.db.First(&row, "sop_instance_uid = ?", sopInstanceUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sopInstanceUID)
	}
	if err != nil {
		return nil, fmt.Errorf("pacs: get %s: %w", sopInstanceUID, err)
	}
	return &row, nil
}

// ReadInstance returns the stored bytes after verifying the content digest
// against the index row. A mismatch means medium corruption and is reported
// as an integrity conflict.
func (s *Store) ReadInstance(sopInstanceUID string) ([]byte, error) {
	row, err := s.Get(sopInstanceUID)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(s.root, row.StoragePath))
	if err != nil {
		return nil, fmt.Errorf("pacs: read %s: %w", sopInstanceUID, err)
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != row.StorageHash {
		return nil, fmt.Errorf("%w: digest mismatch on read of %s", ErrIntegrityConflict, sopInstanceUID)
	}
	return body, nil
}

// PendingThumbnails returns up to limit STORED instances still awaiting a
// thumbnail, oldest first.
func (s *Store) PendingThumbnails(limit int) ([]models.StoredInstance, error) {
	var rows []models.StoredInstance
	err := s.db.
		Where("thumbnail_status = ? AND status = ?", models.ThumbnailPending, models.InstanceStored).
		Order("received_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pacs: pending thumbnails: %w", err)
	}
	return rows, nil
}

// MarkThumbnailGenerated records a successful thumbnail, clearing any prior
// error note.
func (s *Store) MarkThumbnailGenerated(sopInstanceUID string) error {
	now := time.Now()
	res := s.db.Model(&models.StoredInstance{}).
		Where("sop_instance_uid = ?", sopInstanceUID).
		Updates(map[string]interface{}{
			"thumbnail_status": models.ThumbnailGenerated,
			"thumbnail_at":     &now,
			"thumbnail_error":  "",
		})
	if res.Error != nil {
		return fmt.Errorf("pacs: mark generated %s: %w", sopInstanceUID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sopInstanceUID)
	}
	return nil
}

// MarkThumbnailFailed records a failed generation attempt. Failed rows are
// not retried automatically; an operator or later sweep decides.
func (s *Store) MarkThumbnailFailed(sopInstanceUID, errNote string) error {
	if len(errNote) > 500 {
		errNote = errNote[:500]
	}
	res := s.db.Model(&models.StoredInstance{}).
		Where("sop_instance_uid = ?", sopInstanceUID).
		Updates(map[string]interface{}{
			"thumbnail_status": models.ThumbnailFailed,
			"thumbnail_error":  errNote,
		})
	if res.Error != nil {
		return fmt.Errorf("pacs: mark failed %s: %w", sopInstanceUID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sopInstanceUID)
	}
	return nil
}

// Statistics summarizes the image store for the admin API and startup logs.
type Statistics struct {
	TotalInstances int64 `json:"total_instances"`
	TotalStudies   int64 `json:"total_studies"`
	TotalPatients  int64 `json:"total_patients"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	PendingThumbs  int64 `json:"pending_thumbnails"`
	FailedThumbs   int64 `json:"failed_thumbnails"`
}

// GetStatistics computes store-wide counts.
func (s *Store) GetStatistics() (*Statistics, error) {
	var st Statistics
	m := s.db.Model(&models.StoredInstance{})

	if err := m.Count(&st.TotalInstances).Error; err != nil {
		return nil, fmt.Errorf("pacs: statistics: %w", err)
	}
	if err := s.db.Model(&models.StoredInstance{}).
		Distinct("study_instance_uid").Count(&st.TotalStudies).Error; err != nil {
		return nil, fmt.Errorf("pacs: statistics: %w", err)
	}
	if err := s.db.Model(&models.StoredInstance{}).
		Distinct("patient_id").Count(&st.TotalPatients).Error; err != nil {
		return nil, fmt.Errorf("pacs: statistics: %w", err)
	}
	var size struct{ Total int64 }
	if err := s.db.Model(&models.StoredInstance{}).
		Select("coalesce(sum(size_bytes),0) as total").Scan(&size).Error; err != nil {
		return nil, fmt.Errorf("pacs: statistics: %w", err)
	}
	st.TotalSizeBytes = size.Total
	if err := s.db.Model(&models.StoredInstance{}).
		Where("thumbnail_status = ?", models.ThumbnailPending).
		Count(&st.PendingThumbs).Error; err != nil {
		return nil, fmt.Errorf("pacs: statistics: %w", err)
	}
	if err := s.db.Model(&models.StoredInstance{}).
		Where("thumbnail_status = ?", models.ThumbnailFailed).
		Count(&st.FailedThumbs).Error; err != nil {
		return nil, fmt.Errorf("pacs: statistics: %w", err)
	}
	return &st, nil
}
