// Package worklist owns the procedure store and the modality-facing
// worklist/procedure-status session handlers.
package worklist

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenland-imaging/gateway/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateAccession is returned when creating a procedure whose
	// accession number already exists.
	ErrDuplicateAccession = errors.New("worklist: duplicate accession number")

	// ErrNotFound is returned when the accession number is unknown.
	ErrNotFound = errors.New("worklist: procedure not found")

	// ErrInvalidTransition is returned when a status change does not follow
	// the forward-only state machine.
	ErrInvalidTransition = errors.New("worklist: invalid status transition")

	// ErrBadFilter is returned for filters that fail validation.
	ErrBadFilter = errors.New("worklist: invalid query filter")
)

// nextStatus maps each status to the set of statuses it may advance to.
var nextStatus = map[string][]string{
	models.ProcedureScheduled:    {models.ProcedureInProgress},
	models.ProcedureInProgress:   {models.ProcedureCompleted, models.ProcedureDiscontinued},
	models.ProcedureCompleted:    {},
	models.ProcedureDiscontinued: {},
}

func canTransition(from, to string) bool {
	for _, s := range nextStatus[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Filter is the closed set of matching keys a worklist query may carry.
// Empty fields match everything; unrecognized keys are rejected upstream at
// the protocol layer before a Filter is ever built.
type Filter struct {
	Modality      string
	ScheduledDate string // exact YYYYMMDD match
	DateFrom      string // inclusive range bounds, YYYYMMDD
	DateTo        string
	PatientID     string
	Status        string
}

// Validate rejects filters that mix an exact date with a range, or name an
// unknown status.
func (f Filter) Validate() error {
	if f.ScheduledDate != "" && (f.DateFrom != "" || f.DateTo != "") {
		return fmt.Errorf("%w: scheduled_date and date range are mutually exclusive", ErrBadFilter)
	}
	if f.Status != "" {
		if _, ok := nextStatus[f.Status]; !ok {
			return fmt.Errorf("%w: unknown status %q", ErrBadFilter, f.Status)
		}
	}
	return nil
}

// Store is the persistent record of scheduled procedures. All mutation goes
// through Create and Transition; protocol handlers never touch rows directly.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a GORM handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new scheduled procedure. The accession number is the
// global business key; a second insert with the same accession fails with
// ErrDuplicateAccession regardless of the other fields.
func (s *Store) Create(item *models.ProcedureItem) error {
	if item.AccessionNumber == "" {
		return fmt.Errorf("worklist: accession number is required")
	}
	if item.Status == "" {
		item.Status = models.ProcedureScheduled
	}

	if err := s.db.Create(item).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateAccession, item.AccessionNumber)
		}
		return fmt.Errorf("worklist: create %s: %w", item.AccessionNumber, err)
	}
	return nil
}

// isDuplicateKey recognizes a key conflict from either supported driver.
// The insert itself is the duplicate check: a pre-read would let two racing
// creates both pass and surface the loser's raw constraint error.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// Get returns the procedure for an accession number.
func (s *Store) Get(accession string) (*models.ProcedureItem, error) {
	var item models.ProcedureItem
	err := s.db.First(&item, "accession_number = ?", accession).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accession)
	}
	if err != nil {
		return nil, fmt.Errorf("worklist: get %s: %w", accession, err)
	}
	return &item, nil
}

// Find returns procedures matching the filter, ordered by scheduled date,
// scheduled time, then accession number for deterministic paging.
func (s *Store) Find(f Filter) ([]models.ProcedureItem, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	q := s.db.Model(&models.ProcedureItem{})
	if f.Modality != "" {
		q = q.Where("modality = ?", f.Modality)
	}
	if f.ScheduledDate != "" {
		q = q.Where("scheduled_date = ?", f.ScheduledDate)
	}
	if f.DateFrom != "" {
		q = q.Where("scheduled_date >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		q = q.Where("scheduled_date <= ?", f.DateTo)
	}
	if f.PatientID != "" {
		q = q.Where("patient_id = ?", f.PatientID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var items []models.ProcedureItem
	if err := q.Order("scheduled_date, scheduled_time, accession_number").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("worklist: find: %w", err)
	}
	return items, nil
}

// FindEach streams matching procedures to fn in deterministic order,
// stopping early if fn returns false. Restartable: each call re-runs the
// query from the top.
func (s *Store) FindEach(f Filter, fn func(models.ProcedureItem) bool) error {
	items, err := s.Find(f)
	if err != nil {
		return err
	}
	for _, item := range items {
		if !fn(item) {
			return nil
		}
	}
	return nil
}

// Transition advances a procedure to target and stamps updated_at. The
// UPDATE is guarded on the current status so concurrent writers serialize
// per record: only one of two racing transitions can match the guard.
//
// A repeat of an already-applied transition (same target, and for start
// events the same performed step UID) is an idempotent no-op — modalities
// retransmit on unreliable networks. performedUID is recorded on the
// SCHEDULED -> IN_PROGRESS step and left untouched otherwise unless given.
func (s *Store) Transition(accession, target, performedUID string) (*models.ProcedureItem, error) {
	if _, ok := nextStatus[target]; !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	item, err := s.Get(accession)
	if err != nil {
		return nil, err
	}

	if item.Status == target {
		// Duplicate event. A repeated start must name the same performed
		// step; anything else is a conflicting modality and is rejected.
		if target == models.ProcedureInProgress && performedUID != "" &&
			item.PerformedStepUID != "" && item.PerformedStepUID != performedUID {
			return nil, fmt.Errorf("%w: %s already in progress under step %s",
				ErrInvalidTransition, accession, item.PerformedStepUID)
		}
		return item, nil
	}

	if !canTransition(item.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s for %s",
			ErrInvalidTransition, item.Status, target, accession)
	}

	updates := map[string]interface{}{
		"status":     target,
		"updated_at": time.Now(),
	}
	if performedUID != "" {
		updates["performed_step_uid"] = performedUID
	}

	res := s.db.Model(&models.ProcedureItem{}).
		Where("accession_number = ? AND status = ?", accession, item.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("worklist: transition %s: %w", accession, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race: another session moved the row first. Re-read and
		// apply the duplicate/invalid rules against the fresh state.
		fresh, err := s.Get(accession)
		if err != nil {
			return nil, err
		}
		if fresh.Status == target {
			return fresh, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s for %s",
			ErrInvalidTransition, fresh.Status, target, accession)
	}

	return s.Get(accession)
}

// Cancel discontinues a procedure that has not been started yet. This is the
// cloud-initiated cancellation path and is deliberately separate from
// Transition: the modality state machine never moves SCHEDULED straight to a
// terminal state, but an appointment withdrawn before the patient arrives
// does. Cancelling an already-started or already-finished procedure fails
// ErrInvalidTransition; an already-cancelled one is a no-op.
func (s *Store) Cancel(accession string) (*models.ProcedureItem, error) {
	item, err := s.Get(accession)
	if err != nil {
		return nil, err
	}
	if item.Status == models.ProcedureDiscontinued {
		return item, nil
	}
	if item.Status != models.ProcedureScheduled {
		return nil, fmt.Errorf("%w: cannot cancel %s in status %s",
			ErrInvalidTransition, accession, item.Status)
	}

	res := s.db.Model(&models.ProcedureItem{}).
		Where("accession_number = ? AND status = ?", accession, models.ProcedureScheduled).
		Updates(map[string]interface{}{
			"status":     models.ProcedureDiscontinued,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("worklist: cancel %s: %w", accession, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s was started concurrently", ErrInvalidTransition, accession)
	}
	return s.Get(accession)
}

// Statistics returns procedure counts keyed by status, plus TOTAL.
func (s *Store) Statistics() (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := s.db.Model(&models.ProcedureItem{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("worklist: statistics: %w", err)
	}

	stats := make(map[string]int64, len(rows)+1)
	var total int64
	for _, r := range rows {
		stats[r.Status] = r.Count
		total += r.Count
	}
	stats["TOTAL"] = total
	return stats, nil
}

// Sweep deletes COMPLETED and DISCONTINUED procedures created before the
// cutoff. Returns the number of rows removed. This is the only deletion path
// in the store and runs only under the operator-configured retention job.
func (s *Store) Sweep(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ? AND status IN ?",
		cutoff, []string{models.ProcedureCompleted, models.ProcedureDiscontinued}).
		Delete(&models.ProcedureItem{})
	if res.Error != nil {
		return 0, fmt.Errorf("worklist: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
