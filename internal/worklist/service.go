package worklist

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fenland-imaging/gateway/internal/dimse"
	"github.com/fenland-imaging/gateway/internal/metrics"
	"github.com/fenland-imaging/gateway/internal/models"
)

// EventQueue is the outbound side of the relay bridge, as seen from here.
type EventQueue interface {
	Enqueue(msgType string, payload interface{}) (string, error)
}

// StatusEvent is the payload of a procedure.status_update relay event.
type StatusEvent struct {
	ActionID         string `json:"action_id"`
	AccessionNumber  string `json:"accession_number"`
	Status           string `json:"status"`
	PerformedStepUID string `json:"performed_step_uid,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// Service answers worklist queries and records procedure status events
// against the procedure store. It implements the dimse Echo, Query, Start
// and Complete handler interfaces.
type Service struct {
	store  *Store
	events EventQueue
}

// NewService wires the store and the outbound event queue. events may be nil
// in tooling contexts; status events are then dropped with a log line.
func NewService(store *Store, events EventQueue) *Service {
	return &Service{store: store, events: events}
}

// OnEcho answers the verification ping.
func (s *Service) OnEcho(ctx context.Context, callingAET string) dimse.Status {
	return dimse.StatusSuccess
}

// OnQuery translates the matching keys into a store filter and streams the
// matches. Unrecognized keys reject the query; a query matching nothing
// still terminates successfully. Without an explicit status key the query
// covers SCHEDULED procedures only, which is what a modality pulling its
// worklist wants.
func (s *Service) OnQuery(ctx context.Context, keys map[string]string, push func(map[string]string) error) dimse.Status {
	filter := Filter{Status: models.ProcedureScheduled}
	for k, v := range keys {
		switch k {
		case dimse.KeyModality:
			filter.Modality = v
		case dimse.KeyScheduledDate:
			filter.ScheduledDate = v
		case dimse.KeyDateFrom:
			filter.DateFrom = v
		case dimse.KeyDateTo:
			filter.DateTo = v
		case dimse.KeyPatientID:
			filter.PatientID = v
		case dimse.KeyStatus:
			filter.Status = v
		default:
			log.Printf("worklist: query rejected, unknown matching key %q", k)
			return dimse.StatusCannotUnderstand
		}
	}

	err := s.store.FindEach(filter, func(item models.ProcedureItem) bool {
		return push(itemAttributes(item)) == nil
	})
	if errors.Is(err, ErrBadFilter) {
		return dimse.StatusCannotUnderstand
	}
	if err != nil {
		log.Printf("worklist: query: %v", err)
		return dimse.StatusOutOfResources
	}
	return dimse.StatusSuccess
}

// OnStart records a procedure-started event. The modality must report the
// step as IN PROGRESS; a retransmitted start for an already-started
// procedure is a success, not an error.
func (s *Service) OnStart(ctx context.Context, accession, reportedStatus, performedUID string) dimse.Status {
	if accession == "" {
		return dimse.StatusMissingAttribute
	}
	if reportedStatus != "IN PROGRESS" {
		return dimse.StatusInvalidValue
	}

	prev, err := s.store.Get(accession)
	if err != nil {
		return startStatus(err)
	}
	wasStarted := prev.Status == models.ProcedureInProgress

	item, err := s.store.Transition(accession, models.ProcedureInProgress, performedUID)
	if err != nil {
		return startStatus(err)
	}

	if !wasStarted {
		s.emitStatus(item)
	}
	return dimse.StatusSuccess
}

// OnComplete records the end of a procedure, moving it to COMPLETED or
// DISCONTINUED. When the modality names the performed step it must match
// the one recorded on start.
func (s *Service) OnComplete(ctx context.Context, accession, reportedStatus, performedUID string) dimse.Status {
	if accession == "" {
		return dimse.StatusMissingAttribute
	}

	var target string
	switch reportedStatus {
	case models.ProcedureCompleted:
		target = models.ProcedureCompleted
	case models.ProcedureDiscontinued:
		target = models.ProcedureDiscontinued
	default:
		return dimse.StatusInvalidValue
	}

	prev, err := s.store.Get(accession)
	if err != nil {
		return startStatus(err)
	}
	if performedUID != "" && prev.PerformedStepUID != "" && prev.PerformedStepUID != performedUID {
		return dimse.StatusNoSuchObject
	}
	wasDone := prev.Status == target

	item, err := s.store.Transition(accession, target, "")
	if err != nil {
		return startStatus(err)
	}

	if !wasDone {
		s.emitStatus(item)
	}
	return dimse.StatusSuccess
}

// emitStatus queues an outbound status event for a completed transition.
// Queueing failure is logged, never surfaced to the modality: the envelope
// row is redrivable and the store is already consistent.
func (s *Service) emitStatus(item *models.ProcedureItem) {
	metrics.ProcedureTransitions.WithLabelValues(item.Status).Inc()
	if s.events == nil {
		log.Printf("worklist: no event queue, dropping status update for %s", item.AccessionNumber)
		return
	}
	_, err := s.events.Enqueue(models.TypeStatusUpdate, StatusEvent{
		ActionID:         item.SourceMessageID,
		AccessionNumber:  item.AccessionNumber,
		Status:           item.Status,
		PerformedStepUID: item.PerformedStepUID,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("worklist: enqueue status update for %s: %v", item.AccessionNumber, err)
	}
}

// startStatus maps store errors to protocol status codes.
func startStatus(err error) dimse.Status {
	switch {
	case errors.Is(err, ErrNotFound):
		return dimse.StatusNoSuchObject
	case errors.Is(err, ErrInvalidTransition):
		return dimse.StatusInvalidValue
	default:
		log.Printf("worklist: %v", err)
		return dimse.StatusProcessingFailure
	}
}

// itemAttributes flattens a procedure row into the attribute set returned to
// the querying modality.
func itemAttributes(item models.ProcedureItem) map[string]string {
	return map[string]string{
		"accession_number":   item.AccessionNumber,
		"patient_id":         item.PatientID,
		"patient_name":       item.PatientName,
		"patient_birth_date": item.PatientBirthDate,
		"patient_sex":        item.PatientSex,
		"scheduled_date":     item.ScheduledDate,
		"scheduled_time":     item.ScheduledTime,
		"modality":           item.Modality,
		"study_description":  item.StudyDescription,
		"procedure_code":     item.ProcedureCode,
		"status":             item.Status,
		"study_instance_uid": item.StudyInstanceUID,
	}
}
