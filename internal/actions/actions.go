// Package actions applies inbound cloud action envelopes to the procedure
// store.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/fenland-imaging/gateway/internal/models"
	"github.com/fenland-imaging/gateway/internal/relay"
	"github.com/fenland-imaging/gateway/internal/worklist"
)

// createPayload is the body of a worklist.create_item action.
type createPayload struct {
	WorklistItem struct {
		AccessionNumber string `json:"accession_number"`
		Participant     struct {
			NHSNumber string `json:"nhs_number"`
			Name      string `json:"name"`
			BirthDate string `json:"birth_date"`
			Sex       string `json:"sex"`
		} `json:"participant"`
		Scheduled struct {
			Date string `json:"date"`
			Time string `json:"time"`
		} `json:"scheduled"`
		Procedure struct {
			Modality         string `json:"modality"`
			StudyDescription string `json:"study_description"`
			ProcedureCode    string `json:"procedure_code"`
		} `json:"procedure"`
		StudyInstanceUID string `json:"study_instance_uid"`
	} `json:"worklist_item"`
}

// removePayload is the body of a worklist.remove_item action.
type removePayload struct {
	AccessionNumber string `json:"accession_number"`
}

// Router implements relay.ActionHandler over the procedure store.
type Router struct {
	Store *worklist.Store
}

// HandleAction applies one action. Unknown types are acked as such without
// failing the channel; a duplicate create for an accession already present
// is treated as a redelivered action and acked created.
func (r *Router) HandleAction(ctx context.Context, env relay.Envelope) (string, error) {
	switch env.Type {
	case models.TypeWorklistCreate:
		return r.create(env)
	case models.TypeWorklistRemove:
		return r.remove(env)
	default:
		log.Printf("actions: unknown action type %q (id=%s)", env.Type, env.ID)
		return "unknown_action", nil
	}
}

func (r *Router) create(env relay.Envelope) (string, error) {
	var p createPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("actions: decode create payload: %w", err)
	}
	wi := p.WorklistItem
	if wi.AccessionNumber == "" {
		return "", fmt.Errorf("actions: create without accession number (id=%s)", env.ID)
	}

	err := r.Store.Create(&models.ProcedureItem{
		AccessionNumber:  wi.AccessionNumber,
		PatientID:        wi.Participant.NHSNumber,
		PatientName:      wi.Participant.Name,
		PatientBirthDate: wi.Participant.BirthDate,
		PatientSex:       wi.Participant.Sex,
		ScheduledDate:    wi.Scheduled.Date,
		ScheduledTime:    wi.Scheduled.Time,
		Modality:         wi.Procedure.Modality,
		StudyDescription: wi.Procedure.StudyDescription,
		ProcedureCode:    wi.Procedure.ProcedureCode,
		StudyInstanceUID: wi.StudyInstanceUID,
		SourceMessageID:  env.ID,
	})
	if errors.Is(err, worklist.ErrDuplicateAccession) {
		log.Printf("actions: accession %s already scheduled, acking redelivery", wi.AccessionNumber)
		return "created", nil
	}
	if err != nil {
		return "", err
	}

	log.Printf("actions: created worklist item %s", wi.AccessionNumber)
	return "created", nil
}

// remove marks the scheduled procedure discontinued. The row is kept for
// audit; removal never deletes.
func (r *Router) remove(env relay.Envelope) (string, error) {
	var p removePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("actions: decode remove payload: %w", err)
	}
	if p.AccessionNumber == "" {
		return "", fmt.Errorf("actions: remove without accession number (id=%s)", env.ID)
	}

	_, err := r.Store.Cancel(p.AccessionNumber)
	switch {
	case errors.Is(err, worklist.ErrNotFound):
		log.Printf("actions: remove for unknown accession %s", p.AccessionNumber)
		return "not_found", nil
	case errors.Is(err, worklist.ErrInvalidTransition):
		// Already started or finished; the procedure's fate now belongs to
		// the modality, not the scheduler.
		log.Printf("actions: remove refused for %s: %v", p.AccessionNumber, err)
		return "conflict", nil
	case err != nil:
		return "", err
	}

	log.Printf("actions: discontinued worklist item %s", p.AccessionNumber)
	return "removed", nil
}
