package pacs

import (
	"context"
	"errors"
	"log"

	"github.com/fenland-imaging/gateway/internal/dimse"
	"github.com/fenland-imaging/gateway/internal/metrics"
)

// Service accepts image transfers over the storage protocol. It implements
// the dimse Echo and Store handler interfaces.
type Service struct {
	store *Store
}

// NewService wraps the image store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// OnEcho answers the verification ping.
func (s *Service) OnEcho(ctx context.Context, callingAET string) dimse.Status {
	return dimse.StatusSuccess
}

// OnStore writes the transferred instance. Retransfers with identical bytes
// succeed idempotently; conflicting bytes are refused and the original copy
// kept.
func (s *Service) OnStore(ctx context.Context, callingAET string, meta *dimse.InstanceMeta, body []byte) dimse.Status {
	if meta.SOPInstanceUID == "" {
		return dimse.StatusMissingAttribute
	}

	_, err := s.store.StoreInstance(&InstanceMeta{
		SOPInstanceUID:    meta.SOPInstanceUID,
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
	}, body, callingAET)
	switch {
	case errors.Is(err, ErrIntegrityConflict):
		metrics.IntegrityConflicts.Inc()
		log.Printf("pacs: rejected conflicting retransfer of %s from %s", meta.SOPInstanceUID, callingAET)
		return dimse.StatusDuplicateInstance
	case err != nil:
		log.Printf("pacs: store %s: %v", meta.SOPInstanceUID, err)
		return dimse.StatusCannotUnderstand
	}

	metrics.InstancesStored.Inc()
	log.Printf("pacs: stored instance %s (patient=%s study=%s accession=%s) from %s",
		meta.SOPInstanceUID, meta.PatientID, meta.StudyInstanceUID, meta.AccessionNumber, callingAET)
	return dimse.StatusSuccess
}
