package thumbnail

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fenland-imaging/gateway/internal/metrics"
	"github.com/fenland-imaging/gateway/internal/models"
	"github.com/fenland-imaging/gateway/internal/pacs"
	"github.com/fenland-imaging/gateway/internal/worklist"
)

// EventQueue is the outbound side of the relay bridge, as seen from here.
type EventQueue interface {
	Enqueue(msgType string, payload interface{}) (string, error)
}

// ImageEvent is the payload of a study.image_received relay event.
type ImageEvent struct {
	ActionID    string           `json:"action_id,omitempty"`
	Participant EventParticipant `json:"participant"`
	Study       EventStudy       `json:"study"`
	Series      EventSeries      `json:"series"`
	Image       EventImage       `json:"image"`
}

type EventParticipant struct {
	NHSNumber   string `json:"nhs_number"`
	PatientName string `json:"patient_name"`
}

type EventStudy struct {
	AccessionNumber  string `json:"accession_number"`
	StudyInstanceUID string `json:"study_instance_uid"`
	Modality         string `json:"modality"`
	StudyDate        string `json:"study_date"`
	StudyTime        string `json:"study_time"`
	StudyDescription string `json:"study_description"`
}

type EventSeries struct {
	SeriesInstanceUID string `json:"series_instance_uid"`
	SeriesNumber      string `json:"series_number"`
	SeriesDescription string `json:"series_description"`
}

type EventImage struct {
	SOPInstanceUID string          `json:"sop_instance_uid"`
	InstanceNumber string          `json:"instance_number"`
	Rows           int             `json:"rows,omitempty"`
	Columns        int             `json:"columns,omitempty"`
	ViewPosition   string          `json:"view_position,omitempty"`
	Laterality     string          `json:"laterality,omitempty"`
	ReceivedAt     string          `json:"received_at"`
	Thumbnail      *EventThumbnail `json:"thumbnail,omitempty"`
}

type EventThumbnail struct {
	Data   string `json:"data"` // base64 JPEG
	Format string `json:"format"`
}

// Pipeline scans the image store for instances awaiting a thumbnail. Failed
// rows stay FAILED; nothing here retries them, an operator or later sweep
// decides.
type Pipeline struct {
	Images        *pacs.Store
	Procedures    *worklist.Store
	Events        EventQueue
	Codec         Codec
	ThumbnailRoot string
	Interval      time.Duration
	BatchSize     int
	Out           io.Writer
}

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 10
)

// Run polls until ctx is cancelled. Each tick processes at most BatchSize
// pending instances; errors on one instance never stop the batch.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.Images == nil || p.Codec == nil || p.Events == nil {
		return fmt.Errorf("thumbnail: images, codec and events are required")
	}
	if p.Interval <= 0 {
		p.Interval = defaultInterval
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.Out == nil {
		p.Out = io.Discard
	}

	if err := os.MkdirAll(p.ThumbnailRoot, 0o700); err != nil {
		return fmt.Errorf("thumbnail: create root %s: %w", p.ThumbnailRoot, err)
	}

	fmt.Fprintf(p.Out, "Thumbnail pipeline started (poll every %s, batch %d)\n", p.Interval, p.BatchSize)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(p.Out, "Thumbnail pipeline stopped\n")
			return nil
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				log.Printf("thumbnail: %v", err)
			}
		}
	}
}

// RunOnce processes a single batch of pending instances.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	pending, err := p.Images.PendingThumbnails(p.BatchSize)
	if err != nil {
		return err
	}

	for _, inst := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.processInstance(ctx, inst); err != nil {
			metrics.Thumbnails.WithLabelValues("failed").Inc()
			log.Printf("thumbnail: instance %s: %v", inst.SOPInstanceUID, err)
			if mErr := p.Images.MarkThumbnailFailed(inst.SOPInstanceUID, err.Error()); mErr != nil {
				log.Printf("thumbnail: %v", mErr)
			}
		}
	}
	return nil
}

// processInstance renders one thumbnail and queues the image event. Any
// returned error marks the row FAILED.
func (p *Pipeline) processInstance(ctx context.Context, inst models.StoredInstance) error {
	imagePath := filepath.Join(p.Images.Root(), inst.StoragePath)
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("image file missing: %w", err)
	}

	thumbRel := pacs.ThumbnailPath(inst.SOPInstanceUID)
	thumbPath := filepath.Join(p.ThumbnailRoot, thumbRel)
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	if err := p.Codec.Generate(ctx, imagePath, thumbPath); err != nil {
		return err
	}

	thumbData, err := os.ReadFile(thumbPath)
	if err != nil {
		return fmt.Errorf("read thumbnail: %w", err)
	}

	event := p.buildEvent(inst)
	event.Image.Thumbnail = &EventThumbnail{
		Data:   base64.StdEncoding.EncodeToString(thumbData),
		Format: "jpeg",
	}

	if _, err := p.Events.Enqueue(models.TypeImageReceived, event); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	if err := p.Images.MarkThumbnailGenerated(inst.SOPInstanceUID); err != nil {
		return err
	}
	metrics.Thumbnails.WithLabelValues("generated").Inc()
	log.Printf("thumbnail: generated for %s (%d bytes)", inst.SOPInstanceUID, len(thumbData))
	return nil
}

// buildEvent assembles the event metadata, linking back to the originating
// cloud action through the procedure store when the accession is known.
func (p *Pipeline) buildEvent(inst models.StoredInstance) *ImageEvent {
	var actionID string
	if p.Procedures != nil && inst.AccessionNumber != "" {
		if item, err := p.Procedures.Get(inst.AccessionNumber); err == nil {
			actionID = item.SourceMessageID
		}
	}

	return &ImageEvent{
		ActionID: actionID,
		Participant: EventParticipant{
			NHSNumber:   inst.PatientID,
			PatientName: inst.PatientName,
		},
		Study: EventStudy{
			AccessionNumber:  inst.AccessionNumber,
			StudyInstanceUID: inst.StudyInstanceUID,
			Modality:         inst.Modality,
			StudyDate:        inst.StudyDate,
			StudyTime:        inst.StudyTime,
			StudyDescription: inst.StudyDescription,
		},
		Series: EventSeries{
			SeriesInstanceUID: inst.SeriesInstanceUID,
			SeriesNumber:      inst.SeriesNumber,
			SeriesDescription: inst.SeriesDescription,
		},
		Image: EventImage{
			SOPInstanceUID: inst.SOPInstanceUID,
			InstanceNumber: inst.InstanceNumber,
			Rows:           inst.Rows,
			Columns:        inst.Columns,
			ViewPosition:   inst.ViewPosition,
			Laterality:     inst.Laterality,
			ReceivedAt:     inst.ReceivedAt.UTC().Format(time.RFC3339),
		},
	}
}
