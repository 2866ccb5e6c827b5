// Package dimse implements the framed JSON session protocol spoken between
// the gateway and imaging modalities. Sessions follow DICOM association
// semantics: an associate handshake scoped to an application entity title,
// then commands, then release. Frames are newline-delimited JSON.
package dimse

// Status codes carried on every reply, mirroring DIMSE service status.
type Status uint16

const (
	StatusSuccess           Status = 0x0000
	StatusPending           Status = 0xFF00
	StatusCancelled         Status = 0xFE00
	StatusOutOfResources    Status = 0xA700
	StatusCannotUnderstand  Status = 0xC000
	StatusInvalidValue      Status = 0x0106
	StatusProcessingFailure Status = 0x0110
	StatusDuplicateInstance Status = 0x0111
	StatusNoSuchObject      Status = 0x0112
	StatusMissingAttribute  Status = 0x0120
)

// Frame kinds.
const (
	KindAssociate = "associate"
	KindEcho      = "echo"
	KindFind      = "find"
	KindStart     = "start"
	KindComplete  = "complete"
	KindStore     = "store"
	KindRelease   = "release"
)

// Recognized matching keys for find requests. Anything else is rejected with
// StatusCannotUnderstand rather than silently ignored.
const (
	KeyModality      = "modality"
	KeyScheduledDate = "scheduled_date"
	KeyDateFrom      = "date_from"
	KeyDateTo        = "date_to"
	KeyPatientID     = "patient_id"
	KeyStatus        = "status"
)

// InstanceMeta is the self-describing header of a store request.
type InstanceMeta struct {
	SOPInstanceUID    string `json:"sop_instance_uid"`
	PatientID         string `json:"patient_id,omitempty"`
	PatientName       string `json:"patient_name,omitempty"`
	StudyInstanceUID  string `json:"study_instance_uid,omitempty"`
	SeriesInstanceUID string `json:"series_instance_uid,omitempty"`
	AccessionNumber   string `json:"accession_number,omitempty"`
	Modality          string `json:"modality,omitempty"`
	StudyDate         string `json:"study_date,omitempty"`
	StudyTime         string `json:"study_time,omitempty"`
	StudyDescription  string `json:"study_description,omitempty"`
	SeriesNumber      string `json:"series_number,omitempty"`
	SeriesDescription string `json:"series_description,omitempty"`
	InstanceNumber    string `json:"instance_number,omitempty"`
	ViewPosition      string `json:"view_position,omitempty"`
	Laterality        string `json:"laterality,omitempty"`
	Rows              int    `json:"rows,omitempty"`
	Columns           int    `json:"columns,omitempty"`
}

// Request is one inbound frame on an association.
type Request struct {
	Kind string `json:"kind"`

	// Associate handshake.
	CallingAET string `json:"calling_aet,omitempty"`
	CalledAET  string `json:"called_aet,omitempty"`

	// Find: matching keys.
	Keys map[string]string `json:"keys,omitempty"`

	// Start / complete: procedure step reporting.
	AccessionNumber  string `json:"accession_number,omitempty"`
	ReportedStatus   string `json:"status,omitempty"`
	PerformedStepUID string `json:"performed_step_uid,omitempty"`

	// Store: instance header plus base64 body.
	Instance *InstanceMeta `json:"instance,omitempty"`
	Body     string        `json:"body,omitempty"`
}

// Reply is one outbound frame. Find results stream as a series of Pending
// replies each carrying an Item, terminated by a Success with no item.
type Reply struct {
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Item    map[string]string `json:"item,omitempty"`
}
