package pacs

import (
	"context"
	"testing"

	"github.com/fenland-imaging/gateway/internal/dimse"
)

func wireMeta(uid string) *dimse.InstanceMeta {
	return &dimse.InstanceMeta{
		SOPInstanceUID:   uid,
		PatientID:        "4857773456",
		StudyInstanceUID: "1.2.826.0.1.3680043.8.498.1",
		AccessionNumber:  "ACC100",
		Modality:         "MG",
	}
}

func TestServiceOnEcho(t *testing.T) {
	svc := NewService(newTestStore(t))
	if got := svc.OnEcho(context.Background(), "MODALITY1"); got != dimse.StatusSuccess {
		t.Errorf("echo status = 0x%04X, want success", uint16(got))
	}
}

func TestServiceOnStore(t *testing.T) {
	svc := NewService(newTestStore(t))

	status := svc.OnStore(context.Background(), "MODALITY1", wireMeta("1.2.3"), []byte("pixels"))
	if status != dimse.StatusSuccess {
		t.Fatalf("store status = 0x%04X, want success", uint16(status))
	}

	// Identical retransfer succeeds.
	status = svc.OnStore(context.Background(), "MODALITY1", wireMeta("1.2.3"), []byte("pixels"))
	if status != dimse.StatusSuccess {
		t.Errorf("retransfer status = 0x%04X, want success", uint16(status))
	}

	// Conflicting bytes are refused with the duplicate-instance code.
	status = svc.OnStore(context.Background(), "MODALITY1", wireMeta("1.2.3"), []byte("other pixels"))
	if status != dimse.StatusDuplicateInstance {
		t.Errorf("conflict status = 0x%04X, want duplicate-instance", uint16(status))
	}
}

func TestServiceOnStore_MissingUID(t *testing.T) {
	svc := NewService(newTestStore(t))
	status := svc.OnStore(context.Background(), "MODALITY1", &dimse.InstanceMeta{}, []byte("pixels"))
	if status != dimse.StatusMissingAttribute {
		t.Errorf("status = 0x%04X, want missing-attribute", uint16(status))
	}
}
