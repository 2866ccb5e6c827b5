package worklist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fenland-imaging/gateway/internal/dimse"
	"github.com/fenland-imaging/gateway/internal/models"
)

// recordingQueue captures enqueued events in memory.
type recordingQueue struct {
	types    []string
	payloads []interface{}
}

func (q *recordingQueue) Enqueue(msgType string, payload interface{}) (string, error) {
	q.types = append(q.types, msgType)
	q.payloads = append(q.payloads, payload)
	return "msg-test", nil
}

func newTestService(t *testing.T) (*Service, *Store, *recordingQueue) {
	t.Helper()
	store := NewStore(openTestDB(t))
	queue := &recordingQueue{}
	return NewService(store, queue), store, queue
}

func TestOnEcho(t *testing.T) {
	svc, _, _ := newTestService(t)
	if got := svc.OnEcho(context.Background(), "MODALITY1"); got != dimse.StatusSuccess {
		t.Errorf("echo status = 0x%04X, want success", uint16(got))
	}
}

func TestOnQuery_DefaultsToScheduled(t *testing.T) {
	svc, store, _ := newTestService(t)

	scheduled := testItem("ACC100")
	done := testItem("ACC200")
	done.Status = models.ProcedureCompleted
	for _, item := range []*models.ProcedureItem{scheduled, done} {
		if err := store.Create(item); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var got []map[string]string
	status := svc.OnQuery(context.Background(), map[string]string{}, func(attrs map[string]string) error {
		got = append(got, attrs)
		return nil
	})
	if status != dimse.StatusSuccess {
		t.Fatalf("query status = 0x%04X, want success", uint16(status))
	}
	if len(got) != 1 || got[0]["accession_number"] != "ACC100" {
		t.Fatalf("matches = %v, want just ACC100", got)
	}
	if got[0]["patient_name"] != "DOE^JANE" {
		t.Errorf("patient_name = %q, want DOE^JANE", got[0]["patient_name"])
	}
}

func TestOnQuery_ExplicitStatus(t *testing.T) {
	svc, store, _ := newTestService(t)

	done := testItem("ACC200")
	done.Status = models.ProcedureCompleted
	if err := store.Create(done); err != nil {
		t.Fatalf("create: %v", err)
	}

	var count int
	status := svc.OnQuery(context.Background(),
		map[string]string{dimse.KeyStatus: models.ProcedureCompleted},
		func(map[string]string) error { count++; return nil })
	if status != dimse.StatusSuccess {
		t.Fatalf("query status = 0x%04X, want success", uint16(status))
	}
	if count != 1 {
		t.Errorf("matches = %d, want 1", count)
	}
}

func TestOnQuery_UnknownKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	status := svc.OnQuery(context.Background(),
		map[string]string{"shoe_size": "42"},
		func(map[string]string) error { return nil })
	if status != dimse.StatusCannotUnderstand {
		t.Errorf("status = 0x%04X, want cannot-understand", uint16(status))
	}
}

func TestOnQuery_BadFilter(t *testing.T) {
	svc, _, _ := newTestService(t)
	status := svc.OnQuery(context.Background(), map[string]string{
		dimse.KeyScheduledDate: "20260315",
		dimse.KeyDateFrom:      "20260301",
	}, func(map[string]string) error { return nil })
	if status != dimse.StatusCannotUnderstand {
		t.Errorf("status = 0x%04X, want cannot-understand", uint16(status))
	}
}

func TestOnQuery_EmptyResultIsSuccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	status := svc.OnQuery(context.Background(),
		map[string]string{dimse.KeyModality: "US"},
		func(map[string]string) error { return nil })
	if status != dimse.StatusSuccess {
		t.Errorf("status = 0x%04X, want success", uint16(status))
	}
}

func TestOnStart(t *testing.T) {
	svc, store, queue := newTestService(t)
	if err := store.Create(testItem("ACC100")); err != nil {
		t.Fatalf("create: %v", err)
	}

	status := svc.OnStart(context.Background(), "ACC100", "IN PROGRESS", "1.2.3.4")
	if status != dimse.StatusSuccess {
		t.Fatalf("start status = 0x%04X, want success", uint16(status))
	}

	got, err := store.Get("ACC100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ProcedureInProgress {
		t.Errorf("status = %q, want IN_PROGRESS", got.Status)
	}
	if got.PerformedStepUID != "1.2.3.4" {
		t.Errorf("performed step = %q, want 1.2.3.4", got.PerformedStepUID)
	}

	if len(queue.types) != 1 || queue.types[0] != models.TypeStatusUpdate {
		t.Fatalf("enqueued = %v, want one %s", queue.types, models.TypeStatusUpdate)
	}
	event := queue.payloads[0].(StatusEvent)
	if event.ActionID != "msg-ACC100" {
		t.Errorf("action_id = %q, want msg-ACC100", event.ActionID)
	}
	if event.Status != models.ProcedureInProgress {
		t.Errorf("event status = %q, want IN_PROGRESS", event.Status)
	}
}

func TestOnStart_DuplicateEmitsOnce(t *testing.T) {
	svc, store, queue := newTestService(t)
	if err := store.Create(testItem("ACC100")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		status := svc.OnStart(context.Background(), "ACC100", "IN PROGRESS", "1.2.3.4")
		if status != dimse.StatusSuccess {
			t.Fatalf("start %d status = 0x%04X, want success", i, uint16(status))
		}
	}
	if len(queue.types) != 1 {
		t.Errorf("events emitted = %d, want 1", len(queue.types))
	}
}

func TestOnStart_Errors(t *testing.T) {
	tests := []struct {
		name           string
		accession      string
		reportedStatus string
		want           dimse.Status
	}{
		{"missing accession", "", "IN PROGRESS", dimse.StatusMissingAttribute},
		{"wrong reported status", "ACC100", "STARTED", dimse.StatusInvalidValue},
		{"unknown accession", "NOPE", "IN PROGRESS", dimse.StatusNoSuchObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t)
			if err := store.Create(testItem("ACC100")); err != nil {
				t.Fatalf("create: %v", err)
			}
			got := svc.OnStart(context.Background(), tt.accession, tt.reportedStatus, "1.2.3.4")
			if got != tt.want {
				t.Errorf("status = 0x%04X, want 0x%04X", uint16(got), uint16(tt.want))
			}
		})
	}
}

func TestOnComplete(t *testing.T) {
	tests := []struct {
		name           string
		reportedStatus string
		wantStored     string
	}{
		{"completed", "COMPLETED", models.ProcedureCompleted},
		{"discontinued", "DISCONTINUED", models.ProcedureDiscontinued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, queue := newTestService(t)
			item := testItem("ACC100")
			item.Status = models.ProcedureInProgress
			item.PerformedStepUID = "1.2.3.4"
			if err := store.Create(item); err != nil {
				t.Fatalf("create: %v", err)
			}

			status := svc.OnComplete(context.Background(), "ACC100", tt.reportedStatus, "1.2.3.4")
			if status != dimse.StatusSuccess {
				t.Fatalf("complete status = 0x%04X, want success", uint16(status))
			}

			got, err := store.Get("ACC100")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != tt.wantStored {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStored)
			}
			if len(queue.types) != 1 {
				t.Errorf("events emitted = %d, want 1", len(queue.types))
			}
		})
	}
}

func TestOnComplete_StepUIDMismatch(t *testing.T) {
	svc, store, _ := newTestService(t)
	item := testItem("ACC100")
	item.Status = models.ProcedureInProgress
	item.PerformedStepUID = "1.2.3.4"
	if err := store.Create(item); err != nil {
		t.Fatalf("create: %v", err)
	}

	status := svc.OnComplete(context.Background(), "ACC100", "COMPLETED", "9.9.9.9")
	if status != dimse.StatusNoSuchObject {
		t.Errorf("status = 0x%04X, want no-such-object", uint16(status))
	}
}

func TestOnComplete_NotStarted(t *testing.T) {
	svc, store, _ := newTestService(t)
	if err := store.Create(testItem("ACC100")); err != nil {
		t.Fatalf("create: %v", err)
	}

	status := svc.OnComplete(context.Background(), "ACC100", "COMPLETED", "")
	if status != dimse.StatusInvalidValue {
		t.Errorf("status = 0x%04X, want invalid-value", uint16(status))
	}
}

func TestStatusEvent_JSONShape(t *testing.T) {
	data, err := json.Marshal(StatusEvent{
		ActionID:        "msg-1",
		AccessionNumber: "ACC100",
		Status:          models.ProcedureInProgress,
		Timestamp:       "2026-03-15T09:30:00Z",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["performed_step_uid"]; ok {
		t.Error("empty performed_step_uid should be omitted")
	}
	if m["accession_number"] != "ACC100" {
		t.Errorf("accession_number = %v, want ACC100", m["accession_number"])
	}
}

// TestProcedureLifecycle drives one procedure through the whole modality
// conversation: created, found by a query, started, hidden from the default
// query, completed, with a second start refused.
func TestProcedureLifecycle(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	if err := store.Create(testItem("ACC100")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var matches []map[string]string
	collect := func(attrs map[string]string) error {
		matches = append(matches, attrs)
		return nil
	}
	if status := svc.OnQuery(ctx, map[string]string{}, collect); status != dimse.StatusSuccess {
		t.Fatalf("first query status = 0x%04X", uint16(status))
	}
	if len(matches) != 1 || matches[0]["accession_number"] != "ACC100" {
		t.Fatalf("first query matches = %v, want ACC100", matches)
	}

	if status := svc.OnStart(ctx, "ACC100", "IN PROGRESS", "1.2.3.100"); status != dimse.StatusSuccess {
		t.Fatalf("start status = 0x%04X", uint16(status))
	}

	matches = nil
	if status := svc.OnQuery(ctx, map[string]string{}, collect); status != dimse.StatusSuccess {
		t.Fatalf("second query status = 0x%04X", uint16(status))
	}
	if len(matches) != 0 {
		t.Fatalf("started procedure still matched default query: %v", matches)
	}

	if status := svc.OnComplete(ctx, "ACC100", "COMPLETED", "1.2.3.100"); status != dimse.StatusSuccess {
		t.Fatalf("complete status = 0x%04X", uint16(status))
	}
	item, err := store.Get("ACC100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != models.ProcedureCompleted {
		t.Errorf("status = %q, want %q", item.Status, models.ProcedureCompleted)
	}

	if status := svc.OnStart(ctx, "ACC100", "IN PROGRESS", "1.2.3.999"); status != dimse.StatusInvalidValue {
		t.Errorf("restart status = 0x%04X, want invalid value", uint16(status))
	}

	if len(queue.types) != 2 {
		t.Fatalf("status events emitted = %d, want 2", len(queue.types))
	}
	for _, typ := range queue.types {
		if typ != models.TypeStatusUpdate {
			t.Errorf("event type = %q, want %q", typ, models.TypeStatusUpdate)
		}
	}
}
