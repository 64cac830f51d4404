package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseStatusRoundTrip(t *testing.T) {
	for _, status := range AllStatuses {
		parsed, err := ParseStatus(status.String())
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", status.String(), err)
		}
		if parsed != status {
			t.Fatalf("ParseStatus(%q)=%v, want %v", status.String(), parsed, status)
		}
	}
	if _, err := ParseStatus("serving"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusCompleted: true,
		StatusClosed:    true,
		StatusCancelled: true,
	}
	for _, status := range AllStatuses {
		if status.Terminal() != terminal[status] {
			t.Fatalf("%s.Terminal()=%v", status, status.Terminal())
		}
	}
}

func TestStatusJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusInConsultation})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"status":"in_consultation"}` {
		t.Fatalf("unexpected JSON %s", raw)
	}

	if _, err := json.Marshal(struct{ Status Status }{}); err == nil {
		t.Fatalf("expected zero status to fail marshalling")
	}
}

func TestEntryPatchApply(t *testing.T) {
	arrival := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	called := arrival.Add(10 * time.Minute)
	staff := "staff-1"
	entry := QueueEntry{ID: "e-1", Status: StatusCalled, ArrivalTime: arrival, CalledAt: &called, AssignedTo: &staff}

	later := arrival.Add(time.Hour)
	requeued := EntryPatch{Status: StatusWaiting, ArrivalTime: &later, ResetClock: true, UpdatedAt: later}.Apply(entry)

	if requeued.Status != StatusWaiting || !requeued.ArrivalTime.Equal(later) {
		t.Fatalf("unexpected requeued entry %+v", requeued)
	}
	if requeued.CalledAt != nil || requeued.StartedAt != nil || requeued.CompletedAt != nil {
		t.Fatalf("expected timestamps cleared")
	}
	if requeued.AssignedTo == nil || *requeued.AssignedTo != staff {
		t.Fatalf("expected assignee kept")
	}
	if entry.CalledAt == nil {
		t.Fatalf("Apply mutated the input entry")
	}
}
