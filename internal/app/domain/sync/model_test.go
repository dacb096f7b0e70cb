package sync

import "testing"

func TestFinalizeCompleted(t *testing.T) {
	j := Job{Total: 3, Done: 3, Failed: 0}
	j.Finalize(j.StartedAt)
	if j.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", j.Status)
	}
}

func TestFinalizeFailed(t *testing.T) {
	j := Job{Total: 2, Done: 0, Failed: 2}
	j.Finalize(j.StartedAt)
	if j.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", j.Status)
	}
}

func TestFinalizePartial(t *testing.T) {
	j := Job{Total: 3, Done: 2, Failed: 1}
	j.Finalize(j.StartedAt)
	if j.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", j.Status)
	}
}

func TestActiveStatuses(t *testing.T) {
	if !StatusPending.Active() || !StatusProcessing.Active() {
		t.Fatalf("pending/processing should be active")
	}
	if StatusCompleted.Active() || StatusFailed.Active() || StatusPartial.Active() {
		t.Fatalf("terminal statuses should not be active")
	}
}
