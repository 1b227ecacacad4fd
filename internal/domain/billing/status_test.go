package billing

import "testing"

func TestAllowed(t *testing.T) {
	tests := []struct {
		trigger  Trigger
		from, to Status
		want     bool
	}{
		{TriggerScrub, StatusDraft, StatusValidated, true},
		{TriggerScrub, StatusDraft, StatusDraft, true},
		{TriggerScrub, StatusValidated, StatusDraft, true},
		{TriggerScrub, StatusSubmitted, StatusValidated, false},
		{TriggerSubmit, StatusValidated, StatusSubmitted, true},
		{TriggerSubmit, StatusDraft, StatusSubmitted, false},
		{TriggerReject, StatusSubmitted, StatusRejected, true},
		{TriggerRevise, StatusRejected, StatusDraft, true},
		{TriggerRevise, StatusSubmitted, StatusDraft, false},
		{TriggerAcknowledge, StatusSubmitted, StatusAcknowledged, true},
		{TriggerStatusPoll, StatusAcknowledged, StatusAdjudicated, true},
		{TriggerStatusPoll, StatusSubmitted, StatusAdjudicated, false},
		{TriggerReconcile, StatusAdjudicated, StatusPaid, true},
		{TriggerReconcile, StatusSubmitted, StatusDenied, true},
		{TriggerReconcile, StatusDraft, StatusPaid, false},
		{TriggerReconcile, StatusPaid, StatusPaid, false},
		{TriggerAppeal, StatusDenied, StatusAppealed, true},
		{TriggerAppeal, StatusPaid, StatusAppealed, false},
		{TriggerCancel, StatusDraft, StatusCancelled, true},
		{TriggerCancel, StatusSubmitted, StatusCancelled, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.trigger, tt.from, tt.to); got != tt.want {
			t.Errorf("Allowed(%s, %s, %s) = %v, want %v", tt.trigger, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusPaid, StatusCancelled} {
		if !Terminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusDraft, StatusValidated, StatusSubmitted, StatusRejected,
		StatusAcknowledged, StatusAdjudicated, StatusDenied, StatusAppealed} {
		if Terminal(s) {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestTransitionTableUsesKnownStatuses(t *testing.T) {
	for trigger, bySource := range transitions {
		for from, targets := range bySource {
			if !from.Valid() {
				t.Errorf("%s: unknown source status %q", trigger, from)
			}
			for _, to := range targets {
				if !to.Valid() {
					t.Errorf("%s: unknown target status %q", trigger, to)
				}
			}
		}
	}
}

func TestNothingLeavesPaid(t *testing.T) {
	for trigger := range transitions {
		if Accepts(trigger, StatusPaid) {
			t.Errorf("trigger %s accepts a paid claim", trigger)
		}
	}
}

func TestReplayStatus(t *testing.T) {
	events := []*RevenueCycleEvent{
		{Sequence: 1, Type: EventCreated, OldStatus: StatusDraft, NewStatus: StatusDraft},
		{Sequence: 2, Type: EventScrubPassed, OldStatus: StatusDraft, NewStatus: StatusValidated},
		{Sequence: 3, Type: EventSubmitted, OldStatus: StatusValidated, NewStatus: StatusSubmitted},
		{Sequence: 4, Type: EventPaid, OldStatus: StatusSubmitted, NewStatus: StatusPaid},
	}
	got, err := ReplayStatus(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StatusPaid {
		t.Errorf("expected paid, got %s", got)
	}
}

func TestReplayStatus_Diverged(t *testing.T) {
	events := []*RevenueCycleEvent{
		{Sequence: 1, Type: EventCreated, OldStatus: StatusDraft, NewStatus: StatusDraft},
		{Sequence: 2, Type: EventSubmitted, OldStatus: StatusValidated, NewStatus: StatusSubmitted},
	}
	got, err := ReplayStatus(events)
	if err == nil {
		t.Fatal("expected error for diverged log")
	}
	if got != StatusDraft {
		t.Errorf("expected replay to stop at draft, got %s", got)
	}
}

func TestReplayStatus_Empty(t *testing.T) {
	got, err := ReplayStatus(nil)
	if err != nil || got != StatusDraft {
		t.Errorf("expected draft and no error, got %s, %v", got, err)
	}
}
