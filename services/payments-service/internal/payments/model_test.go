package payments

import "testing"

func TestTransitionFor(t *testing.T) {
	cases := []struct {
		event string
		from  Status
		want  bool
	}{
		{EventCompleted, StatusPending, true},
		{EventCompleted, StatusProcessing, true},
		{EventCompleted, StatusCompleted, false},
		{EventFailed, StatusPending, true},
		{EventFailed, StatusRefunded, false},
		{EventRefunded, StatusCompleted, true},
		{EventRefunded, StatusPending, false},
		{EventDisputed, StatusCompleted, true},
		{EventDisputed, StatusFailed, false},
	}
	for _, tc := range cases {
		tr, ok := TransitionFor(tc.event)
		if !ok {
			t.Fatalf("no transition for %s", tc.event)
		}
		if got := tr.AllowedFrom(tc.from); got != tc.want {
			t.Errorf("%s from %s: allowed=%v, want %v", tc.event, tc.from, got, tc.want)
		}
	}
}

func TestTransitionForUnknownEvent(t *testing.T) {
	if _, ok := TransitionFor("invoice.created"); ok {
		t.Fatal("unexpected transition for unknown event")
	}
}

func TestTransitionTargets(t *testing.T) {
	targets := map[string]Status{
		EventCompleted: StatusCompleted,
		EventFailed:    StatusFailed,
		EventRefunded:  StatusRefunded,
		EventDisputed:  StatusDisputed,
	}
	for event, want := range targets {
		tr, _ := TransitionFor(event)
		if tr.To != want {
			t.Errorf("%s transitions to %s, want %s", event, tr.To, want)
		}
	}
}
