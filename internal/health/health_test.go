package health

import "testing"

func TestAggregator_AllReady(t *testing.T) {
	a := New()
	a.Register("store", Simple("store", true, ""))
	a.Register("queue", Simple("queue", true, ""))

	status, components := a.Readiness()
	if status != StatusReady {
		t.Fatalf("status = %s, want ready", status)
	}
	if len(components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(components))
	}
}

func TestAggregator_OneNotReadyFailsAll(t *testing.T) {
	a := New()
	a.Register("store", Simple("store", true, ""))
	a.Register("hub", Simple("hub", false, "websocket upgrade pool exhausted"))

	status, _ := a.Readiness()
	if status != StatusNotReady {
		t.Fatalf("status = %s, want not_ready", status)
	}
}

func TestAggregator_Empty(t *testing.T) {
	a := New()
	status, components := a.Readiness()
	if status != StatusReady {
		t.Fatalf("status = %s, want ready for an empty aggregator", status)
	}
	if len(components) != 0 {
		t.Fatalf("expected no components, got %d", len(components))
	}
}
