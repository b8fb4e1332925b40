package dfu

import "testing"

func TestEventSinkDispatchesInOrder(t *testing.T) {
	sink := NewEventSink()
	var got []string
	sink.On("log", func(payload interface{}) {
		got = append(got, payload.(LogEvent).Message)
	})
	sink.log("first")
	sink.log("second %d", 2)

	want := []string{"first", "second 2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventSinkUnsubscribe(t *testing.T) {
	sink := NewEventSink()
	calls := 0
	unsubscribe := sink.On("log", func(payload interface{}) { calls++ })
	sink.log("one")
	unsubscribe()
	sink.log("two")

	if calls != 1 {
		t.Errorf("got %d calls after unsubscribe, want 1", calls)
	}
}

func TestEventSinkRecoversPanickingHandler(t *testing.T) {
	sink := NewEventSink()
	var logged []string
	sink.On("log", func(payload interface{}) {
		if le, ok := payload.(LogEvent); ok {
			logged = append(logged, le.Message)
		}
	})
	sink.On("progress", func(payload interface{}) {
		panic("boom")
	})

	sink.progress(ProgressEvent{})

	if len(logged) == 0 {
		t.Fatal("expected the panic to be reported through the log channel")
	}
}

func TestProgressEventForcesNonZeroTotal(t *testing.T) {
	sink := NewEventSink()
	var got ProgressEvent
	sink.On("progress", func(payload interface{}) {
		got = payload.(ProgressEvent)
	})
	sink.progress(ProgressEvent{Object: "firmware"})

	if got.TotalBytes != 1 {
		t.Errorf("TotalBytes = %d, want 1", got.TotalBytes)
	}
}
