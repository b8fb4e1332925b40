package dfu

import (
	"fmt"
	"sync"
)

// LogEvent is the payload of a "log" event: an informational message.
type LogEvent struct {
	Message string
}

// ProgressEvent is the payload of a "progress" event. TotalBytes is always
// at least 1, so callers can safely compute a percentage.
type ProgressEvent struct {
	Object         string
	TotalBytes     uint32
	SentBytes      uint32
	ValidatedBytes uint32
}

// EventHandler receives an event payload: either a LogEvent or a
// ProgressEvent, depending on which name it was registered under.
type EventHandler func(payload interface{})

// EventSink is a synchronous one-way notifier. Handlers registered for a
// name are invoked, in registration order, every time that name is
// dispatched. A panicking handler is recovered and reported through the
// "log" channel instead of propagating, so one broken listener never stops
// the transfer or the other listeners.
type EventSink struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler
}

// NewEventSink returns an empty EventSink.
func NewEventSink() *EventSink {
	return &EventSink{handlers: make(map[string][]EventHandler)}
}

// On registers fn to be called whenever name is dispatched. The returned
// func removes the registration.
func (s *EventSink) On(name string, fn EventHandler) (unsubscribe func()) {
	s.mu.Lock()
	s.handlers[name] = append(s.handlers[name], fn)
	idx := len(s.handlers[name]) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		hs := s.handlers[name]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

func (s *EventSink) dispatch(name string, payload interface{}) {
	s.mu.Lock()
	hs := make([]EventHandler, len(s.handlers[name]))
	copy(hs, s.handlers[name])
	s.mu.Unlock()

	for _, h := range hs {
		if h == nil {
			continue
		}
		s.invoke(h, payload)
	}
}

func (s *EventSink) invoke(h EventHandler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.dispatch("log", LogEvent{Message: "event listener panicked, ignoring"})
		}
	}()
	h(payload)
}

func (s *EventSink) log(format string, args ...interface{}) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.dispatch("log", LogEvent{Message: msg})
}

func (s *EventSink) progress(p ProgressEvent) {
	if p.TotalBytes == 0 {
		p.TotalBytes = 1
	}
	s.dispatch("progress", p)
}
