package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name     string
	events   *[]string
	startErr error
	stopErr  error
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	*s.events = append(*s.events, "start:"+s.name)
	return s.startErr
}

func (s *recordingService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return s.stopErr
}

func TestManagerStartsInOrderStopsInReverse(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordingService{name: name, events: &events}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var events []string
	m := NewManager()
	boom := errors.New("listen failed")
	if err := m.Register(&recordingService{name: "a", events: &events}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(&recordingService{name: "b", events: &events, startErr: boom}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := m.Register(&recordingService{name: "c", events: &events}); err != nil {
		t.Fatalf("register c: %v", err)
	}

	err := m.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected start failure, got %v", err)
	}

	want := []string{"start:a", "start:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestManagerRejectsDuplicateAndLateRegistration(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&recordingService{name: "a", events: &events}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(&recordingService{name: "a", events: &events}); err == nil {
		t.Fatal("duplicate name accepted")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register(&recordingService{name: "b", events: &events}); err == nil {
		t.Fatal("registration after start accepted")
	}
}

func TestManagerStopReportsFirstError(t *testing.T) {
	var events []string
	m := NewManager()
	boom := errors.New("flush failed")
	if err := m.Register(&recordingService{name: "a", events: &events, stopErr: boom}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(&recordingService{name: "b", events: &events}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := m.Stop(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected stop error, got %v", err)
	}

	// Both services were still stopped.
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}
