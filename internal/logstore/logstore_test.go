package logstore

import "testing"

func TestRingEvictsOldest(t *testing.T) {
	s := New(3)
	s.AddLog("a", "info", "1", nil)
	s.AddLog("a", "info", "2", nil)
	s.AddLog("a", "info", "3", nil)
	s.AddLog("a", "info", "4", nil)

	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "2" {
		t.Fatalf("expected oldest retained entry to be %q, got %q", "2", entries[0].Message)
	}
	if entries[2].Message != "4" {
		t.Fatalf("expected newest entry to be %q, got %q", "4", entries[2].Message)
	}
}

func TestListenerFanOut(t *testing.T) {
	s := New(10)
	var got []Entry
	remove := s.AddListener(func(e Entry) { got = append(got, e) })

	s.AddLog("srv", "error", "boom", nil)
	if len(got) != 1 || got[0].Message != "boom" {
		t.Fatalf("expected listener to observe the entry, got %+v", got)
	}

	remove()
	s.AddLog("srv", "error", "after-remove", nil)
	if len(got) != 1 {
		t.Fatalf("expected no further callbacks after removal, got %+v", got)
	}
}

func TestDefaultCapacity(t *testing.T) {
	s := New(0)
	if s.capacity != 1000 {
		t.Fatalf("expected default capacity 1000, got %d", s.capacity)
	}
}
