package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fleetctl.log")
	if err := Init(path, false); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() { Close() })

	log.Printf("first line")
	log.Printf("second line")
	log.Printf("third line")

	got, err := ReadTail(path, 2)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("ReadTail(2) returned %d lines: %q", len(lines), got)
	}
	if !strings.HasSuffix(lines[0], "second line") || !strings.HasSuffix(lines[1], "third line") {
		t.Errorf("ReadTail(2) = %q", got)
	}
}

func TestReadTail_MissingFile(t *testing.T) {
	got, err := ReadTail(filepath.Join(t.TempDir(), "nope.log"), 10)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	if got != "" {
		t.Errorf("ReadTail() = %q, want empty", got)
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetctl.log")
	if err := Init(path, false); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() { Close() })

	log.Printf("before clear")
	if err := Clear(path); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	log.Printf("after clear")

	got, err := ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	if strings.Contains(got, "before clear") || !strings.Contains(got, "after clear") {
		t.Errorf("log after Clear() = %q", got)
	}
}

func TestInit_BadPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	// A regular file where a directory is expected.
	if err := Init(filepath.Join(blocker, "sub", "x.log"), false); err == nil {
		t.Error("Init() should fail when the log directory cannot be created")
	}
	Close()
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello.service", "hello.service"},
		{"evil\nFAKE LOG LINE", "evil FAKE LOG LINE"},
		{"tab\there", "tab here"},
		{"bell\x07\x1b[31m", "bell[31m"},
		{"unicodé", "unicodé"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadTail_LineCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetctl.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		n    int
		want string
	}{
		{-1, "one\ntwo\nthree"},
		{0, ""},
		{1, "three"},
		{3, "one\ntwo\nthree"},
		{10, "one\ntwo\nthree"},
	}
	for _, tt := range tests {
		got, err := ReadTail(path, tt.n)
		if err != nil {
			t.Fatalf("ReadTail(%d) error: %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("ReadTail(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
