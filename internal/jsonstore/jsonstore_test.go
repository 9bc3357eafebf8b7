package jsonstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type doc struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

func TestRead_Missing(t *testing.T) {
	var d doc
	ok, err := Read(filepath.Join(t.TempDir(), "missing.json"), &d)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if ok {
		t.Error("missing file should report ok=false")
	}
}

func TestRead_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}
	var d doc
	ok, err := Read(path, &d)
	if err != nil || ok {
		t.Errorf("Read(empty) = %v, %v; want false, nil", ok, err)
	}
}

func TestRead_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	var d doc
	_, err := Read(path, &d)
	if !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("err = %v, want ErrDecodeFailed", err)
	}
}

func TestWriteAtomic_RoundTripsTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	at := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)

	if err := WriteAtomic(path, doc{Name: "x", At: at}); err != nil {
		t.Fatalf("WriteAtomic error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if want := `"2026-03-04T09:30:00Z"`; !strings.Contains(string(raw), want) {
		t.Errorf("document %s does not contain ISO-8601 timestamp %s", raw, want)
	}

	var got doc
	ok, err := Read(path, &got)
	if err != nil || !ok {
		t.Fatalf("Read = %v, %v", ok, err)
	}
	if !got.At.Equal(at) || got.Name != "x" {
		t.Errorf("got %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
