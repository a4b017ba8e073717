package installer

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPayloadOffsetMatchesArchiveLayout(t *testing.T) {
	path := abPackage(t)

	got, err := PayloadOffset(path)
	if err != nil {
		t.Fatalf("PayloadOffset() error = %v", err)
	}
	if want := dataOffset(t, path, PayloadEntry); got != want {
		t.Errorf("PayloadOffset() = %d, want %d", got, want)
	}
}

func TestPayloadOffsetFirstEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "first.zip")
	writeArchive(t, path, []rawEntry{{name: PayloadEntry, data: []byte("payload")}})

	got, err := PayloadOffset(path)
	if err != nil {
		t.Fatalf("PayloadOffset() error = %v", err)
	}
	if want := int64(30 + len(PayloadEntry)); got != want {
		t.Errorf("PayloadOffset() = %d, want %d", got, want)
	}
}

func TestPayloadOffsetCountsNameBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utf8.zip")
	writeArchive(t, path, []rawEntry{
		{name: "notes-é.txt", data: []byte("x")},
		{name: PayloadEntry, data: []byte("payload")},
	})

	got, err := PayloadOffset(path)
	if err != nil {
		t.Fatalf("PayloadOffset() error = %v", err)
	}
	if want := dataOffset(t, path, PayloadEntry); got != want {
		t.Errorf("PayloadOffset() = %d, want %d", got, want)
	}
}

func TestPayloadOffsetMissingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block.zip")
	writeArchive(t, path, []rawEntry{{name: "system.new.dat", data: []byte("blocks")}})

	if _, err := PayloadOffset(path); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("PayloadOffset() error = %v, want ErrEntryNotFound", err)
	}
	if _, err := PayloadProperties(path); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("PayloadProperties() error = %v, want ErrEntryNotFound", err)
	}
}

func TestPayloadProperties(t *testing.T) {
	lines, err := PayloadProperties(abPackage(t))
	if err != nil {
		t.Fatalf("PayloadProperties() error = %v", err)
	}
	want := []string{"FILE_HASH=abc", "FILE_SIZE=42", "METADATA_HASH=def", "METADATA_SIZE=7"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("PayloadProperties() = %v, want %v", lines, want)
	}
}

func TestIsABUpdate(t *testing.T) {
	dir := t.TempDir()
	payloadOnly := filepath.Join(dir, "payload-only.zip")
	writeArchive(t, payloadOnly, []rawEntry{{name: PayloadEntry, data: []byte("p")}})
	block := filepath.Join(dir, "block.zip")
	writeArchive(t, block, []rawEntry{{name: "system.new.dat", data: []byte("b")}})

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"ab package", abPackage(t), true},
		{"payload without properties", payloadOnly, false},
		{"block package", block, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsABUpdate(tt.path)
			if err != nil {
				t.Fatalf("IsABUpdate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsABUpdate() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := IsABUpdate(filepath.Join(dir, "missing.zip")); err == nil {
		t.Error("IsABUpdate() succeeded for a missing file")
	}
}
