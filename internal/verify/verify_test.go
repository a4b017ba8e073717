package verify

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const entryBody = "payload payload payload payload"

func buildArchive(t *testing.T, comment []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.CreateHeader(&zip.FileHeader{Name: "payload.bin", Method: zip.Store})
	if err != nil {
		t.Fatalf("CreateHeader() error = %v", err)
	}
	if _, err := fw.Write([]byte(entryBody)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if comment != nil {
		if err := w.SetComment(string(comment)); err != nil {
			t.Fatalf("SetComment() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func signedComment(size, signatureStart uint16) []byte {
	comment := bytes.Repeat([]byte{0x42}, int(size))
	footer := comment[size-footerSize:]
	binary.LittleEndian.PutUint16(footer[0:2], signatureStart)
	footer[2], footer[3] = 0xff, 0xff
	binary.LittleEndian.PutUint16(footer[4:6], size)
	return comment
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "update.zip")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestVerify(t *testing.T) {
	signed := buildArchive(t, signedComment(64, 60))
	unsigned := buildArchive(t, nil)

	corrupt := bytes.Clone(unsigned)
	idx := bytes.Index(corrupt, []byte(entryBody))
	if idx < 0 {
		t.Fatal("entry body not found in archive")
	}
	corrupt[idx] ^= 0xff

	tests := []struct {
		name             string
		data             []byte
		requireSignature bool
		wantErr          error
	}{
		{"signed archive", signed, true, nil},
		{"unsigned archive allowed", unsigned, false, nil},
		{"unsigned archive rejected", unsigned, true, ErrUnsigned},
		{"bad crc", corrupt, false, ErrCorrupt},
		{"not a zip", []byte("definitely not a zip archive"), false, ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.requireSignature).Verify(context.Background(), writeFile(t, tt.data))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Verify() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyMissingFile(t *testing.T) {
	err := New(false).Verify(context.Background(), filepath.Join(t.TempDir(), "missing.zip"))
	if err == nil {
		t.Fatal("Verify() succeeded for a missing file")
	}
}

func TestVerifyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(false).Verify(ctx, writeFile(t, buildArchive(t, nil)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Verify() error = %v, want context.Canceled", err)
	}
}
