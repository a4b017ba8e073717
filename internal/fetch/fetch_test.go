package fetch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"otaupdater/internal/httputil"
	"otaupdater/internal/model"
)

const descriptorJSON = `{
	"current_download_url": "https://dl.example.com/u2.zip",
	"changelog_url": "https://example.com/changelog",
	"original_filename": "u2.zip",
	"type": 1,
	"size_bytes": 104857600,
	"wipe": false,
	"downgrade": false
}`

func TestFetchDescriptor(t *testing.T) {
	seen := make(chan [2]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.URL.Query().Get("timestamp"), r.UserAgent()}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(descriptorJSON))
	}))
	defer srv.Close()

	client, err := New(Options{ServerURL: srv.URL + "/api/v1/updates", Retry: httputil.NoRetry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	desc, err := client.Fetch(t.Context(), 1700000000)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	req := <-seen
	if req[0] != "1700000000" {
		t.Errorf("timestamp query = %q", req[0])
	}
	if req[1] == "" {
		t.Error("request sent without a user agent")
	}
	if string(desc.Raw) != descriptorJSON {
		t.Error("raw body not kept")
	}

	info := desc.ToUpdateInfo()
	want := model.UpdateInfo{
		DownloadID:   "u2.zip",
		Name:         "u2.zip",
		DownloadURL:  "https://dl.example.com/u2.zip",
		ChangelogURL: "https://example.com/changelog",
		Type:         model.TypeAB,
		FileSize:     104857600,
	}
	if info != want {
		t.Errorf("ToUpdateInfo() = %+v, want %+v", info, want)
	}
}

func TestFetchNoUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nothing newer", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := New(Options{ServerURL: srv.URL, Retry: httputil.NoRetry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if _, err := client.Fetch(t.Context(), 1); !errors.Is(err, ErrNoUpdate) {
		t.Errorf("Fetch() error = %v, want ErrNoUpdate", err)
	}
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(descriptorJSON))
	}))
	defer srv.Close()

	client, err := New(Options{
		ServerURL: srv.URL,
		Retry:     httputil.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if _, err := client.Fetch(t.Context(), 1); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server called %d times, want 2", n)
	}
}

func TestFetchUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(descriptorJSON))
	}))
	defer srv.Close()

	client, err := New(Options{ServerURL: srv.URL, Retry: httputil.NoRetry(), CacheTTL: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	for i := 0; i < 3; i++ {
		if _, err := client.Fetch(t.Context(), 42); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
	if _, err := client.Fetch(t.Context(), 43); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server called %d times, want 2 (one per timestamp)", n)
	}
}

func TestParseRejectsIncompleteDescriptor(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>"},
		{"no filename", `{"current_download_url": "https://dl.example.com/u2.zip"}`},
		{"no url", `{"original_filename": "u2.zip"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.body)); err == nil {
				t.Error("Parse() accepted an incomplete descriptor")
			}
		})
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Options{ServerURL: "not a url"}); err == nil {
		t.Error("New() accepted an invalid server URL")
	}
}
