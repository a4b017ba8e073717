package download

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type result struct {
	success   bool
	cancelled bool
}

type recorder struct {
	mu       sync.Mutex
	headers  []http.Header
	progress []int64
	results  chan result
}

func newRecorder() *recorder {
	return &recorder{results: make(chan result, 1)}
}

func (r *recorder) OnResponse(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, h)
}

func (r *recorder) OnSuccess() { r.results <- result{success: true} }

func (r *recorder) OnFailure(cancelled bool) { r.results <- result{cancelled: cancelled} }

func (r *recorder) onProgress(bytesRead, _, _ int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, bytesRead)
}

func (r *recorder) wait(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
		return result{}
	}
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789"), n/10)
}

func serveContent(data []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "update.zip", time.Unix(0, 0), bytes.NewReader(data))
	})
}

func TestNewValidatesOptions(t *testing.T) {
	rec := newRecorder()
	tests := []struct {
		name string
		opts Options
	}{
		{"missing callback", Options{URL: "https://example.com/a.zip", Destination: "/tmp/a.zip"}},
		{"missing destination", Options{URL: "https://example.com/a.zip", Callback: rec}},
		{"bad scheme", Options{URL: "ftp://example.com/a.zip", Destination: "/tmp/a.zip", Callback: rec}},
		{"no host", Options{URL: "https:///a.zip", Destination: "/tmp/a.zip", Callback: rec}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestStartDownloadsWholeFile(t *testing.T) {
	data := payload(100000)
	srv := httptest.NewServer(serveContent(data))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "update.zip")
	rec := newRecorder()
	client, err := New(Options{
		URL:         srv.URL + "/update.zip",
		Destination: dest,
		Callback:    rec,
		Progress:    rec.onProgress,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	client.Start()
	if res := rec.wait(t); !res.success {
		t.Fatalf("download failed: %+v", res)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(data))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.headers) != 1 || rec.headers[0].Get("Content-Length") != "100000" {
		t.Errorf("OnResponse headers = %v", rec.headers)
	}
	if len(rec.progress) == 0 || rec.progress[len(rec.progress)-1] != int64(len(data)) {
		t.Errorf("last progress = %v, want %d", rec.progress, len(data))
	}
}

func TestResumeRequestsRemainingRange(t *testing.T) {
	data := payload(50000)
	var rangeHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader = r.Header.Get("Range")
		serveContent(data).ServeHTTP(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "update.zip")
	if err := os.WriteFile(dest, data[:20000], 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rec := newRecorder()
	client, err := New(Options{URL: srv.URL, Destination: dest, Callback: rec, Progress: rec.onProgress, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.Resume()
	if res := rec.wait(t); !res.success {
		t.Fatalf("resume failed: %+v", res)
	}

	if rangeHeader != "bytes=20000-" {
		t.Errorf("Range = %q, want bytes=20000-", rangeHeader)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, data) {
		t.Fatalf("resumed file has %d bytes, want %d", len(got), len(data))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if first := rec.progress[0]; first <= 20000 {
		t.Errorf("first progress %d does not include the existing bytes", first)
	}
}

func TestResumeOfCompleteFileSucceeds(t *testing.T) {
	data := payload(1000)
	srv := httptest.NewServer(serveContent(data))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "update.zip")
	if err := os.WriteFile(dest, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rec := newRecorder()
	client, err := New(Options{URL: srv.URL, Destination: dest, Callback: rec, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.Resume()
	if res := rec.wait(t); !res.success {
		t.Fatalf("resume of complete file failed: %+v", res)
	}
}

func TestServerErrorReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec := newRecorder()
	client, err := New(Options{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "u.zip"), Callback: rec, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.Start()

	res := rec.wait(t)
	if res.success || res.cancelled {
		t.Fatalf("result = %+v, want plain failure", res)
	}
}

func TestCancelReportsCancelledFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write([]byte(strings.Repeat("x", 1024)))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	started := make(chan struct{})
	var once sync.Once
	client, err := New(Options{
		URL:         srv.URL,
		Destination: filepath.Join(t.TempDir(), "u.zip"),
		Callback:    rec,
		Progress: func(int64, int64, int64, time.Duration) {
			once.Do(func() { close(started) })
		},
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	client.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before cancel")
	}
	client.Cancel()

	if res := rec.wait(t); !res.cancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	client.Wait()
}

func TestContentRangeStart(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"bytes 100-199/200", 100, true},
		{"bytes 0-0/1", 0, true},
		{"items 1-2/3", 0, false},
		{"bytes x-1/2", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := contentRangeStart(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("contentRangeStart(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
