package installer

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"otaupdater/internal/model"
	"otaupdater/internal/notify"
)

type fakeUpdates struct {
	mu      sync.Mutex
	updates map[string]*model.Update
	events  []notify.Event
	hook    func(notify.Event)
}

func newFakeUpdates(updates ...model.Update) *fakeUpdates {
	f := &fakeUpdates{updates: make(map[string]*model.Update)}
	for i := range updates {
		u := updates[i]
		f.updates[u.DownloadID] = &u
	}
	return f
}

func (f *fakeUpdates) Update(id string) (model.Update, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.updates[id]
	if !ok {
		return model.Update{}, false
	}
	return *u, true
}

func (f *fakeUpdates) Mutate(id string, fn func(u *model.Update), events ...notify.EventType) bool {
	f.mu.Lock()
	u, ok := f.updates[id]
	if !ok {
		f.mu.Unlock()
		return false
	}
	if fn != nil {
		fn(u)
	}
	var published []notify.Event
	for _, t := range events {
		ev := notify.Event{Type: t, DownloadID: id}
		f.events = append(f.events, ev)
		published = append(published, ev)
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		for _, ev := range published {
			hook(ev)
		}
	}
	return true
}

func (f *fakeUpdates) get(t *testing.T, id string) model.Update {
	t.Helper()
	u, ok := f.Update(id)
	if !ok {
		t.Fatalf("update %s is not tracked", id)
	}
	return u
}

func (f *fakeUpdates) count(t notify.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type applyCall struct {
	uri     string
	offset  int64
	size    int64
	headers []string
}

type fakeEngine struct {
	mu       sync.Mutex
	bindOK   bool
	binds    int
	callback EngineCallback
	applies  []applyCall
	applyErr error
	cancels  int
	suspends int
	resumes  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{bindOK: true}
}

func (e *fakeEngine) Bind(cb EngineCallback) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.binds++
	if e.bindOK {
		e.callback = cb
	}
	return e.bindOK
}

func (e *fakeEngine) ApplyPayload(uri string, offset, size int64, headers []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applies = append(e.applies, applyCall{uri: uri, offset: offset, size: size, headers: headers})
	return e.applyErr
}

func (e *fakeEngine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	return nil
}

func (e *fakeEngine) Suspend() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspends++
	return nil
}

func (e *fakeEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumes++
	return nil
}

func (e *fakeEngine) cb(t *testing.T) EngineCallback {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.callback == nil {
		t.Fatal("engine was never bound")
	}
	return e.callback
}

type fakePlatform struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (p *fakePlatform) InstallPackage(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	return p.err
}

func (p *fakePlatform) installed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

type fakeEncryption bool

func (f fakeEncryption) IsEncrypted(string) bool { return bool(f) }

// settle waits until every engine event queued so far has been handled.
func (a *ABInstaller) settle() {
	ack := make(chan struct{})
	a.events <- engineEvent{ack: ack}
	<-ack
}

type rawEntry struct {
	name    string
	data    []byte
	deflate bool
	extra   []byte
}

// writeArchive writes entries without data descriptors so every local
// header matches the central directory.
func writeArchive(t *testing.T, path string, entries []rawEntry) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		stored := e.data
		method := zip.Store
		if e.deflate {
			var cbuf bytes.Buffer
			fw, err := flate.NewWriter(&cbuf, flate.BestCompression)
			if err != nil {
				t.Fatalf("flate.NewWriter() error = %v", err)
			}
			if _, err := fw.Write(e.data); err != nil {
				t.Fatalf("flate Write() error = %v", err)
			}
			if err := fw.Close(); err != nil {
				t.Fatalf("flate Close() error = %v", err)
			}
			stored = cbuf.Bytes()
			method = zip.Deflate
		}
		hdr := &zip.FileHeader{
			Name:               e.name,
			Method:             method,
			CRC32:              crc32.ChecksumIEEE(e.data),
			CompressedSize64:   uint64(len(stored)),
			UncompressedSize64: uint64(len(e.data)),
			Extra:              e.extra,
		}
		fw, err := w.CreateRaw(hdr)
		if err != nil {
			t.Fatalf("CreateRaw(%s) error = %v", e.name, err)
		}
		if _, err := fw.Write(stored); err != nil {
			t.Fatalf("Write(%s) error = %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

const properties = "FILE_HASH=abc\nFILE_SIZE=42\nMETADATA_HASH=def\nMETADATA_SIZE=7\n"

func abPackage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "update.zip")
	writeArchive(t, path, []rawEntry{
		{name: "META-INF/com/android/metadata", data: bytes.Repeat([]byte("ota-type=AB\n"), 40), deflate: true},
		{name: "care_map.pb", data: []byte("caremap"), extra: []byte{0xfe, 0xca, 0x00, 0x00}},
		{name: PayloadEntry, data: bytes.Repeat([]byte{0xaa}, 4096)},
		{name: PayloadPropertiesEntry, data: []byte(properties)},
	})
	return path
}

func dataOffset(t *testing.T, path, name string) int64 {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name == name {
			off, err := f.DataOffset()
			if err != nil {
				t.Fatalf("DataOffset() error = %v", err)
			}
			return off
		}
	}
	t.Fatalf("entry %s not found", name)
	return 0
}

var errPlatform = errors.New("platform failure")
