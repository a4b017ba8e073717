package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"otaupdater/internal/download"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/worker"
)

var errRecordNotFound = errors.New("record not found")

type fakeStore struct {
	mu      sync.Mutex
	records map[string]model.Update
}

func newFakeStore(records ...model.Update) *fakeStore {
	s := &fakeStore{records: make(map[string]model.Update)}
	for _, r := range records {
		s.records[r.DownloadID] = r
	}
	return s
}

func (s *fakeStore) AddUpdate(u model.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[u.DownloadID] = u
	return nil
}

func (s *fakeStore) ChangeUpdateStatus(id string, status model.PersistentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return errRecordNotFound
	}
	r.PersistentStatus = status
	s.records[id] = r
	return nil
}

func (s *fakeStore) RemoveUpdate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) GetUpdates() ([]model.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Update, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) get(id string) (model.Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(ev notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t notify.EventType, id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t && ev.DownloadID == id {
			n++
		}
	}
	return n
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type fakeWakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
}

func (w *fakeWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = true
	w.acquires++
	return nil
}

func (w *fakeWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
	w.releases++
	return nil
}

func (w *fakeWakeLock) isHeld() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

type fakeVerifier struct {
	mu  sync.Mutex
	err error

	// gate, when set, blocks Verify until it is closed.
	gate chan struct{}
}

func (v *fakeVerifier) Verify(context.Context, string) error {
	v.mu.Lock()
	err, gate := v.err, v.gate
	v.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

type fakeSession struct {
	opts      download.Options
	started   int
	resumed   int
	cancelled int
}

func (s *fakeSession) Start()  { s.started++ }
func (s *fakeSession) Resume() { s.resumed++ }
func (s *fakeSession) Cancel() { s.cancelled++ }

// callback returns the download callback the controller registered.
func (s *fakeSession) callback() download.Callback {
	return s.opts.Callback
}

type sessionFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *sessionFactory) build(opts download.Options) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{opts: opts}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *sessionFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *sessionFactory) last(t *testing.T) *fakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		t.Fatal("no download session was built")
	}
	return f.sessions[len(f.sessions)-1]
}

type harness struct {
	c        *Controller
	store    *fakeStore
	events   *eventLog
	wake     *fakeWakeLock
	verifier *fakeVerifier
	sessions *sessionFactory
	root     string
}

func newHarness(t *testing.T, records ...model.Update) *harness {
	t.Helper()
	queue := worker.New("test-writes", 16)
	queue.Start(1)
	t.Cleanup(queue.Stop)

	h := &harness{
		store:    newFakeStore(records...),
		events:   &eventLog{},
		wake:     &fakeWakeLock{},
		verifier: &fakeVerifier{},
		sessions: &sessionFactory{},
		root:     t.TempDir(),
	}
	c, err := New(Options{
		Store:        h.store,
		Publisher:    h.events,
		WakeLock:     h.wake,
		Verifier:     h.verifier,
		NewSession:   h.sessions.build,
		Queue:        queue,
		DownloadRoot: h.root,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.c = c
	return h
}

func info(id string) model.UpdateInfo {
	return model.UpdateInfo{
		DownloadID:  id,
		Name:        id + ".zip",
		DownloadURL: "https://updates.example.com/" + id + ".zip",
		Timestamp:   1700000000,
		Version:     "14",
		Type:        model.TypeAB,
	}
}

func (h *harness) status(t *testing.T, id string) model.Status {
	t.Helper()
	u, ok := h.c.Update(id)
	if !ok {
		t.Fatalf("update %s is not tracked", id)
	}
	return u.Status
}
