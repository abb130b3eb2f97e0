package downloader

import (
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
	"magnet-queue/internal/repository"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func magnet(name string) string {
	hashes := map[string]string{
		"a": "0123456789abcdef0123456789abcdef01234567",
		"b": "89abcdef0123456789abcdef0123456789abcdef",
		"c": "fedcba9876543210fedcba9876543210fedcba98",
		"d": "00112233445566778899aabbccddeeff00112233",
		"e": "ffeeddccbbaa99887766554433221100ffeeddcc",
		"f": "1111111111111111111111111111111111111111",
	}
	return "magnet:?xt=urn:btih:" + hashes[name] + "&dn=" + name
}

type fakeStart struct {
	opts   engine.StartOptions
	handle *fakeHandle
}

type fakeEngine struct {
	mu      sync.Mutex
	starts  []fakeStart
	fail    map[string]error
	release chan struct{}
	rates   [2]int64
	closed  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: make(map[string]error)}
}

// holdStarts makes Start block, ignoring its context, until the returned func is called.
func (e *fakeEngine) holdStarts() func() {
	ch := make(chan struct{})
	e.mu.Lock()
	e.release = ch
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (e *fakeEngine) Start(ctx context.Context, opts engine.StartOptions) (engine.Handle, error) {
	e.mu.Lock()
	release := e.release
	err := e.fail[opts.Source.String()]
	e.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{opts: opts, events: make(chan engine.Event, 8)}
	e.mu.Lock()
	e.starts = append(e.starts, fakeStart{opts: opts, handle: h})
	e.mu.Unlock()
	return h, nil
}

func (e *fakeEngine) SetRateLimits(download, upload int64) {
	e.mu.Lock()
	e.rates = [2]int64{download, upload}
	e.mu.Unlock()
}

func (e *fakeEngine) rateLimits() [2]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rates
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) startsFor(source string) []fakeStart {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []fakeStart
	for _, s := range e.starts {
		if s.opts.Source.String() == source {
			out = append(out, s)
		}
	}
	return out
}

// waitStart returns the n-th (1-based) start for a source once it happened.
func (e *fakeEngine) waitStart(t *testing.T, source string, n int) fakeStart {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.startsFor(source)) >= n
	}, waitFor, tick, "start #%d of %s", n, source)
	return e.startsFor(source)[n-1]
}

type fakeHandle struct {
	opts   engine.StartOptions
	events chan engine.Event

	mu        sync.Mutex
	closes    int
	stats     engine.Stats
	requested [][]int
}

func (h *fakeHandle) Events() <-chan engine.Event { return h.events }

func (h *fakeHandle) Stats() engine.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *fakeHandle) setStats(s engine.Stats) {
	h.mu.Lock()
	h.stats = s
	h.mu.Unlock()
}

func (h *fakeHandle) DownloadFiles(indices []int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requested = append(h.requested, slices.Clone(indices))
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	if h.closes == 1 {
		close(h.events)
	}
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *fakeHandle) requests() [][]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.requested)
}

// emit delivers an event unless the handle was closed.
func (h *fakeHandle) emit(ev engine.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closes > 0 {
		return false
	}
	h.events <- ev
	return true
}

type memRepo struct {
	mu    sync.Mutex
	state repository.State
	saves int
	err   error
}

func (r *memRepo) Load(context.Context) (repository.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return repository.Normalize(r.state), nil
}

func (r *memRepo) Save(_ context.Context, state repository.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.err != nil {
		return r.err
	}
	r.state = repository.AtRest(state)
	return nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type fakeCleaner struct {
	mu      sync.Mutex
	removed []string
}

func (c *fakeCleaner) RemoveItemData(item domain.QueuedItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, item.ID)
	return nil
}

func (c *fakeCleaner) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.removed)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
	// hold, when set, blocks Archive until it is closed
	hold chan struct{}
}

func (a *fakeArchiver) Archive(ctx context.Context, item domain.QueuedItem) (string, error) {
	if a.hold != nil {
		select {
		case <-a.hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, item.ID)
	return "s3://bucket/" + item.ID, nil
}

func (a *fakeArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(settings domain.Settings) Config {
	return Config{
		DownloadRoot:    "/downloads",
		SampleInterval:  10 * time.Millisecond,
		PersistDebounce: 20 * time.Millisecond,
		Settings:        settings,
		Logger:          quietLogger(),
	}
}

func startManager(t *testing.T, cfg Config, repo repository.QueueRepository, eng engine.Engine) *Manager {
	t.Helper()
	m := NewManager(cfg, repo, eng)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Shutdown)
	return m
}

func addMagnet(t *testing.T, m *Manager, name string, partial bool) domain.QueuedItem {
	t.Helper()
	it, err := m.Add(domain.AddRequest{Source: domain.SourceRef{MagnetURI: magnet(name)}, Partial: partial})
	require.NoError(t, err)
	return it
}

func waitStatus(t *testing.T, m *Manager, id string, want domain.ItemStatus) domain.QueuedItem {
	t.Helper()
	var last domain.QueuedItem
	require.Eventually(t, func() bool {
		it, err := m.Get(id)
		last = it
		return err == nil && it.Status == want
	}, waitFor, tick, "item %s never reached %s", id, want)
	return last
}

func activeCount(m *Manager) int {
	n := 0
	for _, it := range m.List() {
		if it.Status.Active() {
			n++
		}
	}
	return n
}

func threeFiles() engine.Event {
	return engine.Event{
		Kind:       engine.EventMetadata,
		Name:       "multi",
		TotalBytes: 30,
		Files: []engine.FileInfo{
			{Path: "multi/a.bin", Size: 10},
			{Path: "multi/b.bin", Size: 10},
			{Path: "multi/c.bin", Size: 10},
		},
	}
}
