package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
	"magnet-queue/internal/queue"
	"magnet-queue/internal/repository"
)

// ErrShutdown is returned by operations called after Shutdown.
var ErrShutdown = errors.New("download manager is shut down")

// Archiver copies a completed item somewhere durable and returns its location.
type Archiver interface {
	Archive(ctx context.Context, item domain.QueuedItem) (string, error)
}

// DataCleaner deletes the bytes an item wrote to disk.
type DataCleaner interface {
	RemoveItemData(item domain.QueuedItem) error
}

type Config struct {
	DownloadRoot    string
	SampleInterval  time.Duration
	PersistDebounce time.Duration
	// Settings apply when no settings were persisted yet.
	Settings domain.Settings
	Archiver Archiver
	Cleaner  DataCleaner
	Logger   *logrus.Logger
}

// Manager owns the queue: it admits queued items up to the concurrency cap,
// turns engine events into status transitions and persists the result.
type Manager struct {
	cfg    Config
	store  *queue.Store
	repo   repository.QueueRepository
	engine engine.Engine
	logger *logrus.Logger

	mu       sync.Mutex
	settings domain.Settings
	slots    map[string]*slot
	gate     *selectionGate
	nextGen  uint64
	started  bool
	stopping bool

	events      chan slotEvent
	persist     *persister
	broadcaster *Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// slot is one admission. It counts towards the cap from admission until
// release, including while the engine is still starting the transfer.
type slot struct {
	itemID   string
	gen      uint64
	cancel   context.CancelFunc
	handle   engine.Handle
	selected []int
}

type slotEvent struct {
	slot *slot
	ev   engine.Event
}

func NewManager(cfg Config, repo repository.QueueRepository, eng engine.Engine) *Manager {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = 500 * time.Millisecond
	}
	if cfg.Settings.Validate() != nil {
		cfg.Settings = domain.DefaultSettings()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	m := &Manager{
		cfg:      cfg,
		store:    queue.NewStore(),
		repo:     repo,
		engine:   eng,
		logger:   cfg.Logger,
		settings: cfg.Settings,
		slots:    make(map[string]*slot),
		gate:     newSelectionGate(),
		events:   make(chan slotEvent, 64),
	}
	m.persist = newPersister(repo, m.state, cfg.PersistDebounce, cfg.Logger)
	m.broadcaster = newBroadcaster(cfg.SampleInterval, cfg.PersistDebounce, m.sample, m.persist)
	return m
}

// Start loads persisted state, starts the event loop and the broadcaster and
// runs a first admission pass.
func (m *Manager) Start(ctx context.Context) error {
	state, err := m.repo.Load(ctx)
	if err != nil {
		m.logger.Warnf("load queue state, starting with an empty queue: %v", err)
		state = repository.State{}
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("download manager already started")
	}
	m.started = true
	if state.Settings.Validate() == nil {
		m.settings = state.Settings
	}
	m.store.Replace(state.Items)
	m.gate.rebuild(state.Items)
	m.engine.SetRateLimits(m.settings.MaxDownloadRate, m.settings.MaxUploadRate)
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	m.broadcaster.Start()

	m.logger.Infof("download manager started: %d items (%d queued, %d awaiting selection), max %d concurrent",
		m.store.Len(), m.store.CountByStatus(domain.StatusQueued), m.store.CountByStatus(domain.StatusAwaitingSelection),
		m.settings.MaxConcurrentDownloads)
	m.processQueue()
	return nil
}

// Shutdown tears down every live handle, flushes persistence and closes the
// engine. Items that were active stay active on disk and reload as queued.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	var handles []engine.Handle
	for id := range m.slots {
		handles = append(handles, m.releaseLocked(id))
	}
	m.mu.Unlock()

	m.broadcaster.Stop()
	m.cancel()
	closeHandles(handles...)
	m.wg.Wait()
	m.persist.Flush()
	if err := m.engine.Close(); err != nil {
		m.logger.Warnf("close engine: %v", err)
	}
	m.logger.Info("download manager stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case se := <-m.events:
			m.handleEvent(se)
		}
	}
}

// Add enqueues a new item and gives it a slot if one is free.
func (m *Manager) Add(req domain.AddRequest) (domain.QueuedItem, error) {
	dest, err := m.destination(req.DestinationPath)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	req.DestinationPath = dest
	if path := req.Source.Normalized().TorrentFilePath; path != "" && req.Source.Normalized().MagnetURI == "" {
		if _, err := os.Stat(path); err != nil {
			return domain.QueuedItem{}, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return domain.QueuedItem{}, ErrShutdown
	}

	item, err := m.store.Enqueue(req)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	m.logger.WithField("item_id", item.ID).Infof("item added: %s", item.Source)
	m.persist.MarkDirty()
	m.processQueueLocked()

	item, _ = m.store.Get(item.ID)
	return item, nil
}

// destination resolves a requested path against the download root. Relative
// paths live below the root; absolute ones must already be inside it.
func (m *Manager) destination(requested string) (string, error) {
	root := filepath.Clean(m.cfg.DownloadRoot)
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return root, nil
	}
	dest := filepath.Clean(requested)
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(root, dest)
	}
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", domain.ErrInvalidDestination, requested, root)
	}
	return dest, nil
}

func (m *Manager) Get(id string) (domain.QueuedItem, error) {
	item, ok := m.store.Get(id)
	if !ok {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return item, nil
}

func (m *Manager) List() []domain.QueuedItem {
	return m.store.List()
}

// Pause stops a downloading or seeding item, keeping its bytes on disk.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	item, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if !item.Status.Active() {
		m.mu.Unlock()
		return &domain.TransitionError{ID: id, Op: "pause", From: item.Status}
	}
	if _, err := m.store.Transition(id, domain.StatusPaused, resetTransient); err != nil {
		m.mu.Unlock()
		return err
	}
	h := m.releaseLocked(id)
	m.persist.MarkDirty()
	m.processQueueLocked()
	m.mu.Unlock()

	closeHandles(h)
	m.logger.WithField("item_id", id).Info("item paused")
	return nil
}

// Resume puts a paused or failed item back in the admission queue.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if item.Status != domain.StatusPaused && item.Status != domain.StatusError {
		return &domain.TransitionError{ID: id, Op: "resume", From: item.Status}
	}
	if _, err := m.store.Transition(id, domain.StatusQueued, resetTransient); err != nil {
		return err
	}
	m.logger.WithField("item_id", id).Info("item resumed")
	m.persist.MarkDirty()
	m.processQueueLocked()
	return nil
}

// Remove deletes the item, tearing down its handle first. With deleteFiles the
// downloaded bytes are removed too; cleanup failures are logged only.
func (m *Manager) Remove(id string, deleteFiles bool) error {
	m.mu.Lock()
	item, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	h := m.releaseLocked(id)
	m.gate.remove(id)
	if err := m.store.Remove(id); err != nil {
		m.mu.Unlock()
		closeHandles(h)
		return err
	}
	m.persist.MarkDirty()
	m.processQueueLocked()
	m.mu.Unlock()

	closeHandles(h)

	logger := m.logger.WithField("item_id", id)
	if deleteFiles && m.cfg.Cleaner != nil {
		if err := m.cfg.Cleaner.RemoveItemData(item); err != nil {
			logger.Warnf("remove downloaded data: %v", err)
		}
	}
	logger.Infof("item removed (delete files: %t)", deleteFiles)
	return nil
}

func (m *Manager) GetSettings() domain.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings applies new settings. A lower cap re-queues the most recently
// added active items; disabling seeding completes every seeding item.
func (m *Manager) UpdateSettings(s domain.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.settings
	m.settings = s
	m.engine.SetRateLimits(s.MaxDownloadRate, s.MaxUploadRate)

	var handles []engine.Handle
	if old.SeedAfterDownload && !s.SeedAfterDownload {
		for id := range m.slots {
			item, ok := m.store.Get(id)
			if !ok || item.Status != domain.StatusSeeding {
				continue
			}
			if _, err := m.store.Transition(id, domain.StatusCompleted, resetTransient); err != nil {
				m.logger.WithField("item_id", id).Warnf("stop seeding: %v", err)
				continue
			}
			handles = append(handles, m.releaseLocked(id))
		}
	}
	for len(m.slots) > s.MaxConcurrentDownloads {
		id := m.newestActiveLocked()
		if _, err := m.store.Transition(id, domain.StatusQueued, resetTransient); err != nil {
			m.logger.WithField("item_id", id).Warnf("requeue over capacity: %v", err)
		}
		handles = append(handles, m.releaseLocked(id))
	}
	m.persist.MarkDirty()
	m.processQueueLocked()
	m.mu.Unlock()

	closeHandles(handles...)
	m.logger.Infof("settings updated: max %d concurrent, seed %t, down %s/s, up %s/s",
		s.MaxConcurrentDownloads, s.SeedAfterDownload,
		humanize.IBytes(uint64(s.MaxDownloadRate)), humanize.IBytes(uint64(s.MaxUploadRate)))
	return nil
}

// Subscribe registers an observer of progress snapshots.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	return m.broadcaster.Subscribe()
}

func (m *Manager) processQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processQueueLocked()
}

// processQueueLocked promotes the oldest queued items while slots are free.
// It only ever touches queued items, so calling it redundantly is safe.
func (m *Manager) processQueueLocked() {
	if !m.started || m.stopping {
		return
	}
	for len(m.slots) < m.settings.MaxConcurrentDownloads {
		item, ok := m.store.OldestQueued()
		if !ok {
			return
		}
		updated, err := m.store.Transition(item.ID, domain.StatusDownloading, resetTransient)
		if err != nil {
			m.logger.WithField("item_id", item.ID).Errorf("admit item: %v", err)
			return
		}
		m.launchLocked(updated)
		m.persist.MarkDirty()
		m.logger.WithField("item_id", item.ID).Infof("item admitted (%d/%d active)", len(m.slots), m.settings.MaxConcurrentDownloads)
	}
}

// launchLocked reserves a slot for the item and starts its engine handle in
// the background.
func (m *Manager) launchLocked(item domain.QueuedItem) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.nextGen++
	s := &slot{
		itemID:   item.ID,
		gen:      m.nextGen,
		cancel:   cancel,
		selected: slices.Clone(item.SelectedFileIndices),
	}
	m.slots[item.ID] = s

	opts := engine.StartOptions{
		Source:           item.Source,
		DestinationPath:  item.DestinationPath,
		SelectedFiles:    slices.Clone(item.SelectedFileIndices),
		HoldForSelection: item.Partial && item.SelectedFileIndices == nil,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		h, err := m.engine.Start(ctx, opts)
		m.onStarted(s, h, err)
	}()
}

func (m *Manager) onStarted(s *slot, h engine.Handle, startErr error) {
	m.mu.Lock()
	if m.slots[s.itemID] != s {
		// paused, removed or shut down while starting
		m.mu.Unlock()
		if h != nil {
			h.Close()
		}
		return
	}

	if startErr != nil {
		stale := m.failLocked(s.itemID, &domain.EngineError{Op: "start", Err: startErr})
		m.processQueueLocked()
		m.mu.Unlock()
		closeHandles(stale)
		return
	}

	s.handle = h
	var extra []int
	if item, ok := m.store.Get(s.itemID); ok && s.selected != nil {
		extra = missing(s.selected, item.SelectedFileIndices)
	}
	m.wg.Add(1)
	go m.pump(s, h)
	m.mu.Unlock()

	if len(extra) > 0 {
		if err := h.DownloadFiles(extra); err != nil {
			m.logger.WithField("item_id", s.itemID).Warnf("request added files: %v", err)
		}
	}
}

// pump forwards a handle's events into the manager's loop.
func (m *Manager) pump(s *slot, h engine.Handle) {
	defer m.wg.Done()
	for ev := range h.Events() {
		select {
		case m.events <- slotEvent{slot: s, ev: ev}:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleEvent(se slotEvent) {
	m.mu.Lock()
	if m.slots[se.slot.itemID] != se.slot {
		m.mu.Unlock()
		m.logger.WithField("item_id", se.slot.itemID).Debugf("dropping %s event from stale handle", se.ev.Kind)
		return
	}

	var stale engine.Handle
	switch se.ev.Kind {
	case engine.EventMetadata:
		stale = m.onMetadataLocked(se.slot.itemID, se.ev)
	case engine.EventDone:
		stale = m.onDoneLocked(se.slot.itemID)
	case engine.EventError:
		err := se.ev.Err
		if err == nil {
			err = errors.New("unknown engine error")
		}
		stale = m.failLocked(se.slot.itemID, &domain.EngineError{Op: "transfer", Err: err})
	}
	m.processQueueLocked()
	m.mu.Unlock()

	closeHandles(stale)
}

func (m *Manager) onMetadataLocked(id string, ev engine.Event) engine.Handle {
	item, err := m.store.Mutate(id, func(it *domain.QueuedItem) {
		it.Name = ev.Name
		it.TotalBytes = ev.TotalBytes
		files := make([]domain.ItemFile, len(ev.Files))
		for i, f := range ev.Files {
			files[i] = domain.ItemFile{Path: f.Path, Size: f.Size}
		}
		it.Files = files
		it.SelectedFileIndices = inRange(it.SelectedFileIndices, len(files))
		markSelected(it)
	})
	if err != nil {
		m.logger.WithField("item_id", id).Warnf("record metadata: %v", err)
		return nil
	}
	m.persist.MarkDirty()
	logger := m.logger.WithField("item_id", id)
	logger.Infof("metadata received: %s, %d files, %s", item.Name, len(item.Files), humanize.IBytes(uint64(item.TotalBytes)))

	if !item.Partial || len(item.Files) <= 1 || item.SelectedFileIndices != nil {
		return nil
	}
	if _, err := m.store.Transition(id, domain.StatusAwaitingSelection, resetTransient); err != nil {
		logger.Warnf("await selection: %v", err)
		return nil
	}
	m.gate.add(id)
	logger.Info("waiting for file selection")
	return m.releaseLocked(id)
}

func (m *Manager) onDoneLocked(id string) engine.Handle {
	item, ok := m.store.Get(id)
	if !ok {
		return nil
	}
	logger := m.logger.WithField("item_id", id)
	now := time.Now().UTC()
	finish := func(it *domain.QueuedItem) {
		it.Progress = 1
		if it.CompletedAt == nil {
			it.CompletedAt = &now
		}
	}

	if m.settings.SeedAfterDownload {
		if item.Status == domain.StatusSeeding {
			return nil
		}
		updated, err := m.store.Transition(id, domain.StatusSeeding, finish)
		if err != nil {
			logger.Warnf("start seeding: %v", err)
			return nil
		}
		logger.Info("download complete, seeding")
		m.persist.MarkDirty()
		m.archiveLocked(updated)
		return nil
	}

	updated, err := m.store.Transition(id, domain.StatusCompleted, func(it *domain.QueuedItem) {
		finish(it)
		it.ResetTransient()
	})
	if err != nil {
		logger.Warnf("complete item: %v", err)
		return nil
	}
	logger.Info("download complete")
	m.persist.MarkDirty()
	m.archiveLocked(updated)
	return m.releaseLocked(id)
}

// failLocked records an engine error on the item. Errors are terminal until
// the user resumes the item.
func (m *Manager) failLocked(id string, failErr error) engine.Handle {
	logger := m.logger.WithField("item_id", id)
	if _, err := m.store.Transition(id, domain.StatusError, func(it *domain.QueuedItem) {
		it.LastError = failErr.Error()
		it.ResetTransient()
	}); err != nil {
		logger.Errorf("record failure %q: %v", failErr, err)
	}
	logger.Error(failErr.Error())
	m.persist.MarkDirty()
	return m.releaseLocked(id)
}

func (m *Manager) archiveLocked(item domain.QueuedItem) {
	if m.cfg.Archiver == nil || item.ArchiveLocation != "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		logger := m.logger.WithField("item_id", item.ID)
		location, err := m.cfg.Archiver.Archive(m.ctx, item)
		if err != nil {
			logger.Warnf("archive item: %v", err)
			return
		}
		m.mu.Lock()
		_, err = m.store.Mutate(item.ID, func(it *domain.QueuedItem) {
			it.ArchiveLocation = location
		})
		if err == nil {
			m.persist.MarkDirty()
		}
		m.mu.Unlock()
		if err != nil {
			logger.Debugf("item gone before archive finished: %v", err)
			return
		}
		logger.Infof("archived to %s", location)
	}()
}

// releaseLocked frees the item's slot and returns the handle to close, if
// any. Events still in flight from that handle are dropped as stale.
func (m *Manager) releaseLocked(id string) engine.Handle {
	s, ok := m.slots[id]
	if !ok {
		return nil
	}
	delete(m.slots, id)
	s.cancel()
	return s.handle
}

func (m *Manager) newestActiveLocked() string {
	var (
		newest string
		at     time.Time
	)
	for id := range m.slots {
		item, ok := m.store.Get(id)
		if !ok {
			return id
		}
		if newest == "" || item.AddedAt.After(at) {
			newest, at = id, item.AddedAt
		}
	}
	return newest
}

// sample copies live counters into the items, runs the periodic admission
// pass and returns a snapshot for observers.
func (m *Manager) sample() Snapshot {
	m.mu.Lock()
	for id, s := range m.slots {
		if s.handle == nil {
			continue
		}
		st := s.handle.Stats()
		_, _ = m.store.Mutate(id, func(it *domain.QueuedItem) {
			it.DownloadedBytes = st.DownloadedBytes
			it.UploadedBytes = st.UploadedBytes
			it.DownloadRate = st.DownloadRate
			it.UploadRate = st.UploadRate
			it.Peers = st.Peers
			if it.Status == domain.StatusSeeding {
				it.Progress = 1
				return
			}
			if want := wantedBytes(it); want > 0 {
				it.Progress = min(float64(st.DownloadedBytes)/float64(want), 1)
			}
		})
	}
	m.processQueueLocked()
	m.mu.Unlock()

	return Snapshot{At: time.Now().UTC(), Items: m.store.List()}
}

func (m *Manager) state() repository.State {
	m.mu.Lock()
	settings := m.settings
	m.mu.Unlock()
	return repository.State{Settings: settings, Items: m.store.List()}
}

func wantedBytes(it *domain.QueuedItem) int64 {
	if it.SelectedFileIndices == nil {
		return it.TotalBytes
	}
	var n int64
	for _, i := range it.SelectedFileIndices {
		if i < len(it.Files) {
			n += it.Files[i].Size
		}
	}
	return n
}

func resetTransient(it *domain.QueuedItem) {
	it.ResetTransient()
}

func closeHandles(handles ...engine.Handle) {
	for _, h := range handles {
		if h != nil {
			h.Close()
		}
	}
}
